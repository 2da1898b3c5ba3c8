// Package command implements the per-match bounded FIFO command queue:
// payload schema coercion, backpressure on a full queue, and
// in-submission-order draining.
package command

import (
	"strconv"
	"sync"
	"time"

	"github.com/stormstack/engine/pkg/apierrors"
	"github.com/stormstack/engine/pkg/metrics"
)

// DefaultCapacity is the default per-match FIFO bound.
const DefaultCapacity = 1024

// ParamType is a declared command-parameter type tag.
type ParamType string

const (
	ParamFloat  ParamType = "float"
	ParamInt    ParamType = "int"
	ParamString ParamType = "string"
	ParamBool   ParamType = "bool"
)

// Schema is a command's declared parameter type map: {name: typeTag}.
type Schema map[string]ParamType

// Envelope is one submitted command instance.
type Envelope struct {
	ContainerID uint64
	MatchID     uint64
	PlayerID    uint64
	Name        string
	Payload     map[string]interface{}
	AuthoredAt  time.Time
}

// CoercePayload validates and type-coerces raw against schema, returning a
// payload of exactly the declared fields or a TypeError naming every
// offending field at once.
func CoercePayload(schema Schema, raw map[string]interface{}) (map[string]interface{}, error) {
	var badFields []string
	coerced := make(map[string]interface{}, len(schema))

	for field, kind := range schema {
		value, present := raw[field]
		if !present {
			badFields = append(badFields, field)
			continue
		}
		converted, ok := coerce(kind, value)
		if !ok {
			badFields = append(badFields, field)
			continue
		}
		coerced[field] = converted
	}

	if len(badFields) > 0 {
		return nil, apierrors.TypeErrorFields(badFields...)
	}
	return coerced, nil
}

func coerce(kind ParamType, value interface{}) (interface{}, bool) {
	switch kind {
	case ParamFloat:
		switch v := value.(type) {
		case float64:
			return float32(v), true
		case float32:
			return v, true
		case int:
			return float32(v), true
		}
	case ParamInt:
		switch v := value.(type) {
		case int:
			return v, true
		case float64:
			if v == float64(int(v)) {
				return int(v), true
			}
		}
	case ParamString:
		if v, ok := value.(string); ok {
			return v, true
		}
	case ParamBool:
		if v, ok := value.(bool); ok {
			return v, true
		}
	}
	return nil, false
}

// matchQueue is one match's bounded FIFO.
type matchQueue struct {
	items []Envelope
	cap   int
}

// Queue holds every match's bounded command FIFO within one container.
// Submission arrives concurrently from HTTP/WS handlers while drain runs on
// the tick goroutine, so access is mutex-guarded.
type Queue struct {
	mu       sync.Mutex
	capacity int
	matches  map[uint64]*matchQueue
}

// New creates a Queue with the given per-match capacity (DefaultCapacity
// when capacity <= 0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, matches: make(map[uint64]*matchQueue)}
}

func (q *Queue) queueFor(matchID uint64) *matchQueue {
	mq, ok := q.matches[matchID]
	if !ok {
		mq = &matchQueue{cap: q.capacity}
		q.matches[matchID] = mq
	}
	return mq
}

// Submit appends env to its match's FIFO, rejecting with Backpressure when
// the match's queue is already at capacity.
func (q *Queue) Submit(env Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq := q.queueFor(env.MatchID)
	if len(mq.items) >= mq.cap {
		return apierrors.Backpressure(env.MatchID)
	}
	mq.items = append(mq.items, env)
	metrics.QueueDepth.WithLabelValues(strconv.FormatUint(env.MatchID, 10)).Set(float64(len(mq.items)))
	return nil
}

// Drain pops up to max envelopes from matchID's FIFO in submission
// order.
func (q *Queue) Drain(matchID uint64, max int) []Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.matches[matchID]
	if !ok || len(mq.items) == 0 {
		return nil
	}
	if max <= 0 || max > len(mq.items) {
		max = len(mq.items)
	}
	drained := mq.items[:max]
	mq.items = mq.items[max:]
	metrics.QueueDepth.WithLabelValues(strconv.FormatUint(matchID, 10)).Set(float64(len(mq.items)))
	return drained
}

// Depth returns the current FIFO length for matchID.
func (q *Queue) Depth(matchID uint64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.matches[matchID]
	if !ok {
		return 0
	}
	return len(mq.items)
}

// SaturationFraction returns the fraction of capacity currently in use for
// matchID.
func (q *Queue) SaturationFraction(matchID uint64) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	mq, ok := q.matches[matchID]
	if !ok || mq.cap == 0 {
		return 0
	}
	return float64(len(mq.items)) / float64(mq.cap)
}

// DropMatch discards matchID's queue entirely, used when a match
// terminates (FINISHED/ERROR) and accepts no further commands.
func (q *Queue) DropMatch(matchID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.matches, matchID)
	metrics.QueueDepth.DeleteLabelValues(strconv.FormatUint(matchID, 10))
}

// ValidationError formats a human-readable description of an unknown
// command, used by callers before constructing an Envelope.
func ValidationError(name string) error {
	return apierrors.UnknownCommand(name)
}
