// Package httpapi implements the node HTTP/WS surface and the control
// plane HTTP surface: response envelopes, bearer-token middleware,
// per-principal rate limiting, and the handlers that drive
// internal/app/engine and internal/app/cluster.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stormstack/engine/pkg/apierrors"
)

// meta accompanies every successful response envelope.
type meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"requestId"`
}

type successEnvelope struct {
	Data interface{} `json:"data"`
	Meta meta        `json:"meta"`
}

type errorBody struct {
	Code    apierrors.Code         `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

// writeData writes a successful {data, meta} envelope.
func writeData(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(successEnvelope{
		Data: data,
		Meta: meta{Timestamp: time.Now(), RequestID: requestID(r)},
	})
}

// writeErr writes a taxonomy-coded {error} envelope. Any non-*Error
// is reported as INTERNAL without leaking its message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := apierrors.As(err)
	if !ok {
		apiErr = apierrors.Internal(err)
	}
	status := apiErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	}})
}

// decodeJSON reads and decodes r's JSON body into v, surfacing malformed
// bodies as BadRequest.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apierrors.BadRequest("malformed JSON body: " + err.Error())
	}
	return nil
}
