// Package core holds the small cross-cutting primitives every StormStack
// service leans on: architectural descriptors, retry policy, and
// list-limit clamping.
package core

// Layer describes the architectural slice a service belongs to.
type Layer string

const (
	LayerIngress   Layer = "ingress"
	LayerContainer Layer = "container"
	LayerCluster   Layer = "cluster"
	LayerSecurity  Layer = "security"
)

// Descriptor advertises a service's placement and capabilities for
// orchestration/introspection. It never changes runtime behavior.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
