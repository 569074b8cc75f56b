// Package capabilities describes the gateway's advertised models, tools,
// agents, and skills. It stands in for the external discovery loader that a
// full deployment would query (scanning installed skill/agent bundles on
// disk); here it is a static, injectable registry.
package capabilities

// Snapshot is the response body for /v1/capabilities.
type Snapshot struct {
	Models []string `json:"models"`
	Tools  []string `json:"tools"`
	Agents []string `json:"agents"`
	Skills []string `json:"skills"`
}

// Registry is implemented by anything that can report the gateway's current
// capability set. The default implementation is Static.
type Registry interface {
	Snapshot() Snapshot
}

// Static is a fixed, in-memory Registry.
type Static struct {
	snapshot Snapshot
}

// NewStatic returns a Static registry reporting the given capability set.
func NewStatic(models, tools, agents, skills []string) *Static {
	return &Static{Snapshot{Models: models, Tools: tools, Agents: agents, Skills: skills}}
}

// Snapshot returns the registered capability set.
func (s *Static) Snapshot() Snapshot { return s.snapshot }
