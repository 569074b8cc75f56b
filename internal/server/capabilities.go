package server

import "net/http"

// handleCapabilities reports the gateway's advertised models, tools,
// agents, and skills via the injected capability registry.
func (s *server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if s.deps.Capabilities == nil {
		writeJSON(w, http.StatusOK, struct {
			Models []string `json:"models"`
			Tools  []string `json:"tools"`
			Agents []string `json:"agents"`
			Skills []string `json:"skills"`
		}{Models: s.deps.Aliases.Aliases()})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Capabilities.Snapshot())
}
