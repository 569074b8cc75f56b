package server

import (
	"net/http"
	"time"
)

type workerPoolHealth struct {
	Active int `json:"active"`
	Queued int `json:"queued"`
}

type healthResponse struct {
	WorkerPool  workerPoolHealth `json:"worker_pool"`
	BudgetStore string           `json:"budget_store"`
	AuthStore   string           `json:"auth_store"`
	Cache       string           `json:"cache"`
	UptimeS     float64          `json:"uptime_s"`
	Draining    bool             `json:"draining"`
}

// handleHealth reports per-subsystem status. It always returns 200 -- even
// while draining -- so that load balancers distinguish "the process is
// alive" from "the process is ready to accept new work" (that's /ready).
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active, queued := s.deps.Pool.Stats()

	// Budget and auth both sit on the one sqlite.Store, so a single Ping
	// stands in for both subsystem checks.
	storeErr := s.pingStore(r)
	resp := healthResponse{
		WorkerPool:  workerPoolHealth{Active: active, Queued: queued},
		BudgetStore: storeStatus(storeErr),
		AuthStore:   storeStatus(storeErr),
		Cache:       "ok",
		UptimeS:     time.Since(s.deps.StartedAt).Seconds(),
		Draining:    s.deps.Pool.Draining(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) pingStore(r *http.Request) error {
	if s.deps.Store == nil {
		return nil
	}
	return s.deps.Store.Ping(r.Context())
}

func storeStatus(err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// handleReady returns 200 only once startup has finished and no shutdown is
// in progress; 503 otherwise so load balancers stop routing new traffic.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pool.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("draining"))
		return
	}
	if err := s.pingStore(r); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
