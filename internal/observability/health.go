package observability

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Readiness backs /healthz and /readyz. The ledger is not ready until
// recovery has replayed the log and the transports are attached.
type Readiness struct {
	mu       sync.RWMutex
	serving  bool
	reason   string
	changed  time.Time
	started  time.Time
	sequence func() int64
}

type healthBody struct {
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Sequence *int64 `json:"sequence,omitempty"`
	Uptime   string `json:"uptime,omitempty"`
	Since    string `json:"since,omitempty"`
}

// NewReadiness starts out not serving with reason "recovering". sequence,
// when set, reports the last applied ledger sequence in both bodies.
func NewReadiness(sequence func() int64) *Readiness {
	now := time.Now()
	return &Readiness{reason: "recovering", changed: now, started: now, sequence: sequence}
}

// Set flips readiness. reason is shown while not serving.
func (r *Readiness) Set(serving bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if serving {
		reason = ""
	}
	if r.serving != serving || r.reason != reason {
		r.changed = time.Now()
	}
	r.serving, r.reason = serving, reason
}

func (r *Readiness) Serving() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.serving
}

// Live answers 200 for as long as the process can serve HTTP at all.
func (r *Readiness) Live(w http.ResponseWriter, _ *http.Request) {
	body := healthBody{Status: "alive", Uptime: time.Since(r.started).Round(time.Second).String()}
	body.Sequence = r.seq()
	writeHealth(w, http.StatusOK, body)
}

// Ready answers 200 while serving and 503 with the reason otherwise.
func (r *Readiness) Ready(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	serving, reason, since := r.serving, r.reason, r.changed
	r.mu.RUnlock()

	body := healthBody{Status: "ready", Since: since.UTC().Format(time.RFC3339), Sequence: r.seq()}
	code := http.StatusOK
	if !serving {
		body.Status, body.Reason = "not_ready", reason
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, body)
}

func (r *Readiness) seq() *int64 {
	if r.sequence == nil {
		return nil
	}
	s := r.sequence()
	return &s
}

func writeHealth(w http.ResponseWriter, code int, body healthBody) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
