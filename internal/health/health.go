// Package health serves the liveness and readiness endpoints.
//
// GET /healthz answers 200 as long as the process serves HTTP. GET /readyz
// evaluates every [Checker] in parallel and answers 503 if any of them fails.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Report is the outcome of one checker.
type Report struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Status is the readiness response body.
type Status struct {
	Ready   bool     `json:"ready"`
	Uptime  string   `json:"uptime,omitempty"`
	Reports []Report `json:"checks,omitempty"`
}

// Handler serves both endpoints. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New returns a handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...), started: time.Now()}
}

// Register mounts GET /healthz and GET /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	reply(w, Status{Ready: true, Uptime: time.Since(h.started).Truncate(time.Second).String()})
}

// Readyz reports readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	reply(w, h.Evaluate(r.Context()))
}

// Evaluate runs every checker concurrently. Reports keep registration order.
// A check that panics or overruns checkTimeout counts as failed, and one
// failure never cancels its siblings.
func (h *Handler) Evaluate(ctx context.Context) Status {
	reports := make([]Report, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			reports[i] = runCheck(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	st := Status{Ready: true, Reports: reports}
	for _, rep := range reports {
		st.Ready = st.Ready && rep.OK
	}
	return st
}

func runCheck(parent context.Context, c Checker) (rep Report) {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	rep.Name = c.Name
	defer func() {
		if p := recover(); p != nil {
			rep.OK, rep.Error = false, fmt.Sprintf("panic: %v", p)
		}
		rep.LatencyMs = time.Since(start).Milliseconds()
	}()

	if err := c.Check(ctx); err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.OK = true
	return rep
}

func reply(w http.ResponseWriter, st Status) {
	code := http.StatusOK
	if !st.Ready {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(st)
}
