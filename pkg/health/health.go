// Package health exposes Kubernetes-style liveness and readiness probes.
//
// Probes are registered up front, then a single monitor goroutine runs all of
// them on a fixed cadence. A probe flips to failing after consecutiveFails
// misses in a row, so a single slow ping does not bounce the pod out of the
// load balancer.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// consecutiveFails is how many misses in a row mark a probe as failing.
// One success clears it.
const consecutiveFails = 3

// ProbeFunc reports on one dependency. A nil return means healthy.
type ProbeFunc func(ctx context.Context) error

// Kind separates probes that gate traffic from probes that gate restarts.
type Kind int

const (
	// Readiness probes gate traffic: a failing one takes the pod out of
	// rotation but does not restart it.
	Readiness Kind = iota
	// Liveness probes gate restarts: a failing one tells the kubelet the
	// process is wedged.
	Liveness
)

type probe struct {
	name    string
	kind    Kind
	timeout time.Duration
	fn      ProbeFunc

	misses  int
	failing atomic.Bool
	lastErr atomic.Pointer[error]
}

// observe folds one run result into the probe state. Called only from the
// monitor goroutine; the atomics exist for the HTTP handlers.
func (p *probe) observe(err error) {
	p.lastErr.Store(&err)
	if err == nil {
		p.misses = 0
		p.failing.Store(false)
		return
	}
	p.misses++
	if p.misses >= consecutiveFails {
		p.failing.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if !p.failing.Load() {
		return "", false
	}
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error(), true
	}
	return "probe failing", true
}

// Service runs registered probes and serves /livez and /readyz.
//
// The zero value is not usable; construct with New. Registration is not safe
// concurrently with Start.
type Service struct {
	ready  atomic.Bool
	probes []*probe

	stopOnce sync.Once
	stop     context.CancelFunc
}

// New returns a Service in the not-ready state. Call SetReady(true) after
// startup work (migrations, restore) completes.
func New() *Service {
	return &Service{}
}

// AddReadinessCheck registers a traffic-gating probe, such as database or
// broker connectivity.
func (s *Service) AddReadinessCheck(name string, timeout time.Duration, fn ProbeFunc) {
	s.probes = append(s.probes, &probe{name: name, kind: Readiness, timeout: timeout, fn: fn})
}

// AddLivenessCheck registers a restart-gating probe, such as a goroutine
// ceiling that catches leaked watchers.
func (s *Service) AddLivenessCheck(name string, timeout time.Duration, fn ProbeFunc) {
	s.probes = append(s.probes, &probe{name: name, kind: Liveness, timeout: timeout, fn: fn})
}

// Start launches the monitor goroutine. All probes run once immediately and
// then every interval, sharing the one goroutine; individual probe timeouts
// bound each run.
func (s *Service) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.runAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runAll(ctx)
			}
		}
	}()
}

func (s *Service) runAll(ctx context.Context) {
	for _, p := range s.probes {
		runCtx, cancel := context.WithTimeout(ctx, p.timeout)
		p.observe(p.fn(runCtx))
		cancel()
	}
}

// Stop halts the monitor goroutine. Safe to call more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// SetReady flips the manual readiness gate. Startup sets it true once the
// service can take orders; graceful shutdown sets it false to drain traffic
// before the listener closes.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// IsReady reports whether the manual gate is open and every readiness probe
// is passing.
func (s *Service) IsReady() bool {
	if !s.ready.Load() {
		return false
	}
	for _, p := range s.probes {
		if p.kind == Readiness && p.failing.Load() {
			return false
		}
	}
	return true
}

// Register mounts the probe endpoints on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /livez", s.LiveEndpoint)
	mux.HandleFunc("GET /readyz", s.ReadyEndpoint)
}

type probeReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez: 200 while every liveness probe passes, 503 with
// the failing probe names otherwise.
func (s *Service) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	s.report(w, Liveness, true)
}

// ReadyEndpoint serves /readyz: 200 only when the manual gate is open and
// every readiness probe passes.
func (s *Service) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	s.report(w, Readiness, s.ready.Load())
}

func (s *Service) report(w http.ResponseWriter, kind Kind, gate bool) {
	failures := make(map[string]string)
	for _, p := range s.probes {
		if p.kind != kind {
			continue
		}
		if msg, failing := p.failure(); failing {
			failures[p.name] = msg
		}
	}
	if !gate {
		failures["_gate"] = "service is not ready"
	}

	resp := probeReport{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp = probeReport{Status: "unhealthy", Checks: failures}
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
