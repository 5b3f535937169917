package monitoring

import (
	"context"
	"sync"
	"time"
)

// Probe reports whether one dependency is reachable. A nil error means
// healthy.
type Probe func(ctx context.Context) error

// HealthChecker aggregates dependency probes for the /health endpoint.
// Probes run concurrently under a shared timeout so one stuck dependency
// cannot hold the endpoint for the sum of all timeouts.
type HealthChecker struct {
	mu      sync.Mutex
	timeout time.Duration
	probes  map[string]Probe
}

type Report struct {
	Healthy bool              `json:"healthy"`
	Checked time.Time         `json:"checked"`
	Probes  map[string]string `json:"probes"`
}

func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthChecker{
		timeout: timeout,
		probes:  make(map[string]Probe),
	}
}

func (h *HealthChecker) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

func (h *HealthChecker) Check(ctx context.Context) Report {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	report := Report{
		Healthy: true,
		Checked: time.Now(),
		Probes:  make(map[string]string, len(probes)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			err := p(ctx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Healthy = false
				report.Probes[name] = err.Error()
				return
			}
			report.Probes[name] = "ok"
		}(name, p)
	}
	wg.Wait()
	return report
}
