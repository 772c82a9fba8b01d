package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger is implemented by adapters that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport maps component names to "ok" or "unavailable". Adapters that
// cannot be pinged are left out.
type HealthReport struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Healthy reports whether every pinged component answered.
func (h HealthReport) Healthy() bool {
	return h.Status == "ok"
}

// Health pings every adapter concurrently, each under its own timeout.
func (e *Engine) Health(ctx context.Context) HealthReport {
	targets := map[string]any{
		"embedding":    e.deps.Embedder,
		"vector_index": e.deps.Vectors,
		"metadata":     e.deps.Meta,
		"blob":         e.deps.Blobs,
		"legacy":       e.deps.Legacy,
		"checkpoint":   e.deps.Checkpoints,
	}

	report := HealthReport{Status: "ok", Components: map[string]string{}}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for name, target := range targets {
		p, ok := target.(Pinger)
		if !ok {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			status := "ok"
			if err := p.Ping(pctx); err != nil {
				status = "unavailable"
				e.deps.Logger.Warn("health check failed", "component", name, "error", err)
			}
			mu.Lock()
			report.Components[name] = status
			if status != "ok" {
				report.Status = "degraded"
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}
