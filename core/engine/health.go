package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/definition"
)

const probeTimeout = 3 * time.Second

// HealthStatus is the aggregate state of the engine and its backends
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// BackendHealth reports one backend probe
type BackendHealth struct {
	DataSource definition.DataSource `json:"dataSource"`
	Healthy    bool                  `json:"healthy"`
	LatencyMs  int64                 `json:"latencyMs"`
	Error      string                `json:"error,omitempty"`
}

// HealthReport is the full health-check payload
type HealthReport struct {
	Status      HealthStatus    `json:"status"`
	Backends    []BackendHealth `json:"backends"`
	CacheSize   int             `json:"cacheSize"`
	Definitions int             `json:"definitions"`
	CheckedAt   time.Time       `json:"checkedAt"`
}

// healthChecker probes all registered backends concurrently. Probes carry
// their own short timeout so one hung backend never stalls the report.
type healthChecker struct {
	manager     *backends.Manager
	cache       *ResultCache
	definitions *definition.Registry
}

func (h *healthChecker) check(ctx context.Context) HealthReport {
	executors := h.manager.All()

	results := make([]BackendHealth, 0, len(executors))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for ds, exec := range executors {
		wg.Add(1)
		go func(ds definition.DataSource, exec backends.Executor) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			err := exec.Ping(probeCtx)
			entry := BackendHealth{
				DataSource: ds,
				Healthy:    err == nil,
				LatencyMs:  time.Since(start).Milliseconds(),
			}
			if err != nil {
				entry.Error = err.Error()
			}
			mu.Lock()
			results = append(results, entry)
			mu.Unlock()
		}(ds, exec)
	}
	wg.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].DataSource < results[j].DataSource })

	healthy := 0
	for _, r := range results {
		if r.Healthy {
			healthy++
		}
	}

	status := HealthHealthy
	switch {
	case len(results) == 0 || healthy == 0:
		status = HealthUnhealthy
	case healthy < len(results):
		status = HealthDegraded
	}

	return HealthReport{
		Status:      status,
		Backends:    results,
		CacheSize:   h.cache.Len(ctx),
		Definitions: h.definitions.Len(),
		CheckedAt:   time.Now().UTC(),
	}
}
