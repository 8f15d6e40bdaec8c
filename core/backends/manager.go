package backends

import (
	"fmt"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// Manager is the static dispatch table from data source to executor.
// Executors are registered once at startup; lookup is read-only afterwards.
type Manager struct {
	mu        sync.RWMutex
	executors map[definition.DataSource]Executor
	log       *logging.Logger
}

// NewManager creates a manager holding the given executors
func NewManager(executors ...Executor) *Manager {
	m := &Manager{
		executors: make(map[definition.DataSource]Executor, len(executors)),
		log:       logging.New("backends:manager"),
	}
	for _, e := range executors {
		m.executors[e.DataSource()] = e
	}
	return m
}

// Register adds an executor, replacing any previous one for the same source
func (m *Manager) Register(e Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[e.DataSource()] = e
}

// Get returns the executor for a data source
func (m *Manager) Get(ds definition.DataSource) (Executor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executors[ds]
	if !ok {
		return nil, errors.New(errors.ErrCodeUnsupportedDataSource,
			fmt.Sprintf("no executor registered for data source '%s'", ds))
	}
	return e, nil
}

// Has reports whether an executor is registered for the data source
func (m *Manager) Has(ds definition.DataSource) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.executors[ds]
	return ok
}

// DataSources returns the registered data sources
func (m *Manager) DataSources() []definition.DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]definition.DataSource, 0, len(m.executors))
	for ds := range m.executors {
		out = append(out, ds)
	}
	return out
}

// CloseAll closes all executors in parallel, collecting every error
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	executors := m.executors
	m.executors = make(map[definition.DataSource]Executor)
	m.mu.Unlock()

	if len(executors) == 0 {
		return nil
	}
	m.log.Debugf("closing %d executor(s)", len(executors))

	var g errgroup.Group
	for ds, e := range executors {
		g.Go(func() error {
			if err := e.Close(); err != nil {
				return fmt.Errorf("executor '%s': %w", ds, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// All returns a copy of the dispatch table
func (m *Manager) All() map[definition.DataSource]Executor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[definition.DataSource]Executor, len(m.executors))
	maps.Copy(out, m.executors)
	return out
}
