package engine

import (
	"context"
	"sync"
	"time"

	"github.com/querybridge/querybridge/core/backends"
	"github.com/querybridge/querybridge/core/definition"
)

const schemaCacheTTL = 10 * time.Minute

// SchemaReport is the discovery payload for one backend
type SchemaReport struct {
	DataSource   definition.DataSource      `json:"dataSource"`
	Fields       []definition.FieldMetadata `json:"fields"`
	DiscoveredAt time.Time                  `json:"discoveredAt"`
	FromCache    bool                       `json:"fromCache"`
}

type schemaEntry struct {
	fields       []definition.FieldMetadata
	discoveredAt time.Time
	expiresAt    time.Time
}

// schemaDiscovery caches live schema lookups per data source. Discovery
// hits the backend, so results are held for a TTL unless refresh is forced.
type schemaDiscovery struct {
	manager *backends.Manager

	mu    sync.Mutex
	cache map[definition.DataSource]schemaEntry
}

func newSchemaDiscovery(manager *backends.Manager) *schemaDiscovery {
	return &schemaDiscovery{
		manager: manager,
		cache:   make(map[definition.DataSource]schemaEntry),
	}
}

func (s *schemaDiscovery) discover(ctx context.Context, ds definition.DataSource, refresh bool) (SchemaReport, error) {
	if !refresh {
		s.mu.Lock()
		entry, ok := s.cache[ds]
		s.mu.Unlock()
		if ok && time.Now().Before(entry.expiresAt) {
			return SchemaReport{
				DataSource:   ds,
				Fields:       entry.fields,
				DiscoveredAt: entry.discoveredAt,
				FromCache:    true,
			}, nil
		}
	}

	exec, err := s.manager.Get(ds)
	if err != nil {
		return SchemaReport{}, err
	}
	fields, err := exec.Schema(ctx)
	if err != nil {
		return SchemaReport{}, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.cache[ds] = schemaEntry{fields: fields, discoveredAt: now, expiresAt: now.Add(schemaCacheTTL)}
	s.mu.Unlock()

	return SchemaReport{DataSource: ds, Fields: fields, DiscoveredAt: now}, nil
}
