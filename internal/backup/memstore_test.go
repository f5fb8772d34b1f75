package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// memoryStore is an in-memory Store that records the order of operations and
// enforces the registry's foreign keys the way the database would.
type memoryStore struct {
	mu       sync.Mutex
	registry *Registry
	tables   map[string][]Row
	ops      []string
	readErr  map[string]error
	failOn   map[string]int
	inserts  map[string]int
	deleteFn func(table string) error
}

func newMemoryStore(reg *Registry) *memoryStore {
	return &memoryStore{
		registry: reg,
		tables:   make(map[string][]Row),
		readErr:  make(map[string]error),
		failOn:   make(map[string]int),
		inserts:  make(map[string]int),
	}
}

func (m *memoryStore) ReadTable(ctx context.Context, table string, limit int) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "read:"+table)
	if err := m.readErr[table]; err != nil {
		return nil, err
	}
	rows := m.tables[table]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]Row, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *memoryStore) DeleteAll(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete:"+table)
	if m.deleteFn != nil {
		if err := m.deleteFn(table); err != nil {
			return err
		}
	}
	for _, other := range m.registry.InsertionOrder() {
		def, _ := m.registry.Table(other)
		for _, dep := range def.DependsOn {
			if dep == table && len(m.tables[other]) > 0 {
				return fmt.Errorf("foreign key violation: %s still references %s", other, table)
			}
		}
	}
	delete(m.tables, table)
	return nil
}

func (m *memoryStore) InsertRows(ctx context.Context, table string, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts[table]++
	m.ops = append(m.ops, "insert:"+table)
	if n, ok := m.failOn[table]; ok && n == m.inserts[table] {
		return errors.New("value too long for type character varying(20)")
	}
	def, _ := m.registry.Table(table)
	for _, dep := range def.DependsOn {
		if len(m.tables[dep]) == 0 {
			return fmt.Errorf("foreign key violation: %s references empty %s", table, dep)
		}
	}
	m.tables[table] = append(m.tables[table], rows...)
	return nil
}

func (m *memoryStore) seed(table string, n int) {
	rows := make([]Row, n)
	for i := range rows {
		rows[i] = Row{"id": i + 1}
	}
	m.tables[table] = rows
}

func (m *memoryStore) count(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}
