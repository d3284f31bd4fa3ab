// Package memory is an in-process implementation of the bus stores. It backs
// the relay's development mode and the engine tests, and models the
// durability split of the SQL store: relaxed writes stay volatile until a
// later durable write or Flush, and SimulateCrash throws them away.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marko911/pulse-bus/internal/bus"
)

var (
	_ bus.QueueStore      = (*Store)(nil)
	_ bus.CredentialStore = (*Store)(nil)
	_ bus.ConfigStore     = (*Store)(nil)
)

type opKind int

const (
	opInsert opKind = iota
	opDelete
)

type op struct {
	kind     opKind
	row      bus.QueueRow
	tenantID string
	id       int64
}

// Store keeps queues, credentials and platform configs in memory.
type Store struct {
	mu sync.Mutex

	live    map[string][]bus.QueueRow
	durable map[string][]bus.QueueRow
	pending []op
	nextRow int64

	creds    map[int64]bus.Credential
	nextCred int64

	configs map[string]bus.PlatformConfig

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		live:    make(map[string][]bus.QueueRow),
		durable: make(map[string][]bus.QueueRow),
		creds:   make(map[int64]bus.Credential),
		configs: make(map[string]bus.PlatformConfig),
		now:     time.Now,
	}
}

// AddCredential registers a bus credential and assigns its id.
func (s *Store) AddCredential(cred bus.Credential) (bus.Credential, error) {
	if err := bus.ValidateTenantID(cred.TenantID); err != nil {
		return bus.Credential{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.TenantID == cred.TenantID && c.Name == cred.Name {
			return bus.Credential{}, fmt.Errorf("credential %q already exists for tenant %s", cred.Name, cred.TenantID)
		}
	}

	s.nextCred++
	cred.ID = s.nextCred
	cred.Kind = bus.CredentialKind
	s.creds[cred.ID] = cred
	return cred, nil
}

// RemoveCredential deletes a credential. Queued rows referring to it are
// left in place, as happens when a credential is revoked under load.
func (s *Store) RemoveCredential(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
}

// ByID implements bus.CredentialStore.
func (s *Store) ByID(_ context.Context, tenantID string, id int64) (*bus.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.creds[id]
	if !ok || c.TenantID != tenantID {
		return nil, nil
	}
	return &c, nil
}

// ByName implements bus.CredentialStore.
func (s *Store) ByName(_ context.Context, tenantID, name string) (*bus.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.creds {
		if c.TenantID == tenantID && c.Name == name {
			return &c, nil
		}
	}
	return nil, nil
}

// ListByInstanceKind implements bus.CredentialStore.
func (s *Store) ListByInstanceKind(_ context.Context, kind bus.InstanceKind) ([]bus.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bus.Credential
	for _, c := range s.creds {
		if c.InstanceKind == kind {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Enqueue implements bus.QueueStore.
func (s *Store) Enqueue(ctx context.Context, row bus.QueueRow) error {
	return s.EnqueueMany(ctx, []bus.QueueRow{row})
}

// EnqueueMany implements bus.QueueStore. Either every row is inserted or
// none is.
func (s *Store) EnqueueMany(_ context.Context, rows []bus.QueueRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	durable := false
	for _, row := range rows {
		c, ok := s.creds[row.BusID]
		if !ok || c.TenantID != row.TenantID {
			return fmt.Errorf("insert queue row: bus %d: %w", row.BusID, bus.ErrUnknownBus)
		}
		if row.Reliability.Durable() {
			durable = true
		}
	}

	ops := make([]op, 0, len(rows))
	for _, row := range rows {
		s.nextRow++
		row.ID = s.nextRow
		row.CreatedAt = s.now()
		row.Body = append([]byte(nil), row.Body...)
		ops = append(ops, op{kind: opInsert, row: row, tenantID: row.TenantID, id: row.ID})
	}
	s.commit(ops, durable)
	return nil
}

// PendingTenants implements bus.QueueStore.
func (s *Store) PendingTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for tenantID, rows := range s.live {
		if len(rows) > 0 {
			out = append(out, tenantID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// FetchBatch implements bus.QueueStore.
func (s *Store) FetchBatch(_ context.Context, tenantID string, limit int) ([]bus.QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.live[tenantID]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]bus.QueueRow(nil), rows...), nil
}

// Delete implements bus.QueueStore.
func (s *Store) Delete(_ context.Context, tenantID string, id int64, reliability bus.Reliability) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commit([]op{{kind: opDelete, tenantID: tenantID, id: id}}, reliability.Durable())
	return nil
}

// Len returns the number of queued rows for a tenant.
func (s *Store) Len(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live[tenantID])
}

// Flush makes every relaxed write so far durable, as the database's
// background WAL writer eventually does.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(nil, true)
}

// SimulateCrash discards relaxed writes that were never flushed and
// restores the queue to its durable state.
func (s *Store) SimulateCrash() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.live = cloneQueues(s.durable)
	s.pending = nil
}

// PlatformConfig implements bus.ConfigStore.
func (s *Store) PlatformConfig(_ context.Context, tenantID string) (bus.PlatformConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[tenantID], nil
}

// SetPlatformConfig implements bus.ConfigStore.
func (s *Store) SetPlatformConfig(_ context.Context, tenantID string, cfg bus.PlatformConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[tenantID] = cfg
	return nil
}

// commit applies ops to the live queues. A durable commit also flushes
// every earlier relaxed commit, mirroring a sequential write-ahead log.
func (s *Store) commit(ops []op, durable bool) {
	for _, o := range ops {
		apply(s.live, o)
	}
	if !durable {
		s.pending = append(s.pending, ops...)
		return
	}
	for _, o := range s.pending {
		apply(s.durable, o)
	}
	for _, o := range ops {
		apply(s.durable, o)
	}
	s.pending = nil
}

func apply(queues map[string][]bus.QueueRow, o op) {
	switch o.kind {
	case opInsert:
		queues[o.tenantID] = append(queues[o.tenantID], o.row)
	case opDelete:
		rows := queues[o.tenantID]
		for i, r := range rows {
			if r.ID == o.id {
				queues[o.tenantID] = append(rows[:i:i], rows[i+1:]...)
				break
			}
		}
		if len(queues[o.tenantID]) == 0 {
			delete(queues, o.tenantID)
		}
	}
}

func cloneQueues(in map[string][]bus.QueueRow) map[string][]bus.QueueRow {
	out := make(map[string][]bus.QueueRow, len(in))
	for tenantID, rows := range in {
		out[tenantID] = append([]bus.QueueRow(nil), rows...)
	}
	return out
}
