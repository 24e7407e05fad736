package sync

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/sammyZi/smart-inventory-sync/internal/audit"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
)

func init() {
	// Engine code logs unconditionally; tests need a live logger.
	if err := logger.InitLogger("error", "console"); err != nil {
		panic(err)
	}
}

// fakeStore is an in-memory StockStore with the same CAS semantics as the
// MySQL implementation.
type fakeStore struct {
	mu        stdsync.Mutex
	records   map[string]*store.StockRecord
	movements []*store.Movement
	clock     int64
	writes    int
	getErr    error
	writeErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*store.StockRecord),
		clock:   1000,
	}
}

func stockKey(productID, locationID string) string {
	return productID + "|" + locationID
}

func (s *fakeStore) seed(productID, locationID string, qty, version int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stockKey(productID, locationID)] = &store.StockRecord{
		ProductID:  productID,
		LocationID: locationID,
		Quantity:   qty,
		Version:    version,
		UpdatedAt:  time.Now(),
	}
	if version > s.clock {
		s.clock = version
	}
}

func (s *fakeStore) GetStockVersion(_ context.Context, productID, locationID string) (*store.StockRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.records[stockKey(productID, locationID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeStore) WriteStock(_ context.Context, productID, locationID string, quantity int64, expectedVersion *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return 0, s.writeErr
	}

	key := stockKey(productID, locationID)
	rec, ok := s.records[key]
	if expectedVersion != nil {
		if !ok || rec.Version != *expectedVersion {
			return 0, store.ErrVersionConflict
		}
	}

	s.clock++
	version := s.clock
	s.records[key] = &store.StockRecord{
		ProductID:  productID,
		LocationID: locationID,
		Quantity:   quantity,
		Version:    version,
		UpdatedAt:  time.Now(),
	}
	s.writes++
	return version, nil
}

func (s *fakeStore) RecordMovement(_ context.Context, m *store.Movement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.movements = append(s.movements, m)
	return nil
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStore) record(productID, locationID string) *store.StockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[stockKey(productID, locationID)]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// fakeAccess grants or denies tenant membership per (user, tenant) pair.
type fakeAccess struct {
	mu     stdsync.Mutex
	denied map[string]bool
	err    error
}

func newFakeAccess() *fakeAccess {
	return &fakeAccess{denied: make(map[string]bool)}
}

func (a *fakeAccess) deny(userID, tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denied[userID+"|"+tenantID] = true
}

func (a *fakeAccess) HasAccess(_ context.Context, userID, tenantID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return false, a.err
	}
	return !a.denied[userID+"|"+tenantID], nil
}

// fakeSink records audit events.
type fakeSink struct {
	mu     stdsync.Mutex
	events []audit.Event
}

func (s *fakeSink) Log(_ context.Context, e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSink) count(action string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Action == action {
			n++
		}
	}
	return n
}

// fakeConn records everything sent to it.
type fakeConn struct {
	mu     stdsync.Mutex
	id     string
	events []sentEvent
}

type sentEvent struct {
	Event   string
	Payload interface{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, sentEvent{Event: event, Payload: payload})
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(event string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].Event == event {
			return c.events[i].Payload, true
		}
	}
	return nil, false
}

func newTestEngine(st store.StockStore, access store.AccessChecker, sink audit.Sink) *Engine {
	return NewEngine(st, access, sink, Options{
		MetricsInterval:      time.Hour,
		MaxQueueItemsPerUser: 100,
	})
}

func mustJoin(t *testing.T, e *Engine, conn Conn, tenantID, userID, locationID string) {
	t.Helper()
	err := e.JoinTenant(context.Background(), conn, JoinTenantCmd{
		TenantID:   tenantID,
		UserID:     userID,
		LocationID: locationID,
	})
	if err != nil {
		t.Fatalf("join failed for %s/%s: %v", tenantID, userID, err)
	}
}

func int64p(v int64) *int64 { return &v }
