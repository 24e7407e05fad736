package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(st *fakeStore) (*Queue, *Registry) {
	reg := NewRegistry()
	detector := NewDetector(st, reg)
	processor := NewProcessor(st, &fakeSink{})
	return NewQueue(reg, detector, processor, nil, 100), reg
}

func updateItem(userID, productID string, qty, version int64) *QueueItem {
	payload, _ := json.Marshal(InventoryUpdateCmd{
		ProductID:   productID,
		LocationID:  "L1",
		NewQuantity: qty,
		Version:     &version,
	})
	return &QueueItem{
		UserID:       userID,
		Op:           OpUpdate,
		ResourceType: "inventory",
		ResourceID:   productID,
		LocationID:   "L1",
		Payload:      payload,
	}
}

func TestDrainForUser_PreservesSubmissionOrder(t *testing.T) {
	st := newFakeStore()
	q, _ := newTestQueue(st)

	const n = 5
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		product := fmt.Sprintf("P%d", i)
		st.seed(product, "L1", 100, 100)
		item := updateItem("u1", product, int64(10+i), 100)
		require.NoError(t, q.Enqueue("T1", item))
		ids = append(ids, item.ID)
	}

	results := q.DrainForUser(context.Background(), "T1", "u1")
	require.Len(t, results, n)

	for i, res := range results {
		assert.Equal(t, ids[i], res.ItemID, "result %d out of order", i)
		assert.True(t, res.Success)
	}

	// Application order matches result order: movements were recorded in
	// the same sequence.
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.movements, n)
	for i, m := range st.movements {
		assert.Equal(t, fmt.Sprintf("P%d", i), m.ProductID)
	}
}

func TestDrainForUser_RemovesAllPendingItems(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 100, 100)
	st.seed("P2", "L1", 50, 100)
	q, reg := newTestQueue(st)

	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P1", 85, 100)))
	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P2", 40, 100)))
	assert.Equal(t, 2, reg.PendingCount("T1", "u1"))

	results := q.DrainForUser(context.Background(), "T1", "u1")
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	assert.Equal(t, 0, reg.PendingCount("T1", "u1"), "no residual pending items")
	assert.Equal(t, int64(85), st.record("P1", "L1").Quantity)
	assert.Equal(t, int64(40), st.record("P2", "L1").Quantity)
}

func TestDrainForUser_ConflictingItemLeavesConflictBehind(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 100, 200) // server moved past the queued version
	q, reg := newTestQueue(st)

	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P1", 85, 100)))

	results := q.DrainForUser(context.Background(), "T1", "u1")
	require.Len(t, results, 1)

	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].ConflictID, "conflict must be reported, not dropped")

	conflicts := reg.Conflicts("T1")
	require.Len(t, conflicts, 1)
	assert.Equal(t, results[0].ConflictID, conflicts[0].ID)

	// Item is not silently retried; it waits for explicit resolution.
	assert.Equal(t, 0, reg.PendingCount("T1", "u1"))
	assert.Equal(t, 0, st.writeCount())
}

func TestDrainForUser_PerUserIsolation(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 100, 100)
	q, reg := newTestQueue(st)

	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P1", 85, 100)))
	require.NoError(t, q.Enqueue("T1", updateItem("u2", "P1", 90, 100)))

	results := q.DrainForUser(context.Background(), "T1", "u1")
	require.Len(t, results, 1)

	assert.Equal(t, 0, reg.PendingCount("T1", "u1"))
	assert.Equal(t, 1, reg.PendingCount("T1", "u2"), "other users' queues untouched")
}

func TestEnqueue_CapPerUser(t *testing.T) {
	st := newFakeStore()
	reg := NewRegistry()
	q := NewQueue(reg, NewDetector(st, reg), NewProcessor(st, &fakeSink{}), nil, 2)

	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P1", 1, 100)))
	require.NoError(t, q.Enqueue("T1", updateItem("u1", "P1", 2, 100)))
	err := q.Enqueue("T1", updateItem("u1", "P1", 3, 100))
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestReplay_MalformedAndUnknownOps(t *testing.T) {
	st := newFakeStore()
	q, _ := newTestQueue(st)

	require.NoError(t, q.Enqueue("T1", &QueueItem{
		UserID:  "u1",
		Op:      OpUpdate,
		Payload: []byte(`{not json`),
	}))
	require.NoError(t, q.Enqueue("T1", &QueueItem{
		UserID:  "u1",
		Op:      OpKind("rename"),
		Payload: []byte(`{}`),
	}))
	// Create with no registered handler.
	require.NoError(t, q.Enqueue("T1", &QueueItem{
		UserID:  "u1",
		Op:      OpCreate,
		Payload: []byte(`{}`),
	}))

	results := q.DrainForUser(context.Background(), "T1", "u1")
	require.Len(t, results, 3)
	for i, res := range results {
		assert.False(t, res.Success, "result %d should fail", i)
		assert.NotEmpty(t, res.Error)
	}
}

func TestSyncOfflineQueue_EndToEnd(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 100, 100)
	st.seed("P2", "L1", 30, 100)
	e := newTestEngine(st, newFakeAccess(), &fakeSink{})

	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	mustJoin(t, e, c1, "T1", "u1", "L1")
	mustJoin(t, e, c2, "T1", "u2", "L1")

	err := e.SyncOfflineQueue(context.Background(), c1, SyncOfflineQueueCmd{
		Items: []*QueueItem{
			updateItem("", "P1", 85, 100),
			updateItem("", "P2", 25, 100),
		},
	})
	require.NoError(t, err)

	payload, ok := c1.last(EventOfflineSyncResults)
	require.True(t, ok)
	results := payload.(offlineSyncResultsPayload).Results
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	summary, ok := c1.last(EventOfflineQueueProcessed)
	require.True(t, ok)
	assert.Equal(t, 2, summary.(offlineQueueProcessedPayload).Processed)
	assert.Equal(t, 0, summary.(offlineQueueProcessedPayload).Failed)

	// Peers hear about the replayed writes.
	assert.Equal(t, 2, c2.count(EventInventoryUpdated))
}
