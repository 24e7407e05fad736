package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedConflict runs a stale update through the detector so the conflict
// carries real snapshots, the same way production conflicts are born.
func seedConflict(t *testing.T, detector *Detector) *Conflict {
	t.Helper()
	conflict, err := detector.Check(context.Background(), "T1", "u1", "P1", "L1", int64p(100), 85)
	require.NoError(t, err)
	require.NotNil(t, conflict)
	return conflict
}

func newTestResolver(st *fakeStore) (*Resolver, *Registry, *Detector, *fakeSink) {
	reg := NewRegistry()
	sink := &fakeSink{}
	detector := NewDetector(st, reg)
	processor := NewProcessor(st, sink)
	return NewResolver(reg, st, processor, sink), reg, detector, sink
}

func TestResolve_AcceptServer_NeverWrites(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, reg, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	res, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyAcceptServer, nil)
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, 0, st.writeCount(), "accept-server must not issue a write")
	assert.Equal(t, int64(120), res.Value.Quantity)
	assert.Equal(t, int64(200), *res.Value.Version)
	assert.Empty(t, reg.Conflicts("T1"))
}

func TestResolve_AcceptLocal_OneWriteThatSucceeds(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, reg, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	res, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyAcceptLocal, nil)
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, 1, st.writeCount(), "accept-local issues exactly one write")
	assert.Equal(t, int64(85), res.Value.Quantity, "the locally-submitted value wins")
	assert.Equal(t, int64(85), st.record("P1", "L1").Quantity)
	assert.Greater(t, st.record("P1", "L1").Version, int64(200))
	assert.Empty(t, reg.Conflicts("T1"))
}

func TestResolve_Merge_UsesCallerPayload(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, reg, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	res, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyMerge, &MergeData{NewQuantity: 101})
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, 1, st.writeCount())
	assert.Equal(t, int64(101), st.record("P1", "L1").Quantity)
	assert.Empty(t, reg.Conflicts("T1"))
}

func TestResolve_MergeWithoutPayloadRejected(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, reg, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	_, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyMerge, nil)
	require.ErrorIs(t, err, ErrInvalidStrategy)

	// Rejected before claiming: the conflict stays open.
	assert.Len(t, reg.Conflicts("T1"), 1)
}

func TestResolve_InvalidStrategy(t *testing.T) {
	st := newFakeStore()
	r, _, _, _ := newTestResolver(st)

	_, err := r.Resolve(context.Background(), "T1", "u1", "whatever", "overwrite-everything", nil)
	require.ErrorIs(t, err, ErrInvalidStrategy)
}

func TestResolve_TwiceIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, _, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	_, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyAcceptLocal, nil)
	require.NoError(t, err)
	writesAfterFirst := st.writeCount()

	// Duplicate client retry: no-op, no double apply.
	_, err = r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyAcceptLocal, nil)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, writesAfterFirst, st.writeCount())
}

func TestResolve_WriteFailureRestoresConflict(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	r, reg, detector, _ := newTestResolver(st)
	conflict := seedConflict(t, detector)

	st.writeErr = assert.AnError
	_, err := r.Resolve(context.Background(), "T1", "u1", conflict.ID, StrategyAcceptLocal, nil)
	require.Error(t, err)

	// State unchanged: the conflict is back on the open list.
	require.Len(t, reg.Conflicts("T1"), 1)
	assert.Equal(t, conflict.ID, reg.Conflicts("T1")[0].ID)
	assert.Equal(t, int64(120), st.record("P1", "L1").Quantity)
}

func TestResolveConflict_EngineBroadcasts(t *testing.T) {
	st := newFakeStore()
	st.seed("P1", "L1", 120, 200)
	e := newTestEngine(st, newFakeAccess(), &fakeSink{})

	c1 := newFakeConn("c1")
	c2 := newFakeConn("c2")
	mustJoin(t, e, c1, "T1", "u1", "L1")
	mustJoin(t, e, c2, "T1", "u2", "L1")

	// u1 submits a stale update and receives a conflict.
	require.NoError(t, e.InventoryUpdate(context.Background(), c1, InventoryUpdateCmd{
		ProductID:   "P1",
		LocationID:  "L1",
		NewQuantity: 85,
		Version:     int64p(100),
	}))
	payload, ok := c1.last(EventSyncConflict)
	require.True(t, ok)
	conflictID := payload.(*Conflict).ID

	require.NoError(t, e.ResolveConflict(context.Background(), c1, ResolveConflictCmd{
		ConflictID: conflictID,
		Resolution: StrategyAcceptLocal,
	}))

	resolved, ok := c1.last(EventConflictResolved)
	require.True(t, ok)
	assert.Equal(t, conflictID, resolved.(conflictResolvedPayload).ConflictID)
	assert.False(t, resolved.(conflictResolvedPayload).Duplicate)

	// Peers keep their conflict lists consistent.
	assert.Equal(t, 1, c2.count(EventConflictResolutionBroadcast))
	assert.Equal(t, 1, c2.count(EventInventoryUpdated))

	// Duplicate retry over the wire: benign ack, nothing reapplied.
	writes := st.writeCount()
	require.NoError(t, e.ResolveConflict(context.Background(), c1, ResolveConflictCmd{
		ConflictID: conflictID,
		Resolution: StrategyAcceptLocal,
	}))
	resolved, ok = c1.last(EventConflictResolved)
	require.True(t, ok)
	assert.True(t, resolved.(conflictResolvedPayload).Duplicate)
	assert.Equal(t, writes, st.writeCount())
}
