package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/audit"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
)

// Options tunes an Engine. Zero values fall back to defaults.
type Options struct {
	MetricsInterval      time.Duration
	MaxQueueItemsPerUser int
	OpHandler            OpHandler
}

// Engine is the synchronization core: it admits connections into tenant
// rooms, routes updates through conflict detection and durable application,
// replays offline queues, and fans events out to tenant peers.
//
// One lightweight task per connection calls into the engine concurrently.
// Per-tenant room locks cover only in-memory bookkeeping; no lock is ever
// held across a storage or membership call.
type Engine struct {
	reg       *Registry
	fanout    *Fanout
	detector  *Detector
	processor *Processor
	queue     *Queue
	resolver  *Resolver
	access    store.AccessChecker
	audit     audit.Sink
	metrics   *MetricsBroadcaster
}

func NewEngine(st store.StockStore, access store.AccessChecker, sink audit.Sink, opts Options) *Engine {
	reg := NewRegistry()
	fanout := NewFanout(reg)
	detector := NewDetector(st, reg)
	processor := NewProcessor(st, sink)

	maxQueue := opts.MaxQueueItemsPerUser
	if maxQueue <= 0 {
		maxQueue = 1000
	}

	return &Engine{
		reg:       reg,
		fanout:    fanout,
		detector:  detector,
		processor: processor,
		queue:     NewQueue(reg, detector, processor, opts.OpHandler, maxQueue),
		resolver:  NewResolver(reg, st, processor, sink),
		access:    access,
		audit:     sink,
		metrics:   NewMetricsBroadcaster(reg, fanout, opts.MetricsInterval),
	}
}

// Start launches the periodic metrics broadcast.
func (e *Engine) Start() error {
	return e.metrics.Start()
}

func (e *Engine) Stop() {
	e.metrics.Stop()
}

// Fanout exposes the broadcast surface for collaborators such as the binlog
// change feed.
func (e *Engine) Fanout() *Fanout {
	return e.fanout
}

// SyncState recomputes the current sync state for one tenant.
func (e *Engine) SyncState(tenantID string) *TenantSyncState {
	return e.reg.ComputeState(tenantID)
}

// CountOnline reports distinct online users in a tenant.
func (e *Engine) CountOnline(tenantID string) int {
	return e.reg.CountOnline(tenantID)
}

// CountOnlineAtLocation reports distinct online users at a location.
func (e *Engine) CountOnlineAtLocation(tenantID, locationID string) int {
	return e.reg.CountOnlineAtLocation(tenantID, locationID)
}

// JoinTenant verifies membership, admits the connection into the tenant
// room, replays the user's offline queue and pushes open conflicts.
// ErrAccessDenied rejects the connection without admitting it anywhere.
func (e *Engine) JoinTenant(ctx context.Context, conn Conn, cmd JoinTenantCmd) error {
	ok, err := e.access.HasAccess(ctx, cmd.UserID, cmd.TenantID)
	if err != nil {
		return fmt.Errorf("membership check failed: %w", err)
	}
	if !ok {
		logger.Log.Warn("Tenant join rejected",
			zap.String("tenantID", cmd.TenantID),
			zap.String("userID", cmd.UserID),
		)
		return ErrAccessDenied
	}

	// A rejoin under a different tenant leaves the old room first so its
	// peers see the departure and its counts stay right.
	if prev, found := e.reg.Session(conn.ID()); found && prev.TenantID != cmd.TenantID {
		e.Disconnect(conn.ID())
	}

	sess := &Session{
		ConnID:     conn.ID(),
		TenantID:   cmd.TenantID,
		UserID:     cmd.UserID,
		LocationID: cmd.LocationID,
		Online:     true,
	}
	e.reg.Admit(conn, sess)

	conn.Send(EventInitialSync, initialSyncPayload{
		SyncState:  e.reg.ComputeState(cmd.TenantID),
		ServerTime: time.Now(),
	})

	e.fanout.ToTenantExcept(cmd.TenantID, conn.ID(), EventUserConnected, presencePayload{
		UserID:      cmd.UserID,
		LocationID:  cmd.LocationID,
		OnlineUsers: e.reg.CountOnline(cmd.TenantID),
	})

	e.drainAndReport(ctx, conn, cmd.TenantID, cmd.UserID)

	conn.Send(EventSyncConflicts, conflictsPayload{Conflicts: e.reg.Conflicts(cmd.TenantID)})

	e.broadcastState(cmd.TenantID)

	logger.Log.Info("Connection joined tenant",
		zap.String("tenantID", cmd.TenantID),
		zap.String("userID", cmd.UserID),
		zap.String("connID", conn.ID()),
	)
	return nil
}

// JoinLocation moves an admitted connection into a tenant+location sub-room.
func (e *Engine) JoinLocation(_ context.Context, conn Conn, cmd JoinLocationCmd) error {
	sess, ok := e.reg.Session(conn.ID())
	if !ok || sess.TenantID != cmd.TenantID {
		return ErrNotJoined
	}
	e.reg.SetLocation(conn.ID(), cmd.LocationID)
	e.broadcastState(cmd.TenantID)
	return nil
}

// InventoryUpdate runs one update through detection and application. All
// outcomes are reported on the wire: update-confirmed plus a peer broadcast
// for a clean write, sync-conflict for a mismatch, update-failed for
// infrastructure errors. In-memory state is untouched on failure.
func (e *Engine) InventoryUpdate(ctx context.Context, conn Conn, cmd InventoryUpdateCmd) error {
	sess, ok := e.reg.Session(conn.ID())
	if !ok {
		return ErrNotJoined
	}
	tenantID, userID := sess.TenantID, sess.UserID

	conflict, err := e.detector.Check(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.Version, cmd.NewQuantity)
	if err != nil {
		conn.Send(EventUpdateFailed, updateFailedPayload{
			EventID:   cmd.EventID,
			ProductID: cmd.ProductID,
			Reason:    err.Error(),
		})
		return nil
	}
	if conflict != nil {
		conn.Send(EventSyncConflict, conflict)
		e.broadcastState(tenantID)
		return nil
	}

	applied, err := e.processor.Apply(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.NewQuantity, cmd.Version, nil)
	if errors.Is(err, store.ErrVersionConflict) {
		// A peer committed between check and apply.
		raceConflict, raceErr := e.detector.RecordRace(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.Version, cmd.NewQuantity)
		if raceErr != nil || raceConflict == nil {
			conn.Send(EventUpdateFailed, updateFailedPayload{
				EventID:   cmd.EventID,
				ProductID: cmd.ProductID,
				Reason:    "version conflict",
			})
			return nil
		}
		conn.Send(EventSyncConflict, raceConflict)
		e.broadcastState(tenantID)
		return nil
	}
	if err != nil {
		conn.Send(EventUpdateFailed, updateFailedPayload{
			EventID:   cmd.EventID,
			ProductID: cmd.ProductID,
			Reason:    err.Error(),
		})
		return nil
	}

	conn.Send(EventUpdateConfirmed, updateConfirmedPayload{
		EventID:     cmd.EventID,
		ProductID:   cmd.ProductID,
		LocationID:  cmd.LocationID,
		NewQuantity: cmd.NewQuantity,
		NewVersion:  applied.NewVersion,
	})

	e.fanout.ToTenantExcept(tenantID, conn.ID(), EventInventoryUpdated, inventoryUpdatedPayload{
		ProductID:   cmd.ProductID,
		LocationID:  cmd.LocationID,
		NewQuantity: cmd.NewQuantity,
		Version:     applied.NewVersion,
		UpdatedBy:   userID,
	})

	e.reg.TouchLocation(tenantID, cmd.LocationID)
	e.broadcastState(tenantID)
	return nil
}

// SyncOfflineQueue enqueues the reported items and immediately drains the
// user's queue in submission order.
func (e *Engine) SyncOfflineQueue(ctx context.Context, conn Conn, cmd SyncOfflineQueueCmd) error {
	sess, ok := e.reg.Session(conn.ID())
	if !ok {
		return ErrNotJoined
	}
	tenantID, userID := sess.TenantID, sess.UserID

	for _, item := range cmd.Items {
		item.UserID = userID
		if err := e.queue.Enqueue(tenantID, item); err != nil {
			conn.Send(EventOfflineSyncFailed, offlineSyncFailedPayload{Reason: err.Error()})
			return nil
		}
	}

	e.drainAndReport(ctx, conn, tenantID, userID)
	e.broadcastState(tenantID)
	return nil
}

// ResolveConflict applies a resolution strategy. A stale conflict id is an
// idempotent no-op (duplicate retries are expected); an unknown strategy is
// an error back to the caller.
func (e *Engine) ResolveConflict(ctx context.Context, conn Conn, cmd ResolveConflictCmd) error {
	sess, ok := e.reg.Session(conn.ID())
	if !ok {
		return ErrNotJoined
	}
	tenantID, userID := sess.TenantID, sess.UserID

	res, err := e.resolver.Resolve(ctx, tenantID, userID, cmd.ConflictID, cmd.Resolution, cmd.MergedData)
	if errors.Is(err, ErrNotFound) {
		conn.Send(EventConflictResolved, conflictResolvedPayload{
			ConflictID: cmd.ConflictID,
			Duplicate:  true,
		})
		return nil
	}
	if errors.Is(err, ErrInvalidStrategy) {
		return err
	}
	if err != nil {
		conn.Send(EventUpdateFailed, updateFailedPayload{Reason: err.Error()})
		return nil
	}

	conn.Send(EventConflictResolved, conflictResolvedPayload{
		ConflictID: res.ConflictID,
		Strategy:   res.Strategy,
		Value:      &res.Value,
	})

	e.fanout.ToTenantExcept(tenantID, conn.ID(), EventConflictResolutionBroadcast, res)

	if res.Applied {
		e.fanout.ToTenantExcept(tenantID, conn.ID(), EventInventoryUpdated, inventoryUpdatedPayload{
			ProductID:   res.Value.ProductID,
			LocationID:  res.Value.LocationID,
			NewQuantity: res.Value.Quantity,
			Version:     derefVersion(res.Value.Version),
			UpdatedBy:   userID,
		})
		e.reg.TouchLocation(tenantID, res.Value.LocationID)
	}

	e.broadcastState(tenantID)
	return nil
}

// NetworkStatus records a client-reported connectivity change. A transition
// back online replays the user's queued operations.
func (e *Engine) NetworkStatus(ctx context.Context, conn Conn, cmd NetworkStatusCmd) error {
	sess, ok := e.reg.Session(conn.ID())
	if !ok {
		return ErrNotJoined
	}
	tenantID, userID := sess.TenantID, sess.UserID

	wasOnline := sess.Online
	e.reg.SetOnline(conn.ID(), cmd.IsOnline)

	if cmd.IsOnline && !wasOnline {
		e.drainAndReport(ctx, conn, tenantID, userID)
		conn.Send(EventSyncConflicts, conflictsPayload{Conflicts: e.reg.Conflicts(tenantID)})
	}

	e.broadcastState(tenantID)
	return nil
}

// Disconnect is invoked on connection loss. Idempotent. No in-flight
// operation is cancelled; a mid-update disconnect loses only the ack.
func (e *Engine) Disconnect(connID string) {
	sess := e.reg.Leave(connID)
	if sess == nil {
		return
	}

	e.fanout.ToTenant(sess.TenantID, EventUserDisconnected, presencePayload{
		UserID:      sess.UserID,
		LocationID:  sess.LocationID,
		OnlineUsers: e.reg.CountOnline(sess.TenantID),
	})
	e.broadcastState(sess.TenantID)

	logger.Log.Info("Connection left tenant",
		zap.String("tenantID", sess.TenantID),
		zap.String("connID", connID),
	)
}

// drainAndReport replays the user's offline queue and reports the batch
// outcome to the reconnecting client, broadcasting applied values to peers.
func (e *Engine) drainAndReport(ctx context.Context, conn Conn, tenantID, userID string) {
	results := e.queue.DrainForUser(ctx, tenantID, userID)
	if len(results) == 0 {
		return
	}

	var processed, failed int
	for _, r := range results {
		if r.Success {
			processed++
			if r.Applied != nil {
				e.fanout.ToTenantExcept(tenantID, conn.ID(), EventInventoryUpdated, inventoryUpdatedPayload{
					ProductID:   r.Applied.ProductID,
					LocationID:  r.Applied.LocationID,
					NewQuantity: r.Applied.Quantity,
					Version:     derefVersion(r.Applied.Version),
					UpdatedBy:   userID,
				})
				e.reg.TouchLocation(tenantID, r.Applied.LocationID)
			}
		} else {
			failed++
		}
	}

	conn.Send(EventOfflineSyncResults, offlineSyncResultsPayload{Results: results})
	conn.Send(EventOfflineQueueProcessed, offlineQueueProcessedPayload{
		Processed: processed,
		Failed:    failed,
		Total:     len(results),
	})
}

func (e *Engine) broadcastState(tenantID string) {
	e.fanout.ToTenant(tenantID, EventSyncStateUpdate, e.reg.ComputeState(tenantID))
}

func derefVersion(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Event payloads. Field names are part of the wire contract.

type initialSyncPayload struct {
	SyncState  *TenantSyncState `json:"syncState"`
	ServerTime time.Time        `json:"serverTime"`
}

type presencePayload struct {
	UserID      string `json:"userId"`
	LocationID  string `json:"locationId,omitempty"`
	OnlineUsers int    `json:"onlineUsers"`
}

type updateConfirmedPayload struct {
	EventID     string `json:"eventId,omitempty"`
	ProductID   string `json:"productId"`
	LocationID  string `json:"locationId"`
	NewQuantity int64  `json:"newQuantity"`
	NewVersion  int64  `json:"newVersion"`
}

type inventoryUpdatedPayload struct {
	ProductID   string `json:"productId"`
	LocationID  string `json:"locationId"`
	NewQuantity int64  `json:"newQuantity"`
	Version     int64  `json:"version"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
}

type updateFailedPayload struct {
	EventID   string `json:"eventId,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Reason    string `json:"reason"`
}

type conflictsPayload struct {
	Conflicts []*Conflict `json:"conflicts"`
}

type conflictResolvedPayload struct {
	ConflictID string         `json:"conflictId"`
	Strategy   string         `json:"strategy,omitempty"`
	Value      *StockSnapshot `json:"value,omitempty"`
	Duplicate  bool           `json:"duplicate,omitempty"`
}

type offlineSyncResultsPayload struct {
	Results []ReplayResult `json:"results"`
}

type offlineSyncFailedPayload struct {
	Reason string `json:"reason"`
}

type offlineQueueProcessedPayload struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
