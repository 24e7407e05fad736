package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
)

// OpHandler executes create and delete operations replayed from the offline
// queue. Those resources live outside this engine; updates are the only
// operation handled natively.
type OpHandler interface {
	HandleCreate(ctx context.Context, tenantID, userID string, item *QueueItem) error
	HandleDelete(ctx context.Context, tenantID, userID string, item *QueueItem) error
}

// Queue manages per-tenant, per-user pending operations captured while a
// client was disconnected and replays them on reconnect.
//
// Replay is strict FIFO per user: queued operations from one disconnected
// session are causally ordered client-side, and replaying out of order would
// reintroduce spurious conflicts. Failed items are surfaced, never retried
// here.
type Queue struct {
	reg        *Registry
	detector   *Detector
	processor  *Processor
	handlers   OpHandler // optional
	maxPerUser int
}

func NewQueue(reg *Registry, detector *Detector, processor *Processor, handlers OpHandler, maxPerUser int) *Queue {
	return &Queue{
		reg:        reg,
		detector:   detector,
		processor:  processor,
		handlers:   handlers,
		maxPerUser: maxPerUser,
	}
}

// Enqueue appends an item to the owner's pending list. Accepted even while
// the owning user is offline.
func (q *Queue) Enqueue(tenantID string, item *QueueItem) error {
	if item.UserID == "" {
		return fmt.Errorf("queue item missing user id")
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.QueuedAt.IsZero() {
		item.QueuedAt = time.Now()
	}
	item.Status = StatusPending

	if err := q.reg.PushQueueItem(tenantID, item, q.maxPerUser); err != nil {
		return err
	}
	return nil
}

// DrainForUser replays the user's queued items in submission order. Every
// item is removed from the pending set; conflicting items leave a Sync
// Conflict behind and are reported failed-for-now, to be resubmitted once
// resolved.
func (q *Queue) DrainForUser(ctx context.Context, tenantID, userID string) []ReplayResult {
	items := q.reg.TakeQueue(tenantID, userID)
	if len(items) == 0 {
		return nil
	}

	logger.Log.Info("Draining offline queue",
		zap.String("tenantID", tenantID),
		zap.String("userID", userID),
		zap.Int("items", len(items)),
	)

	results := make([]ReplayResult, 0, len(items))
	for _, item := range items {
		item.Status = StatusProcessing
		res := q.replay(ctx, tenantID, userID, item)
		if res.Success {
			item.Status = StatusCompleted
		} else {
			item.Status = StatusFailed
		}
		results = append(results, res)
	}
	return results
}

func (q *Queue) replay(ctx context.Context, tenantID, userID string, item *QueueItem) ReplayResult {
	res := ReplayResult{ItemID: item.ID}

	switch item.Op {
	case OpUpdate:
		var cmd InventoryUpdateCmd
		if err := json.Unmarshal(item.Payload, &cmd); err != nil {
			res.Error = fmt.Sprintf("malformed payload: %v", err)
			return res
		}
		if cmd.LocationID == "" {
			cmd.LocationID = item.LocationID
		}

		conflict, err := q.detector.Check(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.Version, cmd.NewQuantity)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		if conflict != nil {
			res.ConflictID = conflict.ID
			res.Error = "version conflict, resolution required"
			return res
		}

		applied, err := q.processor.Apply(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.NewQuantity, cmd.Version, nil)
		if errors.Is(err, store.ErrVersionConflict) {
			// Lost the race between check and commit.
			conflict, cErr := q.detector.RecordRace(ctx, tenantID, userID, cmd.ProductID, cmd.LocationID, cmd.Version, cmd.NewQuantity)
			if cErr == nil && conflict != nil {
				res.ConflictID = conflict.ID
			}
			res.Error = "version conflict, resolution required"
			return res
		}
		if err != nil {
			res.Error = err.Error()
			return res
		}

		res.Success = true
		res.Applied = &StockSnapshot{
			ProductID:  cmd.ProductID,
			LocationID: cmd.LocationID,
			Quantity:   cmd.NewQuantity,
			Version:    &applied.NewVersion,
		}
		return res

	case OpCreate:
		if q.handlers == nil {
			res.Error = "no handler registered for create operations"
			return res
		}
		if err := q.handlers.HandleCreate(ctx, tenantID, userID, item); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success = true
		return res

	case OpDelete:
		if q.handlers == nil {
			res.Error = "no handler registered for delete operations"
			return res
		}
		if err := q.handlers.HandleDelete(ctx, tenantID, userID, item); err != nil {
			res.Error = err.Error()
			return res
		}
		res.Success = true
		return res

	default:
		res.Error = fmt.Sprintf("unknown operation %q", item.Op)
		return res
	}
}
