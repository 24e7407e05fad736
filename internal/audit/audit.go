package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/logger"
)

// Event is a single audit entry. Sinks are fire-and-forget: a failed audit
// write must never fail the operation that triggered it.
type Event struct {
	Action   string    `json:"action"`
	TenantID string    `json:"tenantId"`
	UserID   string    `json:"userId"`
	Resource string    `json:"resource"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

type Sink interface {
	Log(ctx context.Context, e Event)
}

// LogSink writes audit events to the service log. Used when Redis is not
// configured.
type LogSink struct{}

func (LogSink) Log(_ context.Context, e Event) {
	logger.Log.Info("audit",
		zap.String("action", e.Action),
		zap.String("tenantID", e.TenantID),
		zap.String("userID", e.UserID),
		zap.String("resource", e.Resource),
		zap.String("detail", e.Detail),
	)
}
