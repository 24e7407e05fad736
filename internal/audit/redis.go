package audit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/config"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
)

// RedisSink appends audit events to a capped Redis stream. Errors are logged
// and dropped; the triggering operation never sees them.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisSink(cfg config.RedisConfig) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		DialTimeout:  500 * time.Millisecond,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &RedisSink{
		client: client,
		stream: cfg.AuditStream,
		maxLen: cfg.AuditMaxLen,
	}, nil
}

func (s *RedisSink) Log(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"action":   e.Action,
			"tenantId": e.TenantID,
			"userId":   e.UserID,
			"resource": e.Resource,
			"detail":   e.Detail,
			"at":       e.At.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		logger.Log.Warn("Failed to write audit event",
			zap.String("action", e.Action),
			zap.String("tenantID", e.TenantID),
			zap.Error(err),
		)
	}
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
