package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/go-mysql-org/go-mysql/canal"
	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/config"
	"github.com/sammyZi/smart-inventory-sync/internal/logger"
	"github.com/sammyZi/smart-inventory-sync/internal/store"
	"github.com/sammyZi/smart-inventory-sync/internal/sync"
)

// stockChange is one row change observed on the stock table.
type stockChange struct {
	ProductID  string
	LocationID string
	Quantity   int64
	Version    int64
}

// BinlogFeed tails the MySQL binlog for stock writes made outside this
// service (imports, batch scripts, other backends) and broadcasts them to
// the owning tenant as inventory-updated. Engine-originated writes also show
// up here; peers receiving them twice is within the at-least-once contract.
type BinlogFeed struct {
	cfg      config.FeedConfig
	canal    *canal.Canal
	resolver store.TenantResolver
	fanout   *sync.Fanout
	events   chan stockChange
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewBinlogFeed(dbCfg config.DatabaseConfig, cfg config.FeedConfig, resolver store.TenantResolver, fanout *sync.Fanout) (*BinlogFeed, error) {
	c, err := canal.NewCanal(&canal.Config{
		Addr:     fmt.Sprintf("%s:%d", dbCfg.Host, dbCfg.Port),
		User:     cfg.ReplicationUser,
		Password: cfg.ReplicationPassword,
		Flavor:   "mysql",
		ServerID: cfg.ServerID,
		Dump: canal.DumpConfig{
			ExecutionPath: "", // tail the binlog only, no initial dump
		},
		IncludeTableRegex: []string{fmt.Sprintf("^%s\\.%s$", dbCfg.Database, cfg.Table)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create canal: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	f := &BinlogFeed{
		cfg:      cfg,
		canal:    c,
		resolver: resolver,
		fanout:   fanout,
		events:   make(chan stockChange, 10000),
		ctx:      ctx,
		cancel:   cancel,
	}

	c.SetEventHandler(&rowHandler{feed: f, table: cfg.Table})

	return f, nil
}

func (f *BinlogFeed) Start() error {
	logger.Log.Info("Starting binlog change feed", zap.String("table", f.cfg.Table))

	go f.consume()
	go func() {
		if err := f.canal.Run(); err != nil {
			logger.Log.Error("Canal run error", zap.Error(err))
		}
	}()

	return nil
}

func (f *BinlogFeed) Stop() {
	f.cancel()
	f.canal.Close()
	logger.Log.Info("Stopped binlog change feed")
}

func (f *BinlogFeed) consume() {
	for {
		select {
		case change := <-f.events:
			f.broadcast(change)
		case <-f.ctx.Done():
			return
		}
	}
}

func (f *BinlogFeed) broadcast(change stockChange) {
	ctx, cancel := context.WithTimeout(f.ctx, 5*time.Second)
	defer cancel()

	tenantID, err := f.resolver.TenantForLocation(ctx, change.LocationID)
	if err != nil {
		logger.Log.Warn("Cannot route out-of-band stock change",
			zap.String("locationID", change.LocationID),
			zap.Error(err),
		)
		return
	}

	f.fanout.ToTenant(tenantID, sync.EventInventoryUpdated, map[string]interface{}{
		"productId":   change.ProductID,
		"locationId":  change.LocationID,
		"newQuantity": change.Quantity,
		"version":     change.Version,
		"source":      "external",
	})
}

type rowHandler struct {
	canal.DummyEventHandler
	feed  *BinlogFeed
	table string
}

func (h *rowHandler) OnRow(e *canal.RowsEvent) error {
	if e.Table.Name != h.table {
		return nil
	}
	if e.Action != canal.InsertAction && e.Action != canal.UpdateAction {
		return nil
	}

	productIdx := e.Table.FindColumn("product_id")
	locationIdx := e.Table.FindColumn("location_id")
	qtyIdx := e.Table.FindColumn("quantity")
	versionIdx := e.Table.FindColumn("version")
	if productIdx < 0 || locationIdx < 0 || qtyIdx < 0 || versionIdx < 0 {
		return nil
	}

	// For updates, rows come in (old, new) pairs; only new states matter.
	start := 0
	step := 1
	if e.Action == canal.UpdateAction {
		start, step = 1, 2
	}

	for i := start; i < len(e.Rows); i += step {
		row := e.Rows[i]
		change := stockChange{
			ProductID:  columnString(row, productIdx),
			LocationID: columnString(row, locationIdx),
			Quantity:   columnInt(row, qtyIdx),
			Version:    columnInt(row, versionIdx),
		}
		if change.ProductID == "" || change.LocationID == "" {
			continue
		}

		select {
		case h.feed.events <- change:
		case <-h.feed.ctx.Done():
			return h.feed.ctx.Err()
		}
	}

	return nil
}

func (h *rowHandler) String() string {
	return "StockChangeHandler"
}

func columnString(row []interface{}, idx int) string {
	if idx >= len(row) {
		return ""
	}
	switch v := row[idx].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func columnInt(row []interface{}, idx int) int64 {
	if idx >= len(row) {
		return 0
	}
	switch v := row[idx].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	default:
		return 0
	}
}
