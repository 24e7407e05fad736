package sync

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sammyZi/smart-inventory-sync/internal/logger"
)

// MetricsBroadcaster pushes recomputed tenant sync state to every tenant
// with at least one online connection, on a fixed cadence independent of
// event volume. Tenants with zero connections are skipped; their state holds
// nothing beyond what the registry already keeps, so memory stays bounded.
type MetricsBroadcaster struct {
	reg      *Registry
	fanout   *Fanout
	cron     *cron.Cron
	interval time.Duration
	entryID  cron.EntryID
}

func NewMetricsBroadcaster(reg *Registry, fanout *Fanout, interval time.Duration) *MetricsBroadcaster {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MetricsBroadcaster{
		reg:      reg,
		fanout:   fanout,
		cron:     cron.New(),
		interval: interval,
	}
}

func (m *MetricsBroadcaster) Start() error {
	spec := fmt.Sprintf("@every %s", m.interval)
	id, err := m.cron.AddFunc(spec, m.tick)
	if err != nil {
		return fmt.Errorf("failed to schedule metrics broadcast: %w", err)
	}
	m.entryID = id
	m.cron.Start()

	logger.Log.Info("Started metrics broadcaster", zap.Duration("interval", m.interval))
	return nil
}

func (m *MetricsBroadcaster) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
	logger.Log.Info("Stopped metrics broadcaster")
}

func (m *MetricsBroadcaster) tick() {
	for _, tenantID := range m.reg.ActiveTenants() {
		state := m.reg.ComputeState(tenantID)
		m.fanout.ToTenant(tenantID, EventMetricsUpdate, state)
	}
}
