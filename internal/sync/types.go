package sync

import (
	"encoding/json"
	"time"
)

// Client-facing event names. These are the wire contract and must not change.
const (
	EventInitialSync                 = "initial-sync"
	EventInventoryUpdated            = "inventory-updated"
	EventUpdateConfirmed             = "update-confirmed"
	EventUpdateFailed                = "update-failed"
	EventSyncConflict                = "sync-conflict"
	EventSyncConflicts               = "sync-conflicts"
	EventConflictResolved            = "conflict-resolved"
	EventConflictResolutionBroadcast = "conflict-resolution-broadcast"
	EventOfflineSyncResults          = "offline-sync-results"
	EventOfflineSyncFailed           = "offline-sync-failed"
	EventOfflineQueueProcessed       = "offline-queue-processed"
	EventSyncStateUpdate             = "sync-state-update"
	EventMetricsUpdate               = "metrics-update"
	EventUserConnected               = "user-connected"
	EventUserDisconnected            = "user-disconnected"
)

// Client-facing command names.
const (
	CmdJoinTenant       = "join-tenant"
	CmdJoinLocation     = "join-location"
	CmdInventoryUpdate  = "inventory-update"
	CmdSyncOfflineQueue = "sync-offline-queue"
	CmdResolveConflict  = "resolve-conflict"
	CmdNetworkStatus    = "network-status"
)

// Conn is one live client connection. Send must not block: implementations
// buffer and drop rather than stall a tenant broadcast.
type Conn interface {
	ID() string
	Send(event string, payload interface{})
}

// Session is the ephemeral per-connection state, owned by the Registry.
type Session struct {
	ConnID     string `json:"connId"`
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	LocationID string `json:"locationId,omitempty"`
	Online     bool   `json:"online"`
}

// Conflict kinds.
const (
	ConflictConcurrentUpdate  = "concurrent-update"
	ConflictVersionMismatch   = "version-mismatch"
	ConflictDataInconsistency = "data-inconsistency"
)

// StockSnapshot is one side of a conflict: what a party believes the stock
// record looks like.
type StockSnapshot struct {
	ProductID  string `json:"productId"`
	LocationID string `json:"locationId"`
	Quantity   int64  `json:"quantity"`
	Version    *int64 `json:"version,omitempty"`
}

// Conflict is a detected mismatch between a client's assumed state and the
// stored state. It stays on the tenant's open list until explicitly resolved.
type Conflict struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId"`
	ResourceType string        `json:"resourceType"`
	ResourceID   string        `json:"resourceId"`
	Kind         string        `json:"type"`
	LocalValue   StockSnapshot `json:"localValue"`
	ServerValue  StockSnapshot `json:"serverValue"`
	DetectedAt   time.Time     `json:"detectedAt"`
	UserID       string        `json:"userId"`
	LocationID   string        `json:"locationId,omitempty"`
}

// Resolution strategies.
const (
	StrategyAcceptLocal  = "accept-local"
	StrategyAcceptServer = "accept-server"
	StrategyMerge        = "merge"
)

type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

type ItemStatus string

const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusCompleted  ItemStatus = "completed"
	StatusFailed     ItemStatus = "failed"
)

// QueueItem is one operation captured while its owner was disconnected.
// Items are replayed in submission order per user.
type QueueItem struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId"`
	Op           OpKind          `json:"operation"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	LocationID   string          `json:"locationId,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	QueuedAt     time.Time       `json:"queuedAt"`
	Retries      int             `json:"retries"`
	Status       ItemStatus      `json:"status"`
}

// ReplayResult is the outcome of replaying one queue item.
type ReplayResult struct {
	ItemID     string         `json:"itemId"`
	Success    bool           `json:"success"`
	Applied    *StockSnapshot `json:"applied,omitempty"`
	ConflictID string         `json:"conflictId,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// LocationSyncState is the per-location slice of a tenant's sync state.
type LocationSyncState struct {
	LastUpdate  time.Time `json:"lastUpdate"`
	ActiveUsers int       `json:"activeUsers"`
	PendingSync bool      `json:"pendingSync"`
}

// TenantSyncState is recomputed on demand and broadcast to tenant members.
type TenantSyncState struct {
	TenantID          string                       `json:"tenantId"`
	LastSync          time.Time                    `json:"lastSync"`
	PendingOperations int                          `json:"pendingOperations"`
	OpenConflicts     int                          `json:"openConflicts"`
	OnlineUsers       int                          `json:"onlineUsers"`
	Locations         map[string]LocationSyncState `json:"locations"`
}

// Client command payloads.

type JoinTenantCmd struct {
	TenantID   string `json:"tenantId"`
	UserID     string `json:"userId"`
	Token      string `json:"token"`
	LocationID string `json:"locationId,omitempty"`
}

type JoinLocationCmd struct {
	LocationID string `json:"locationId"`
	TenantID   string `json:"tenantId"`
}

type InventoryUpdateCmd struct {
	ProductID   string `json:"productId"`
	LocationID  string `json:"locationId"`
	NewQuantity int64  `json:"newQuantity"`
	Version     *int64 `json:"version,omitempty"`
	EventID     string `json:"eventId,omitempty"`
}

type SyncOfflineQueueCmd struct {
	Items []*QueueItem `json:"items"`
}

type MergeData struct {
	NewQuantity int64 `json:"newQuantity"`
}

type ResolveConflictCmd struct {
	ConflictID string     `json:"conflictId"`
	Resolution string     `json:"resolution"`
	MergedData *MergeData `json:"mergedData,omitempty"`
}

type NetworkStatusCmd struct {
	IsOnline bool `json:"isOnline"`
}
