package pool

import (
	"context"
	"encoding/json"
	"time"

	"gend/internal/backend"
)

// Status is the lifecycle state of a pool entry.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusRunning       Status = "running"
	StatusErrored       Status = "errored"
	StatusDisabled      Status = "disabled"
)

// Conn is the backend connection consumed by the orchestrator. The
// websocket job channel client satisfies it; tests substitute fakes.
type Conn interface {
	Connect(ctx context.Context) error
	Ping(ctx context.Context) bool
	LoadModel(ctx context.Context, name string) error
	QueueJob(ctx context.Context, payload json.RawMessage, hooks backend.JobHooks) (backend.QueueResult, error)
	WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (backend.Outcome, error)
	Interrupt(ctx context.Context) error
	QueueStatus(ctx context.Context) (backend.QueueStatus, error)
	Close() error
}

// Settings is the per-backend connection configuration, persisted with
// the pool and passed to the type's connection factory.
type Settings struct {
	Address string `json:"address"`
}

// ConnFactory builds a connection for one backend type.
type ConnFactory func(s Settings) (Conn, error)

// entry is the orchestrator's bookkeeping record for one backend. All
// fields below conn are guarded by the orchestrator's mutex.
type entry struct {
	id       int
	title    string
	typeID   string
	settings Settings
	conn     Conn

	enabled      bool
	status       Status
	currentModel string
	inUse        bool
	usageCount   uint64
	queue        backend.QueueStatus
	lastErr      string
}

// EntryView is a read-only snapshot of a pool entry.
type EntryView struct {
	ID           int                 `json:"id"`
	Title        string              `json:"title"`
	TypeID       string              `json:"type"`
	Address      string              `json:"address"`
	Enabled      bool                `json:"enabled"`
	Status       Status              `json:"status"`
	CurrentModel string              `json:"current_model,omitempty"`
	InUse        bool                `json:"in_use"`
	UsageCount   uint64              `json:"usage_count"`
	Queue        backend.QueueStatus `json:"queue"`
	LastError    string              `json:"last_error,omitempty"`
}

func (e *entry) view() EntryView {
	return EntryView{
		ID:           e.id,
		Title:        e.title,
		TypeID:       e.typeID,
		Address:      e.settings.Address,
		Enabled:      e.enabled,
		Status:       e.status,
		CurrentModel: e.currentModel,
		InUse:        e.inUse,
		UsageCount:   e.usageCount,
		Queue:        e.queue,
		LastError:    e.lastErr,
	}
}

// eligible reports whether the entry can be granted right now.
func (e *entry) eligible() bool {
	return e.enabled && e.status == StatusRunning && !e.inUse
}
