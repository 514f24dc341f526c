package storage

import (
	"context"
	"errors"
	"time"

	"github.com/t77yq/chansync/internal/model"
)

// ErrStaleSchedule is returned by UpdateSchedule when run_count moved on
// after the schedule was read
var ErrStaleSchedule = errors.New("schedule changed since it was read")

// ScheduleStore persists schedules
type ScheduleStore interface {
	// CreateSchedule inserts a new schedule
	CreateSchedule(ctx context.Context, schedule *model.Schedule) error

	// GetSchedule loads a schedule by ID
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)

	// UpdateSchedule writes the user-editable fields of a schedule. It returns
	// ErrStaleSchedule when a run was recorded since the schedule was read.
	UpdateSchedule(ctx context.Context, schedule *model.Schedule) error

	// DeleteSchedule removes a schedule
	DeleteSchedule(ctx context.Context, id string) error

	// ListActiveSchedules returns every active schedule
	ListActiveSchedules(ctx context.Context) ([]*model.Schedule, error)

	// ListSchedulesByOwner returns the schedules owned by ownerID
	ListSchedulesByOwner(ctx context.Context, ownerID string) ([]*model.Schedule, error)

	// SetScheduleActive flips the active flag
	SetScheduleActive(ctx context.Context, id string, active bool) error

	// RecordScheduleRun advances run bookkeeping if run_count still equals
	// run.ExpectedRunCount. It reports false when another writer got there first.
	RecordScheduleRun(ctx context.Context, run ScheduleRun) (bool, error)
}

// ScheduleRun is the bookkeeping written when a schedule fires
type ScheduleRun struct {
	ScheduleID       string
	ExpectedRunCount int
	RanAt            time.Time
	NextRunAt        *time.Time

	// Active false deactivates the schedule. True leaves the stored flag as is.
	Active bool
}

// ChannelStore resolves channel ownership
type ChannelStore interface {
	// SaveChannel inserts or updates a channel
	SaveChannel(ctx context.Context, channel *model.Channel) error

	// GetChannel loads a channel by ID
	GetChannel(ctx context.Context, id string) (*model.Channel, error)

	// ResolveChannelOwner returns the owner of an active channel
	ResolveChannelOwner(ctx context.Context, channelID string) (string, error)
}

// CredentialStore persists provider credentials
type CredentialStore interface {
	// SaveCredential stores a new active credential, deactivating any previous
	// active credential for the same owner and channel
	SaveCredential(ctx context.Context, credential *model.Credential) error

	// GetCredential loads a credential by ID
	GetCredential(ctx context.Context, id string) (*model.Credential, error)

	// FindActiveCredential returns the active credential for an owner and channel
	FindActiveCredential(ctx context.Context, ownerID, channelID string) (*model.Credential, error)

	// UpdateCredentialTokens applies a refreshed token bundle to an active
	// credential in place and returns the updated record
	UpdateCredentialTokens(ctx context.Context, id string, bundle *model.TokenBundle) (*model.Credential, error)

	// DeactivateCredential marks a credential inactive
	DeactivateCredential(ctx context.Context, id string) error
}

// SnapshotStore persists channel and item metrics
type SnapshotStore interface {
	// UpsertChannelSnapshot writes the snapshot for (channel, date)
	UpsertChannelSnapshot(ctx context.Context, snapshot *model.ChannelSnapshot) error

	// UpsertItem inserts or updates item metadata
	UpsertItem(ctx context.Context, item *model.Item) error

	// UpsertItemSnapshot writes the snapshot for (item, date)
	UpsertItemSnapshot(ctx context.Context, snapshot *model.ItemSnapshot) error

	// ListChannelSnapshots returns the snapshots of a channel, newest first
	ListChannelSnapshots(ctx context.Context, channelID string) ([]*model.ChannelSnapshot, error)

	// ListItemSnapshots returns the snapshots of an item, newest first
	ListItemSnapshots(ctx context.Context, itemID string) ([]*model.ItemSnapshot, error)
}

// RunHistoryStore persists sync run records
type RunHistoryStore interface {
	// StoreRun inserts a run record
	StoreRun(ctx context.Context, run *RunRecord) error

	// UpdateRun writes the final state of a run record
	UpdateRun(ctx context.Context, run *RunRecord) error

	// GetRun loads a run record by ID
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns run records matching the filter, newest first
	ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error)

	// CountRuns returns the number of run records matching the filter
	CountRuns(ctx context.Context, filter RunFilter) (int, error)

	// DeleteRunsBefore deletes run records started before the given time
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Gateway is the full storage surface used by the orchestrator
type Gateway interface {
	ScheduleStore
	ChannelStore
	CredentialStore
	SnapshotStore
	RunHistoryStore
	Close() error
}
