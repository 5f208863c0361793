package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/netology-group/conference-broker/internal/idgen"
)

// BackendQueries is the persistence port for Backend and BackendHandle
// aggregates.
type BackendQueries interface {
	Get(ctx context.Context, id uuid.UUID) (*Backend, error)
	// Online returns every backend currently marked online, for the
	// selector to rank. Group, if non-empty, restricts to that group.
	Online(ctx context.Context, group string) ([]Backend, error)
	// UpsertStatus records a backend status event: online/offline,
	// capacity, last_seen_at.
	UpsertStatus(ctx context.Context, backend *Backend) error
	// SetOffline marks a backend offline, for a StatusEvent{online:false}.
	SetOffline(ctx context.Context, id uuid.UUID, at time.Time) error
	// FreshBackendCount counts backends whose last_seen_at falls within
	// the given duration of now, for the readiness health check.
	FreshBackendCount(ctx context.Context, within time.Duration) (int, error)

	AllocateHandle(ctx context.Context, backendID uuid.UUID) (*BackendHandle, error)
	ReleaseHandle(ctx context.Context, handleID uuid.UUID) error
	// GetHandle resolves a BackendHandle pool row by its own id, for
	// callers that only hold an AgentConnection.BackendHandleID and need
	// its owning backend.
	GetHandle(ctx context.Context, id uuid.UUID) (*BackendHandle, error)
	// OrphanedHandles returns handles marked in-use but referenced by no
	// AgentConnection, for the orphan-handle reclaim sweep.
	OrphanedHandles(ctx context.Context) ([]BackendHandle, error)
}

type gormBackendQueries struct {
	db *gorm.DB
}

// NewBackendQueries builds a BackendQueries backed by db.
func NewBackendQueries(db *gorm.DB) BackendQueries {
	return &gormBackendQueries{db: db}
}

func (q *gormBackendQueries) Get(ctx context.Context, id uuid.UUID) (*Backend, error) {
	var backend Backend
	if err := q.db.WithContext(ctx).First(&backend, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &backend, nil
}

func (q *gormBackendQueries) Online(ctx context.Context, group string) ([]Backend, error) {
	var backends []Backend
	tx := q.db.WithContext(ctx).Where("online = ?", true)
	if group != "" {
		tx = tx.Where("\"group\" = ?", group)
	}
	err := tx.Find(&backends).Error
	return backends, err
}

func (q *gormBackendQueries) UpsertStatus(ctx context.Context, backend *Backend) error {
	return q.db.WithContext(ctx).
		Where("id = ?", backend.ID).
		Assign(backend).
		FirstOrCreate(backend).Error
}

func (q *gormBackendQueries) SetOffline(ctx context.Context, id uuid.UUID, at time.Time) error {
	return q.db.WithContext(ctx).
		Model(&Backend{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"online": false, "last_seen_at": at}).Error
}

func (q *gormBackendQueries) FreshBackendCount(ctx context.Context, within time.Duration) (int, error) {
	var count int64
	cutoff := time.Now().Add(-within)
	err := q.db.WithContext(ctx).
		Model(&Backend{}).
		Where("online = ? AND last_seen_at >= ?", true, cutoff).
		Count(&count).Error
	return int(count), err
}

func (q *gormBackendQueries) AllocateHandle(ctx context.Context, backendID uuid.UUID) (*BackendHandle, error) {
	var handle BackendHandle
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("backend_id = ? AND in_use = ?", backendID, false).
			First(&handle).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			handle = BackendHandle{ID: idgen.Default.New(), BackendID: backendID, InUse: true}
			return tx.Create(&handle).Error
		}
		if err != nil {
			return err
		}
		handle.InUse = true
		return tx.Save(&handle).Error
	})
	if err != nil {
		return nil, err
	}
	return &handle, nil
}

func (q *gormBackendQueries) ReleaseHandle(ctx context.Context, handleID uuid.UUID) error {
	return q.db.WithContext(ctx).
		Model(&BackendHandle{}).
		Where("id = ?", handleID).
		Update("in_use", false).Error
}

func (q *gormBackendQueries) GetHandle(ctx context.Context, id uuid.UUID) (*BackendHandle, error) {
	var handle BackendHandle
	if err := q.db.WithContext(ctx).First(&handle, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &handle, nil
}

func (q *gormBackendQueries) OrphanedHandles(ctx context.Context) ([]BackendHandle, error) {
	var handles []BackendHandle
	err := q.db.WithContext(ctx).
		Where("in_use = ? AND id NOT IN (?)", true,
			q.db.Model(&AgentConnection{}).Select("backend_handle_id")).
		Find(&handles).Error
	return handles, err
}
