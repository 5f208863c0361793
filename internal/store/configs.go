package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReaderConfigQueries is the persistence port for RtcReaderConfig.
type ReaderConfigQueries interface {
	// Upsert applies cfg, idempotently: applying the same payload twice
	// yields the same stored row and the same returned object.
	Upsert(ctx context.Context, cfg *RtcReaderConfig) (*RtcReaderConfig, error)
	Get(ctx context.Context, rtcID uuid.UUID, readerID string) (*RtcReaderConfig, error)
}

type gormReaderConfigQueries struct {
	db *gorm.DB
}

// NewReaderConfigQueries builds a ReaderConfigQueries backed by db.
func NewReaderConfigQueries(db *gorm.DB) ReaderConfigQueries {
	return &gormReaderConfigQueries{db: db}
}

func (q *gormReaderConfigQueries) Upsert(ctx context.Context, cfg *RtcReaderConfig) (*RtcReaderConfig, error) {
	err := q.db.WithContext(ctx).
		Where("rtc_id = ? AND reader_id = ?", cfg.RtcID, cfg.ReaderID).
		Assign(cfg).
		FirstOrCreate(cfg).Error
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (q *gormReaderConfigQueries) Get(ctx context.Context, rtcID uuid.UUID, readerID string) (*RtcReaderConfig, error) {
	cfg := RtcReaderConfig{RtcID: rtcID, ReaderID: readerID, ReceiveVideo: true, ReceiveAudio: true}
	err := q.db.WithContext(ctx).
		Where("rtc_id = ? AND reader_id = ?", rtcID, readerID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Default receive_video=receive_audio=true when absent.
			return &cfg, nil
		}
		return nil, err
	}
	return &cfg, nil
}

// WriterConfigQueries is the persistence port for RtcWriterConfig.
type WriterConfigQueries interface {
	Upsert(ctx context.Context, cfg *RtcWriterConfig) (*RtcWriterConfig, error)
	Get(ctx context.Context, rtcID uuid.UUID) (*RtcWriterConfig, error)
}

type gormWriterConfigQueries struct {
	db *gorm.DB
}

// NewWriterConfigQueries builds a WriterConfigQueries backed by db.
func NewWriterConfigQueries(db *gorm.DB) WriterConfigQueries {
	return &gormWriterConfigQueries{db: db}
}

func (q *gormWriterConfigQueries) Upsert(ctx context.Context, cfg *RtcWriterConfig) (*RtcWriterConfig, error) {
	err := q.db.WithContext(ctx).
		Where("rtc_id = ?", cfg.RtcID).
		Assign(cfg).
		FirstOrCreate(cfg).Error
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (q *gormWriterConfigQueries) Get(ctx context.Context, rtcID uuid.UUID) (*RtcWriterConfig, error) {
	var cfg RtcWriterConfig
	err := q.db.WithContext(ctx).First(&cfg, "rtc_id = ?", rtcID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}
