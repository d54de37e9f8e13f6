// Package persistence stores chat envelopes before they are relayed.
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/envelope"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrPersist marks a failed save. The send path must not relay after it.
var ErrPersist = errors.New("persist envelope")

// Saver stores an envelope.
type Saver interface {
	Save(ctx context.Context, env envelope.Envelope) error
}

// SaverFunc adapts a function to Saver.
type SaverFunc func(ctx context.Context, env envelope.Envelope) error

func (f SaverFunc) Save(ctx context.Context, env envelope.Envelope) error { return f(ctx, env) }

// Store persists envelopes with GORM.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open connects to a SQLite database and migrates the schema.
func Open(dsn string, log *zap.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// from splitting across the pool.
	sqlDB.SetMaxOpenConns(1)
	return New(db, log)
}

// New wraps an open database and migrates the schema.
func New(db *gorm.DB, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&ChatRecord{}, &Mention{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Save inserts the envelope and its mentions in one transaction.
func (s *Store) Save(ctx context.Context, env envelope.Envelope) error {
	rec := recordFromEnvelope(env)
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	s.log.Debug("saved chat",
		zap.Uint("id", rec.ID),
		zap.String("user", rec.User),
		zap.String("room", rec.Room),
		zap.Int("mentions", len(rec.Mentions)))
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
