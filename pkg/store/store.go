package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/privacy-extensions/privext/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultConnectTimeout bounds the initial connection retries.
const DefaultConnectTimeout = 30 * time.Second

// ErrNotStarted is returned when the store is used before Start.
var ErrNotStarted = errors.New("store not started")

// Store persists measurement results.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	EnsureSchema(ctx context.Context) error
	DropSchema(ctx context.Context) error

	Insert(ctx context.Context, rec *NewRecord) (uuid.UUID, error)

	GetHARs(ctx context.Context, extensions string, domains []string) ([]Record, error)
	GetResources(ctx context.Context, domains []string, experiments []uuid.UUID) ([]Resource, error)
	GetResourceCounts(ctx context.Context, experiments []uuid.UUID) ([]ResourceCount, error)
	GetPageloads(ctx context.Context, domains []string, experiments []uuid.UUID) ([]PageLoad, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log            logrus.FieldLogger
	cfg            *config.DatabaseConfig
	table          string
	connectTimeout time.Duration
	now            func() time.Time

	// mu guards db. Operations hold the read lock for their whole
	// duration; reconnects and Stop take the write lock.
	mu sync.RWMutex
	db *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log:            log.WithField("component", "store"),
		cfg:            cfg,
		table:          cfg.Table(),
		connectTimeout: DefaultConnectTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection, retrying with exponential backoff
// until the connect timeout elapses.
func (s *store) Start(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.connectTimeout

	err := backoff.RetryNotify(func() error {
		db, err := s.open(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.swap(db)
		s.mu.Unlock()

		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		s.log.WithError(err).WithField("retry_in", next).Warn("Database connection failed")
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"driver": s.cfg.Driver,
		"table":  s.table,
	}).Info("Database connected")

	return nil
}

// open connects a new pool and verifies it with a ping.
func (s *store) open(ctx context.Context) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return nil, backoff.Permanent(fmt.Errorf("unsupported database driver: %s", s.cfg.Driver))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()

		return nil, err
	}

	return db, nil
}

// swap installs db and closes the previous pool. Callers hold the write
// lock.
func (s *store) swap(db *gorm.DB) {
	if s.db != nil {
		if old, err := s.db.DB(); err == nil {
			_ = old.Close()
		}
	}

	s.db = db
}

// withDB runs fn against the current pool under the read lock.
func (s *store) withDB(fn func(db *gorm.DB) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return ErrNotStarted
	}

	return fn(s.db)
}

func ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks the connection, reconnecting once if it is unhealthy.
func (s *store) Ping(ctx context.Context) error {
	return s.ensureConnected(ctx)
}

// ensureConnected pings the database and reopens the connection once if
// the ping fails. Concurrent callers that find the pool unhealthy
// reconnect only once: the first one swaps the pool, the rest see the
// new pool healthy after taking the write lock.
func (s *store) ensureConnected(ctx context.Context) error {
	err := s.withDB(func(db *gorm.DB) error {
		return ping(ctx, db)
	})
	if err == nil || errors.Is(err, ErrNotStarted) {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ping(ctx, s.db); err == nil {
		return nil
	}

	s.log.WithError(err).Warn("Database connection unhealthy, reconnecting")

	db, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("reconnecting: %w", err)
	}

	s.swap(db)

	return nil
}

// EnsureSchema creates the results table unless it already exists.
func (s *store) EnsureSchema(ctx context.Context) error {
	return s.withDB(func(db *gorm.DB) error {
		m := db.WithContext(ctx).Migrator()
		if m.HasTable(s.table) {
			s.log.WithField("table", s.table).Warn("Table already exists")

			return nil
		}

		if err := db.WithContext(ctx).Table(s.table).Migrator().CreateTable(&Record{}); err != nil {
			return fmt.Errorf("creating table %s: %w", s.table, err)
		}

		s.log.WithField("table", s.table).Info("Table created")

		return nil
	})
}

// DropSchema drops the results table if present.
func (s *store) DropSchema(ctx context.Context) error {
	return s.withDB(func(db *gorm.DB) error {
		m := db.WithContext(ctx).Migrator()
		if !m.HasTable(s.table) {
			s.log.WithField("table", s.table).Error("Table does not exist")

			return nil
		}

		if err := m.DropTable(s.table); err != nil {
			return fmt.Errorf("dropping table %s: %w", s.table, err)
		}

		s.log.WithField("table", s.table).Info("Table dropped")

		return nil
	})
}

// Insert writes one record under a freshly minted correlation id.
func (s *store) Insert(ctx context.Context, in *NewRecord) (uuid.UUID, error) {
	if err := in.validate(); err != nil {
		return uuid.Nil, err
	}

	if err := s.ensureConnected(ctx); err != nil {
		s.log.WithError(err).Error("Error inserting HAR into database")

		return uuid.Nil, err
	}

	rec := Record{
		Experiment:    in.Experiment,
		InsertionTime: s.now(),
		Browser:       in.Browser,
		Extensions:    in.Extensions,
		Domain:        in.Domain,
		HARUUID:       uuid.New(),
		HAR:           Document(in.HAR),
		HARError:      in.HARError,
	}

	err := s.withDB(func(db *gorm.DB) error {
		return db.WithContext(ctx).Table(s.table).Create(&rec).Error
	})
	if err != nil {
		s.log.WithError(err).Error("Error inserting HAR into database")

		return uuid.Nil, fmt.Errorf("inserting record: %w", err)
	}

	return rec.HARUUID, nil
}

// GetHARs returns the records for one extension configuration and a set
// of domains.
func (s *store) GetHARs(ctx context.Context, extensions string, domains []string) ([]Record, error) {
	var recs []Record

	err := s.withDB(func(db *gorm.DB) error {
		return db.WithContext(ctx).
			Table(s.table).
			Where("extensions = ? AND domain IN ?", extensions, domains).
			Order("insertion_time").
			Find(&recs).Error
	})
	if errors.Is(err, ErrNotStarted) {
		return nil, err
	}

	if err != nil {
		return nil, fmt.Errorf("getting HARs: %w", err)
	}

	return recs, nil
}
