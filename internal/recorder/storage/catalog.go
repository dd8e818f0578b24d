package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mikeyg42/camrecorder/internal/recorder/pipeline"
	"github.com/mikeyg42/camrecorder/internal/recorder/recorderlog"
)

// Catalog records closed segments and motion intervals.
type Catalog interface {
	SaveSegment(ctx context.Context, rec SegmentRecord) error
	SaveInterval(ctx context.Context, iv pipeline.Interval) error
	Close() error
}

// SegmentRecord is one catalogued output file.
type SegmentRecord struct {
	ID         string    `db:"id"`
	Path       string    `db:"path"`
	Volume     string    `db:"volume"`
	StartedAt  time.Time `db:"started_at"`
	EndedAt    time.Time `db:"ended_at"`
	FrameCount int64     `db:"frame_count"`
	Width      int       `db:"width"`
	Height     int       `db:"height"`
	SizeBytes  int64     `db:"size_bytes"`
	Checksum   string    `db:"checksum"`
	ObjectKey  string    `db:"object_key"`
}

// PostgresConfig contains PostgreSQL configuration
type PostgresConfig struct {
	DSN             string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresCatalog implements Catalog using PostgreSQL
type PostgresCatalog struct {
	db     *sqlx.DB
	logger recorderlog.Logger
}

// NewPostgresCatalog connects, pings and creates the schema.
func NewPostgresCatalog(ctx context.Context, config PostgresConfig, log recorderlog.Logger) (*PostgresCatalog, error) {
	if config.MaxConnections == 0 {
		config.MaxConnections = 4
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 2
	}
	if config.ConnMaxLifetime == 0 {
		config.ConnMaxLifetime = 5 * time.Minute
	}
	if log == nil {
		log = recorderlog.L()
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &PostgresCatalog{db: db, logger: log.Named("catalog")}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return c, nil
}

func (c *PostgresCatalog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS segments (
		id UUID PRIMARY KEY,
		path TEXT NOT NULL,
		volume VARCHAR(255) NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		frame_count BIGINT DEFAULT 0,
		width INTEGER,
		height INTEGER,
		size_bytes BIGINT DEFAULT 0,
		checksum VARCHAR(64),
		object_key VARCHAR(500),
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS motion_intervals (
		id BIGSERIAL PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_segments_started_at ON segments(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_motion_intervals_started_at ON motion_intervals(started_at DESC);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// SaveSegment upserts a segment row.
func (c *PostgresCatalog) SaveSegment(ctx context.Context, rec SegmentRecord) error {
	query := `
		INSERT INTO segments (
			id, path, volume, started_at, ended_at, frame_count,
			width, height, size_bytes, checksum, object_key
		) VALUES (
			:id, :path, :volume, :started_at, :ended_at, :frame_count,
			:width, :height, :size_bytes, :checksum, :object_key
		)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			frame_count = EXCLUDED.frame_count,
			size_bytes = EXCLUDED.size_bytes,
			checksum = EXCLUDED.checksum,
			object_key = EXCLUDED.object_key
	`
	if _, err := c.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to save segment %s: %w", rec.ID, err)
	}
	return nil
}

// SaveInterval inserts a completed motion interval.
func (c *PostgresCatalog) SaveInterval(ctx context.Context, iv pipeline.Interval) error {
	_, err := c.db.ExecContext(ctx,
		"INSERT INTO motion_intervals (started_at, ended_at) VALUES ($1, $2)",
		iv.Start, iv.End)
	if err != nil {
		return fmt.Errorf("failed to save motion interval: %w", err)
	}
	return nil
}

func (c *PostgresCatalog) Close() error {
	return c.db.Close()
}
