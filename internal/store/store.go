// Package store persists records, episodes, connections and semantic nodes.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nidhogg/hippocampus/internal/consolidation"
	"github.com/nidhogg/hippocampus/internal/model"
	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrations embed.FS

// ErrNotFound is returned when a requested snapshot or row does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistent store the pipeline commits to. Each Save call
// is a single transaction.
type Repository interface {
	InsertRecord(ctx context.Context, rec model.RawRecord) error
	RecordsSince(ctx context.Context, since time.Time) ([]model.RawRecord, error)

	SaveEpisodes(ctx context.Context, episodes []model.Episode) error
	OpenEpisodes(ctx context.Context) ([]model.Episode, error)

	SaveConsolidation(ctx context.Context, state *consolidation.State) error
	LatestState(ctx context.Context) (*consolidation.State, error)
	LoadSnapshot(ctx context.Context, version int64) (*consolidation.State, error)
	Neighborhood(ctx context.Context, entity string) ([]*model.Connection, error)

	SaveSemantic(ctx context.Context, active, archived []*model.SemanticNode) error
	ActiveNodes(ctx context.Context) ([]*model.SemanticNode, error)
	ArchivedNodes(ctx context.Context) ([]*model.SemanticNode, error)
	NodesByMember(ctx context.Context, connectionID string) ([]*model.SemanticNode, error)
}

// Postgres is the PostgreSQL-backed Repository.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate applies the embedded .up.sql files in name order. Every migration
// is idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := fs.ReadFile(migrations, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}

var _ Repository = (*Postgres)(nil)
