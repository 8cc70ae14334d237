package featurestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its dialect and base FS in package globals.
var gooseMu sync.Mutex

// sqlite's default host parameter limit is 999 on older builds.
const maxQueryParams = 500

type SQLiteOptions struct {
	Path string
	// MaxPageCount caps the database size in pages; writes beyond it fail
	// with SQLITE_FULL. Zero keeps the engine default.
	MaxPageCount int64
}

type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(ctx context.Context, opts SQLiteOptions, l logger.Logger) (*SQLiteStore, error) {
	db, err := openSQLite(ctx, opts.Path)
	if err != nil {
		return nil, err
	}

	if err := migrate(db, l, SchemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}

	if opts.MaxPageCount > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d", opts.MaxPageCount)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set max_page_count: %w", err)
		}
	}

	l.Info("sqlite feature store initialized", "path", opts.Path, "version", SchemaVersion)

	return &SQLiteStore{
		db:     db,
		logger: l,
	}, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// a single connection keeps per-connection pragmas in force and gives
	// in-memory databases one shared instance
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// migrate brings db up to version, running every pending step in order.
func migrate(db *sql.DB, l logger.Logger, version int64) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{l})

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.UpTo(db, "migrations", version)
}

type gooseLogger struct {
	l logger.Logger
}

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Fatal(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (s *SQLiteStore) GetTile(ctx context.Context, namespace string, tile grid.Tile) (TileRecord, error) {
	query := `SELECT expiry, feature_ids
	FROM extents
	WHERE namespace = ? AND min_x = ? AND min_y = ? AND max_x = ? AND max_y = ?`

	var (
		expiry int64
		rawIDs []byte
	)
	err := s.db.QueryRowContext(ctx, query, namespace, tile.MinX, tile.MinY, tile.MaxX, tile.MaxY).Scan(&expiry, &rawIDs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TileRecord{}, ErrNotFound
		}
		s.logger.Error("sqlite get tile failed", "namespace", namespace, "tile", tile.String(), "error", err)
		return TileRecord{}, err
	}

	var ids []string
	if err := json.Unmarshal(rawIDs, &ids); err != nil {
		return TileRecord{}, fmt.Errorf("decode feature ids: %w", err)
	}

	return TileRecord{
		Namespace:  namespace,
		Tile:       tile,
		Expiry:     time.UnixMilli(expiry),
		FeatureIDs: ids,
	}, nil
}

func (s *SQLiteStore) GetFeatures(ctx context.Context, namespace string, ids []string) (map[string]FeatureRecord, error) {
	found := make(map[string]FeatureRecord, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += maxQueryParams {
		chunk := ids[start:min(start+maxQueryParams, len(ids))]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, namespace)
		for _, id := range chunk {
			args = append(args, id)
		}

		query := `SELECT feature_id, expiry, payload
		FROM features
		WHERE namespace = ? AND feature_id IN (?` + strings.Repeat(",?", len(chunk)-1) + `)`

		if err := s.scanFeatures(ctx, tx, query, args, namespace, found); err != nil {
			s.logger.Error("sqlite get features failed", "namespace", namespace, "error", err)
			return nil, err
		}
	}

	return found, tx.Commit()
}

func (s *SQLiteStore) scanFeatures(ctx context.Context, tx *sql.Tx, query string, args []any, namespace string, into map[string]FeatureRecord) error {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r      FeatureRecord
			expiry int64
		)
		if err := rows.Scan(&r.ID, &expiry, &r.Payload); err != nil {
			return err
		}
		r.Namespace = namespace
		r.Expiry = time.UnixMilli(expiry)
		into[r.ID] = r
	}

	return rows.Err()
}

func (s *SQLiteStore) PutTileAndFeatures(ctx context.Context, namespace string, tile grid.Tile, expiry time.Time, features []Feature) error {
	s.logger.Debug("sqlite put tile", "namespace", namespace, "tile", tile.String(), "features", len(features))

	ids, features := uniqueIDs(features)
	rawIDs, err := json.Marshal(ids)
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO features (namespace, feature_id, expiry, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(namespace, feature_id) DO UPDATE SET expiry = excluded.expiry, payload = excluded.payload`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range features {
			if _, err := stmt.ExecContext(ctx, namespace, f.ID, expiry.UnixMilli(), f.Payload); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO extents (namespace, min_x, min_y, max_x, max_y, expiry, feature_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, min_x, min_y, max_x, max_y) DO UPDATE SET expiry = excluded.expiry, feature_ids = excluded.feature_ids`,
			namespace, tile.MinX, tile.MinY, tile.MaxX, tile.MaxY, expiry.UnixMilli(), string(rawIDs))
		return err
	})
	if err != nil {
		err = classifySQLite(err)
		s.logger.Warn("sqlite put tile failed", "namespace", namespace, "tile", tile.String(), "error", err)
		return err
	}

	return nil
}

func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM extents WHERE expiry <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		if result.Tiles, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `DELETE FROM features WHERE expiry <= ?`, now.UnixMilli())
		if err != nil {
			return err
		}
		result.Features, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return SweepResult{}, err
	}

	s.logger.Info("sqlite sweep completed", "tiles", result.Tiles, "features", result.Features)
	return result, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Driver: "sqlite"}

	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM extents),
		(SELECT COUNT(*) FROM features),
		(SELECT COALESCE(MAX(version_id), 0) FROM goose_db_version WHERE is_applied)`)
	if err := row.Scan(&stats.Tiles, &stats.Features, &stats.Version); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}
