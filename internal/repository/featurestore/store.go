// Package featurestore persists decoded feature sets per (namespace, tile)
// with an expiry, in two record families: tile records listing feature ids,
// and the feature records themselves.
package featurestore

import (
	"context"
	"errors"
	"time"

	"github.com/jaennil/guide_helper/features/pkg/grid"
)

// SchemaVersion is the current store layout version.
const SchemaVersion = 2

var (
	ErrNotFound          = errors.New("featurestore: not found")
	ErrStoreUnavailable  = errors.New("featurestore: store unavailable")
	ErrResourceExhausted = errors.New("featurestore: storage quota exceeded")
)

// TileRecord is the persisted metadata of one tile.
type TileRecord struct {
	Namespace  string
	Tile       grid.Tile
	Expiry     time.Time
	FeatureIDs []string
}

// Expired reports whether the record is stale at now.
func (r TileRecord) Expired(now time.Time) bool {
	return !r.Expiry.After(now)
}

// FeatureRecord is one persisted feature.
type FeatureRecord struct {
	Namespace string
	ID        string
	Expiry    time.Time
	Payload   []byte
}

// Feature is a feature to be written alongside its tile.
type Feature struct {
	ID      string
	Payload []byte
}

// SweepResult counts records removed by SweepExpired.
type SweepResult struct {
	Tiles    int64
	Features int64
}

type Stats struct {
	Driver   string
	Version  int64
	Tiles    int64
	Features int64
}

type Store interface {
	// GetTile returns ErrNotFound when no record exists for the tile.
	GetTile(ctx context.Context, namespace string, tile grid.Tile) (TileRecord, error)

	// GetFeatures returns the records found for ids. Missing ids are
	// omitted; callers detect incompleteness by comparing counts.
	GetFeatures(ctx context.Context, namespace string, ids []string) (map[string]FeatureRecord, error)

	// PutTileAndFeatures writes the tile record and every feature with the
	// same expiry in one transaction.
	PutTileAndFeatures(ctx context.Context, namespace string, tile grid.Tile, expiry time.Time, features []Feature) error

	// SweepExpired deletes every tile and feature record with expiry <= now.
	SweepExpired(ctx context.Context, now time.Time) (SweepResult, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// uniqueIDs returns the ids of features in first-seen order without
// duplicates, and the features to write (last payload wins).
func uniqueIDs(features []Feature) ([]string, []Feature) {
	index := make(map[string]int, len(features))
	ids := make([]string, 0, len(features))
	out := make([]Feature, 0, len(features))

	for _, f := range features {
		if i, ok := index[f.ID]; ok {
			out[i] = f
			continue
		}
		index[f.ID] = len(out)
		ids = append(ids, f.ID)
		out = append(out, f)
	}

	return ids, out
}
