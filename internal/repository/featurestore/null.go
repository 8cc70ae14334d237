package featurestore

import (
	"context"
	"time"

	"github.com/jaennil/guide_helper/features/pkg/grid"
)

// NullStore stands in for a store that failed to open. Reads report
// ErrStoreUnavailable and writes are discarded, so every lookup is a miss.
type NullStore struct{}

var _ Store = NullStore{}

func (NullStore) GetTile(context.Context, string, grid.Tile) (TileRecord, error) {
	return TileRecord{}, ErrStoreUnavailable
}

func (NullStore) GetFeatures(context.Context, string, []string) (map[string]FeatureRecord, error) {
	return nil, ErrStoreUnavailable
}

func (NullStore) PutTileAndFeatures(context.Context, string, grid.Tile, time.Time, []Feature) error {
	return ErrStoreUnavailable
}

func (NullStore) SweepExpired(context.Context, time.Time) (SweepResult, error) {
	return SweepResult{}, nil
}

func (NullStore) Stats(context.Context) (Stats, error) {
	return Stats{Driver: "none"}, nil
}

func (NullStore) Close() error {
	return nil
}
