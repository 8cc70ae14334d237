package featurestore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/features/pkg/grid"
)

type tileKey struct {
	namespace string
	tile      grid.Tile
}

type featureKey struct {
	namespace string
	id        string
}

// MemoryStore keeps records in process memory. A positive maxFeatures
// bounds the number of feature records; writes that would exceed it fail
// with ErrResourceExhausted.
type MemoryStore struct {
	mu          sync.RWMutex
	tiles       map[tileKey]TileRecord
	features    map[featureKey]FeatureRecord
	maxFeatures int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(maxFeatures int) *MemoryStore {
	return &MemoryStore{
		tiles:       make(map[tileKey]TileRecord),
		features:    make(map[featureKey]FeatureRecord),
		maxFeatures: maxFeatures,
	}
}

func (m *MemoryStore) GetTile(_ context.Context, namespace string, tile grid.Tile) (TileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.tiles[tileKey{namespace, tile}]
	if !ok {
		return TileRecord{}, ErrNotFound
	}
	r.FeatureIDs = slices.Clone(r.FeatureIDs)
	return r, nil
}

func (m *MemoryStore) GetFeatures(_ context.Context, namespace string, ids []string) (map[string]FeatureRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	found := make(map[string]FeatureRecord, len(ids))
	for _, id := range ids {
		if r, ok := m.features[featureKey{namespace, id}]; ok {
			found[id] = r
		}
	}
	return found, nil
}

func (m *MemoryStore) PutTileAndFeatures(_ context.Context, namespace string, tile grid.Tile, expiry time.Time, features []Feature) error {
	ids, features := uniqueIDs(features)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxFeatures > 0 {
		added := 0
		for _, f := range features {
			if _, ok := m.features[featureKey{namespace, f.ID}]; !ok {
				added++
			}
		}
		if len(m.features)+added > m.maxFeatures {
			return ErrResourceExhausted
		}
	}

	for _, f := range features {
		m.features[featureKey{namespace, f.ID}] = FeatureRecord{
			Namespace: namespace,
			ID:        f.ID,
			Expiry:    expiry,
			Payload:   slices.Clone(f.Payload),
		}
	}
	m.tiles[tileKey{namespace, tile}] = TileRecord{
		Namespace:  namespace,
		Tile:       tile,
		Expiry:     expiry,
		FeatureIDs: ids,
	}

	return nil
}

func (m *MemoryStore) SweepExpired(_ context.Context, now time.Time) (SweepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result SweepResult
	for k, r := range m.tiles {
		if !r.Expiry.After(now) {
			delete(m.tiles, k)
			result.Tiles++
		}
	}
	for k, r := range m.features {
		if !r.Expiry.After(now) {
			delete(m.features, k)
			result.Features++
		}
	}
	return result, nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Driver:   "memory",
		Version:  SchemaVersion,
		Tiles:    int64(len(m.tiles)),
		Features: int64(len(m.features)),
	}, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
