package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/pkg/metrics"
	"github.com/paulmach/orb/geojson"
)

// checkTile reads the tile record. Any failure to read it, including an
// unusable store, is a miss.
func (uc *FeatureCacheUseCase) checkTile(ctx context.Context, a *attempt) (featurestore.TileRecord, bool, error) {
	ns := a.layer.Namespace

	rec, err := a.store.GetTile(ctx, ns, a.tile)
	if err != nil {
		result := "miss"
		switch {
		case errors.Is(err, featurestore.ErrNotFound):
		case errors.Is(err, featurestore.ErrStoreUnavailable):
			result = "unavailable"
		default:
			uc.logger.Warn("tile record unreadable", "namespace", ns, "tile", a.tile.String(), "error", err)
		}
		metrics.Lookups.WithLabelValues(ns, result).Inc()
		return featurestore.TileRecord{}, false, fmt.Errorf("%w: %w", ErrCacheMiss, err)
	}

	stale := rec.Expired(uc.now())
	if stale {
		metrics.Lookups.WithLabelValues(ns, "stale").Inc()
	} else {
		metrics.Lookups.WithLabelValues(ns, "fresh").Inc()
	}

	return rec, stale, nil
}

// checkFeatures resolves every id of rec. The result is all or nothing: a
// missing or undecodable feature makes the whole tile incomplete.
func (uc *FeatureCacheUseCase) checkFeatures(ctx context.Context, a *attempt, rec featurestore.TileRecord) ([]*geojson.Feature, error) {
	ns := a.layer.Namespace

	found, err := a.store.GetFeatures(ctx, ns, rec.FeatureIDs)
	if err != nil {
		metrics.Lookups.WithLabelValues(ns, "incomplete").Inc()
		return nil, fmt.Errorf("%w: %w", ErrCacheIncomplete, err)
	}

	features := make([]*geojson.Feature, 0, len(rec.FeatureIDs))
	for _, id := range rec.FeatureIDs {
		r, ok := found[id]
		if !ok {
			metrics.Lookups.WithLabelValues(ns, "incomplete").Inc()
			return nil, fmt.Errorf("%w: %s missing", ErrCacheIncomplete, id)
		}

		f, err := decodeFeature(r.Payload)
		if err != nil {
			metrics.Lookups.WithLabelValues(ns, "incomplete").Inc()
			return nil, fmt.Errorf("%w: %s undecodable: %w", ErrCacheIncomplete, id, err)
		}
		f.ID = id

		features = append(features, f)
	}

	return features, nil
}
