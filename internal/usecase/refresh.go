package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/metrics"
	"github.com/paulmach/orb/geojson"
)

// refresh fetches the tile from its provider, hands the features to the
// viewport and writes them through to the store. A tile is fetched at most
// once per attempt.
func (uc *FeatureCacheUseCase) refresh(ctx context.Context, a *attempt) ([]*geojson.Feature, error) {
	ns := a.layer.Namespace

	if a.refreshed {
		metrics.Refreshes.WithLabelValues(ns, "repeated_failure").Inc()
		return nil, fmt.Errorf("%w: %s %s", ErrRepeatedFailure, ns, a.tile)
	}
	a.refreshed = true

	features, err := uc.fetcher.Fetch(ctx, a.layer.Endpoint, a.tile)
	if err != nil {
		metrics.Refreshes.WithLabelValues(ns, "failure").Inc()
		return nil, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	metrics.Refreshes.WithLabelValues(ns, "success").Inc()

	a.vp.AddFeatures(features)
	uc.writeThrough(ctx, a.store, ns, a.tile, features)

	return features, nil
}

// revalidate refreshes a stale tile in the background. Concurrent requests
// for the same tile share one fetch; each viewport still gets the result.
func (uc *FeatureCacheUseCase) revalidate(ctx context.Context, a *attempt) {
	ns := a.layer.Namespace
	key := ns + "|" + a.tile.String()

	uc.goBackground(ctx, func(ctx context.Context) {
		v, err, _ := uc.revalidations.Do(key, func() (any, error) {
			features, err := uc.fetcher.Fetch(ctx, a.layer.Endpoint, a.tile)
			if err != nil {
				return nil, err
			}
			uc.writeThrough(ctx, a.store, ns, a.tile, features)
			return features, nil
		})
		if err != nil {
			metrics.BackgroundRevalidations.WithLabelValues(ns, "failure").Inc()
			uc.logger.Warn("background revalidation failed, keeping stale copy", "namespace", ns, "tile", a.tile.String(), "error", err)
			return
		}

		metrics.BackgroundRevalidations.WithLabelValues(ns, "success").Inc()
		a.vp.AddFeatures(v.([]*geojson.Feature))
	})
}

// writeThrough stores features with a fresh expiry without making the
// caller wait. A quota failure starts a sweep of expired records; the write
// itself is not retried.
func (uc *FeatureCacheUseCase) writeThrough(ctx context.Context, store featurestore.Store, ns string, tile grid.Tile, features []*geojson.Feature) {
	records, err := encodeFeatures(features)
	if err != nil {
		metrics.StoreWriteFailures.WithLabelValues("other").Inc()
		uc.logger.Warn("features not cacheable", "namespace", ns, "tile", tile.String(), "error", err)
		return
	}

	expiry := uc.now().Add(uc.ttl)

	uc.goBackground(ctx, func(ctx context.Context) {
		err := store.PutTileAndFeatures(ctx, ns, tile, expiry, records)
		switch {
		case err == nil:
		case featurestore.IsResourceExhausted(err):
			metrics.StoreWriteFailures.WithLabelValues("quota").Inc()
			uc.logger.Warn("feature store full, sweeping expired records", "namespace", ns, "tile", tile.String())
			uc.sweepInBackground(ctx, store)
		case errors.Is(err, featurestore.ErrStoreUnavailable):
		default:
			metrics.StoreWriteFailures.WithLabelValues("other").Inc()
			uc.logger.Debug("write-through failed", "namespace", ns, "tile", tile.String(), "error", err)
		}
	})
}

func (uc *FeatureCacheUseCase) sweepInBackground(ctx context.Context, store featurestore.Store) {
	uc.goBackground(ctx, func(ctx context.Context) {
		if _, err := uc.sweep(ctx, store); err != nil {
			uc.logger.Warn("sweep failed", "error", err)
		}
	})
}

// sweep runs at most one sweep at a time; concurrent callers share it.
func (uc *FeatureCacheUseCase) sweep(ctx context.Context, store featurestore.Store) (featurestore.SweepResult, error) {
	v, err, _ := uc.sweeps.Do("sweep", func() (any, error) {
		metrics.Sweeps.Inc()
		result, err := store.SweepExpired(ctx, uc.now())
		if err != nil {
			return featurestore.SweepResult{}, err
		}
		metrics.SweptRecords.WithLabelValues("tiles").Add(float64(result.Tiles))
		metrics.SweptRecords.WithLabelValues("features").Add(float64(result.Features))
		uc.logger.Info("swept expired records", "tiles", result.Tiles, "features", result.Features)
		return result, nil
	})
	if err != nil {
		return featurestore.SweepResult{}, err
	}
	return v.(featurestore.SweepResult), nil
}
