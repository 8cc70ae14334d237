// Package usecase implements cache-then-network loading of layer features
// per grid tile.
package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jaennil/guide_helper/features/internal/layer"
	"github.com/jaennil/guide_helper/features/internal/provider"
	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	"github.com/jaennil/guide_helper/features/pkg/telemetry"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

type StalePolicy string

const (
	// StaleRevalidate serves stale tiles at once and refreshes them in the
	// background.
	StaleRevalidate StalePolicy = "revalidate"
	// StaleNetworkFirst refreshes stale tiles before answering and falls
	// back to the stale copy when the network fails.
	StaleNetworkFirst StalePolicy = "network-first"
)

const DefaultTTL = 14 * 24 * time.Hour

// Viewport receives loaded features and is told when a tile failed, so it
// can forget having loaded it.
type Viewport interface {
	AddFeatures(features []*geojson.Feature)
	RemoveLoadedExtent(tile grid.Tile)
}

type Fetcher interface {
	Fetch(ctx context.Context, ep provider.Endpoint, tile grid.Tile) ([]*geojson.Feature, error)
}

type StoreProvider interface {
	Store(ctx context.Context) featurestore.Store
}

type Options struct {
	TTL               time.Duration
	StalePolicy       StalePolicy
	BackgroundTimeout time.Duration
	Now               func() time.Time
}

type FeatureCacheUseCase struct {
	stores            StoreProvider
	fetcher           Fetcher
	catalog           *layer.Catalog
	ttl               time.Duration
	policy            StalePolicy
	backgroundTimeout time.Duration
	now               func() time.Time
	logger            logger.Logger

	revalidations singleflight.Group
	sweeps        singleflight.Group
	background    sync.WaitGroup
}

func NewFeatureCacheUseCase(stores StoreProvider, fetcher Fetcher, catalog *layer.Catalog, opts Options, l logger.Logger) *FeatureCacheUseCase {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.StalePolicy == "" {
		opts.StalePolicy = StaleRevalidate
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &FeatureCacheUseCase{
		stores:            stores,
		fetcher:           fetcher,
		catalog:           catalog,
		ttl:               opts.TTL,
		policy:            opts.StalePolicy,
		backgroundTimeout: opts.BackgroundTimeout,
		now:               opts.Now,
		logger:            l,
	}
}

// attempt is the state of one Load call.
type attempt struct {
	layer     layer.Layer
	tile      grid.Tile
	vp        Viewport
	store     featurestore.Store
	refreshed bool
}

// Load brings the features of one tile into vp, from the cache when it
// holds a complete copy and from the provider otherwise. It returns the
// features added before returning. On error the tile is removed from vp's
// loaded extents; caching problems alone never cause an error.
func (uc *FeatureCacheUseCase) Load(ctx context.Context, vp Viewport, namespace string, tile grid.Tile) (features []*geojson.Feature, err error) {
	if !tile.Aligned() {
		return nil, fmt.Errorf("%w: %s", ErrUnalignedTile, tile)
	}

	l, ok := uc.catalog.Get(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", layer.ErrUnknownLayer, namespace)
	}

	ctx, span := telemetry.StartSpan(ctx, "usecase.Load",
		attribute.String("layer.namespace", namespace),
		attribute.String("tile", tile.String()),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	a := &attempt{
		layer: l,
		tile:  tile,
		vp:    vp,
		store: uc.stores.Store(ctx),
	}

	features, err = uc.load(ctx, a)
	if err != nil {
		uc.logger.Warn("tile load failed", "namespace", namespace, "tile", tile.String(), "error", err)
		vp.RemoveLoadedExtent(tile)
		return nil, err
	}

	return features, nil
}

func (uc *FeatureCacheUseCase) load(ctx context.Context, a *attempt) ([]*geojson.Feature, error) {
	ns := a.layer.Namespace

	rec, stale, err := uc.checkTile(ctx, a)
	if err != nil {
		uc.logger.Debug("cache miss", "namespace", ns, "tile", a.tile.String(), "reason", err)
		return uc.refresh(ctx, a)
	}

	if stale && uc.policy == StaleNetworkFirst {
		features, err := uc.refresh(ctx, a)
		if err == nil {
			return features, nil
		}

		uc.logger.Info("refresh of stale tile failed, using cached copy", "namespace", ns, "tile", a.tile.String(), "error", err)
		cached, cerr := uc.checkFeatures(ctx, a, rec)
		if cerr != nil {
			return uc.refresh(ctx, a)
		}
		a.vp.AddFeatures(cached)
		return cached, nil
	}

	cached, err := uc.checkFeatures(ctx, a, rec)
	if err != nil {
		uc.logger.Debug("cached tile unusable", "namespace", ns, "tile", a.tile.String(), "reason", err)
		return uc.refresh(ctx, a)
	}

	a.vp.AddFeatures(cached)

	if stale {
		uc.revalidate(ctx, a)
	}

	return cached, nil
}

// LoaderFunc loads extent and reports the outcome through success or
// failure. Either callback may be nil.
type LoaderFunc func(ctx context.Context, extent orb.Bound, resolution float64, success func([]*geojson.Feature), failure func(error))

// Loader adapts Load to the callback style of a vector source loader.
// Extents must be tiles produced by the layer's strategy.
func (uc *FeatureCacheUseCase) Loader(namespace string, vp Viewport) LoaderFunc {
	return func(ctx context.Context, extent orb.Bound, _ float64, success func([]*geojson.Feature), failure func(error)) {
		tile, ok := grid.FromBound(extent)
		if !ok {
			if failure != nil {
				failure(fmt.Errorf("%w: %v", ErrUnalignedTile, extent))
			}
			return
		}

		features, err := uc.Load(ctx, vp, namespace, tile)
		if err != nil {
			if failure != nil {
				failure(err)
			}
			return
		}

		if success != nil {
			success(features)
		}
	}
}

// Strategy returns the tiles of namespace covering an extent.
func (uc *FeatureCacheUseCase) Strategy(namespace string) (func(extent orb.Bound) []grid.Tile, error) {
	l, ok := uc.catalog.Get(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", layer.ErrUnknownLayer, namespace)
	}
	return l.Strategy, nil
}

func (uc *FeatureCacheUseCase) Layers() []layer.Layer {
	return uc.catalog.Layers()
}

// Sweep deletes expired records now.
func (uc *FeatureCacheUseCase) Sweep(ctx context.Context) (featurestore.SweepResult, error) {
	return uc.sweep(ctx, uc.stores.Store(ctx))
}

func (uc *FeatureCacheUseCase) Stats(ctx context.Context) (featurestore.Stats, error) {
	return uc.stores.Store(ctx).Stats(ctx)
}

// Wait blocks until background revalidations, write-throughs and sweeps
// have finished.
func (uc *FeatureCacheUseCase) Wait() {
	uc.background.Wait()
}

// goBackground runs fn detached from the caller's cancellation, bounded by
// the background timeout, and tracked by Wait.
func (uc *FeatureCacheUseCase) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	uc.background.Add(1)
	go func() {
		defer uc.background.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), uc.backgroundTimeout)
		defer cancel()

		fn(ctx)
	}()
}
