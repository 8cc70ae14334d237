// Package source models a vector source of one layer: it tracks which tiles
// have been loaded and collects their features by id.
package source

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
)

type Vector struct {
	loaded *xsync.Map[grid.Tile, struct{}]

	mu       sync.Mutex
	order    []string
	features map[string]*geojson.Feature
}

func NewVector() *Vector {
	return &Vector{
		loaded:   xsync.NewMap[grid.Tile, struct{}](),
		features: make(map[string]*geojson.Feature),
	}
}

// AddFeatures adds features, replacing any already held with the same id.
func (v *Vector) AddFeatures(features []*geojson.Feature) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, f := range features {
		id := fmt.Sprint(f.ID)
		if _, ok := v.features[id]; !ok {
			v.order = append(v.order, id)
		}
		v.features[id] = f
	}
}

// RemoveLoadedExtent forgets that tile was loaded so a later load retries
// it. Features already added stay.
func (v *Vector) RemoveLoadedExtent(tile grid.Tile) {
	v.loaded.Delete(tile)
}

func (v *Vector) Loaded(tile grid.Tile) bool {
	_, ok := v.loaded.Load(tile)
	return ok
}

// Features returns the features in the order they were first added.
func (v *Vector) Features() []*geojson.Feature {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]*geojson.Feature, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.features[id])
	}
	return out
}

// FeatureCollection returns the features intersecting extent's bounding
// box. An empty extent returns every feature.
func (v *Vector) FeatureCollection(extent orb.Bound) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range v.Features() {
		if !extent.IsEmpty() && f.Geometry != nil && !extent.Intersects(f.Geometry.Bound()) {
			continue
		}
		fc.Append(f)
	}
	return fc
}

// LoadResult lists what one LoadExtent call did.
type LoadResult struct {
	Requested []grid.Tile
	Skipped   []grid.Tile
	Failed    []grid.Tile
}

// LoadExtent asks strategy for the tiles covering extent and calls loader
// once for every tile not already loaded, at most concurrency at a time.
// The loader adds features to the source itself and reports through
// success or failure. A tile is marked loaded before its loader runs and
// unmarked when it fails, so the next LoadExtent retries it.
func (v *Vector) LoadExtent(
	ctx context.Context,
	extent orb.Bound,
	strategy func(orb.Bound) []grid.Tile,
	loader func(ctx context.Context, extent orb.Bound, resolution float64, success func([]*geojson.Feature), failure func(error)),
	concurrency int,
) LoadResult {
	var (
		result LoadResult
		mu     sync.Mutex
	)

	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}

	for _, tile := range strategy(extent) {
		if _, loaded := v.loaded.LoadOrStore(tile, struct{}{}); loaded {
			result.Skipped = append(result.Skipped, tile)
			continue
		}
		result.Requested = append(result.Requested, tile)

		g.Go(func() error {
			// tile loaders do not depend on resolution
			loader(ctx, tile.Bound(), 0, func([]*geojson.Feature) {}, func(error) {
				v.RemoveLoadedExtent(tile)

				mu.Lock()
				result.Failed = append(result.Failed, tile)
				mu.Unlock()
			})
			return nil
		})
	}

	g.Wait()

	slices.SortFunc(result.Failed, func(a, b grid.Tile) int {
		return cmp.Or(cmp.Compare(a.MinX, b.MinX), cmp.Compare(a.MinY, b.MinY))
	})

	return result
}
