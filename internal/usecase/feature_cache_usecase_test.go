package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/features/internal/layer"
	"github.com/jaennil/guide_helper/features/internal/provider"
	"github.com/jaennil/guide_helper/features/internal/repository/featurestore"
	"github.com/jaennil/guide_helper/features/internal/source"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNS = "SSSI-GB-ENG"

var errUpstream = errors.New("upstream down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticStores struct {
	store featurestore.Store
}

func (s staticStores) Store(context.Context) featurestore.Store { return s.store }

type fakeFetcher struct {
	calls atomic.Int32
	gate  chan struct{}

	mu  sync.Mutex
	ids []string
	err error
}

func (f *fakeFetcher) set(err error, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.ids = ids
}

func (f *fakeFetcher) Fetch(ctx context.Context, _ provider.Endpoint, tile grid.Tile) ([]*geojson.Feature, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	features := make([]*geojson.Feature, len(f.ids))
	for i, id := range f.ids {
		features[i] = pointFeature(id, float64(tile.MinX)+100.25, float64(tile.MinY)+200.75)
	}
	return features, nil
}

type recordingViewport struct {
	mu      sync.Mutex
	batches [][]*geojson.Feature
	removed []grid.Tile
}

func (v *recordingViewport) AddFeatures(features []*geojson.Feature) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.batches = append(v.batches, features)
}

func (v *recordingViewport) RemoveLoadedExtent(tile grid.Tile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removed = append(v.removed, tile)
}

func (v *recordingViewport) batchIDs() [][]string {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([][]string, len(v.batches))
	for i, b := range v.batches {
		out[i] = make([]string, len(b))
		for j, f := range b {
			out[i][j] = featureID(f)
		}
	}
	return out
}

func (v *recordingViewport) removedTiles() []grid.Tile {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]grid.Tile(nil), v.removed...)
}

func pointFeature(id string, x, y float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{x, y})
	f.ID = id
	f.Properties["NAME"] = "site " + id
	return f
}

// evictingStore hides chosen feature records from reads until they are
// written again, the way a capacity-evicting engine loses records.
type evictingStore struct {
	featurestore.Store

	mu      sync.Mutex
	evicted map[string]bool
}

func (s *evictingStore) evict(namespace, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted == nil {
		s.evicted = make(map[string]bool)
	}
	s.evicted[namespace+"|"+id] = true
}

func (s *evictingStore) GetFeatures(ctx context.Context, namespace string, ids []string) (map[string]featurestore.FeatureRecord, error) {
	found, err := s.Store.GetFeatures(ctx, namespace, ids)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range found {
		if s.evicted[namespace+"|"+id] {
			delete(found, id)
		}
	}
	return found, nil
}

func (s *evictingStore) PutTileAndFeatures(ctx context.Context, namespace string, tile grid.Tile, expiry time.Time, features []featurestore.Feature) error {
	if err := s.Store.PutTileAndFeatures(ctx, namespace, tile, expiry, features); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range features {
		delete(s.evicted, namespace+"|"+f.ID)
	}
	return nil
}

type fixture struct {
	uc      *FeatureCacheUseCase
	store   *featurestore.MemoryStore
	cache   *evictingStore
	fetcher *fakeFetcher
	clock   *clock
}

func newFixture(t *testing.T, store featurestore.Store, policy StalePolicy) *fixture {
	t.Helper()

	catalog, err := layer.NewCatalog(layer.Layer{
		Namespace:    testNS,
		Jurisdiction: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{700000, 700000}},
		Endpoint:     provider.Endpoint{Kind: provider.KindWFS, URL: "http://example.invalid/wfs?"},
	})
	require.NoError(t, err)

	if store == nil {
		store = featurestore.NewMemoryStore(0)
	}

	fx := &fixture{
		fetcher: &fakeFetcher{},
		clock:   &clock{now: time.UnixMilli(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli())},
	}
	fx.store, _ = store.(*featurestore.MemoryStore)
	fx.cache = &evictingStore{Store: store}

	fx.uc = NewFeatureCacheUseCase(staticStores{fx.cache}, fx.fetcher, catalog, Options{
		StalePolicy:       policy,
		BackgroundTimeout: 5 * time.Second,
		Now:               fx.clock.Now,
	}, logger.NewNop())

	return fx
}

// seed caches ids for tile through a successful load on a throwaway viewport.
func (fx *fixture) seed(t *testing.T, tile grid.Tile, ids ...string) {
	t.Helper()

	fx.fetcher.set(nil, ids...)
	_, err := fx.uc.Load(context.Background(), &recordingViewport{}, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()
	fx.fetcher.calls.Store(0)
}

func TestLoadMissFetchesAndWritesThrough(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	vp := &recordingViewport{}

	fx.fetcher.set(nil, "1", "2")
	features, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Len(t, features, 2)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs())
	assert.Empty(t, vp.removedTiles())

	rec, err := fx.store.GetTile(context.Background(), testNS, tile)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, rec.FeatureIDs)
	assert.True(t, rec.Expiry.Equal(fx.clock.Now().Add(DefaultTTL)))

	// the viewport keeps full precision, the store keeps whole metres
	assert.Equal(t, orb.Point{450100.25, 100200.75}, features[0].Geometry)

	stored, err := fx.store.GetFeatures(context.Background(), testNS, []string{"1"})
	require.NoError(t, err)
	f, err := decodeFeature(stored["1"].Payload)
	require.NoError(t, err)
	assert.Equal(t, orb.Point{450100, 100201}, f.Geometry)
	assert.Equal(t, "site 1", f.Properties["NAME"])
}

func TestLoadFreshHitServesCacheOnce(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1", "2", "3")

	vp := &recordingViewport{}
	features, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Len(t, features, 3)
	assert.Equal(t, int32(0), fx.fetcher.calls.Load(), "fresh hit must not touch the network")
	assert.Equal(t, [][]string{{"1", "2", "3"}}, vp.batchIDs(), "features arrive as one batch")
}

func TestLoadIncompleteFallsBackToNetwork(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1", "2")
	fx.cache.evict(testNS, "2")

	vp := &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs(), "no partial cached batch is shown")

	found, err := fx.store.GetFeatures(context.Background(), testNS, []string{"1", "2"})
	require.NoError(t, err)
	assert.Len(t, found, 2, "refresh repaired the cache")
}

func TestLoadCorruptPayloadFallsBackToNetwork(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	ctx := context.Background()

	expiry := fx.clock.Now().Add(time.Hour)
	require.NoError(t, fx.store.PutTileAndFeatures(ctx, testNS, tile, expiry, []featurestore.Feature{
		{ID: "1", Payload: []byte(`{"type":"Feature","geometry":{"type":"Point","coordinates":[1,2]},"properties":{}}`)},
		{ID: "2", Payload: []byte(`{not json`)},
	}))

	fx.fetcher.set(nil, "1", "2")
	vp := &recordingViewport{}
	_, err := fx.uc.Load(ctx, vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs())
}

func TestLoadStaleServesCacheAndRevalidates(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1", "2")
	fx.clock.Advance(DefaultTTL + time.Minute)

	fx.fetcher.gate = make(chan struct{})
	fx.fetcher.set(nil, "1", "2", "3")

	vp := &recordingViewport{}
	features, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)

	assert.Len(t, features, 2, "stale copy is returned without waiting for the network")
	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs())

	close(fx.fetcher.gate)
	fx.uc.Wait()

	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1", "2"}, {"1", "2", "3"}}, vp.batchIDs())
	assert.Empty(t, vp.removedTiles())

	rec, err := fx.store.GetTile(context.Background(), testNS, tile)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, rec.FeatureIDs)
	assert.False(t, rec.Expired(fx.clock.Now()))
}

func TestLoadStaleRevalidationFailureKeepsStaleCopy(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1")
	fx.clock.Advance(DefaultTTL + time.Minute)

	fx.fetcher.set(errUpstream)
	vp := &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Equal(t, [][]string{{"1"}}, vp.batchIDs())
	assert.Empty(t, vp.removedTiles())

	rec, err := fx.store.GetTile(context.Background(), testNS, tile)
	require.NoError(t, err)
	assert.True(t, rec.Expired(fx.clock.Now()))
}

func TestLoadStaleRevalidationIsShared(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1")
	fx.clock.Advance(DefaultTTL + time.Minute)

	fx.fetcher.gate = make(chan struct{})
	fx.fetcher.set(nil, "1", "2")

	vp1, vp2 := &recordingViewport{}, &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp1, testNS, tile)
	require.NoError(t, err)

	// wait until the first revalidation is in flight
	require.Eventually(t, func() bool { return fx.fetcher.calls.Load() == 1 }, time.Second, time.Millisecond)

	_, err = fx.uc.Load(context.Background(), vp2, testNS, tile)
	require.NoError(t, err)

	// give the second revalidation time to join the first
	time.Sleep(20 * time.Millisecond)
	close(fx.fetcher.gate)
	fx.uc.Wait()

	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1"}, {"1", "2"}}, vp1.batchIDs())
	assert.Equal(t, [][]string{{"1"}, {"1", "2"}}, vp2.batchIDs())
}

func TestLoadNetworkFailureOnMiss(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	tile := grid.At(450000, 100000)

	fx.fetcher.set(errUpstream)
	vp := &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	fx.uc.Wait()

	assert.ErrorIs(t, err, ErrNetworkFailure)
	assert.ErrorIs(t, err, errUpstream)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, []grid.Tile{tile}, vp.removedTiles())
	assert.Empty(t, vp.batchIDs())

	_, err = fx.store.GetTile(context.Background(), testNS, tile)
	assert.ErrorIs(t, err, featurestore.ErrNotFound)
}

func TestLoadNetworkFirstFallsBackToStale(t *testing.T) {
	fx := newFixture(t, nil, StaleNetworkFirst)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1", "2")
	fx.clock.Advance(DefaultTTL + time.Minute)

	fx.fetcher.set(errUpstream)
	vp := &recordingViewport{}
	features, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Len(t, features, 2)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load())
	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs())
	assert.Empty(t, vp.removedTiles())
}

func TestLoadNetworkFirstRefreshesStale(t *testing.T) {
	fx := newFixture(t, nil, StaleNetworkFirst)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1")
	fx.clock.Advance(DefaultTTL + time.Minute)

	fx.fetcher.set(nil, "1", "2")
	vp := &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	assert.Equal(t, [][]string{{"1", "2"}}, vp.batchIDs(), "stale copy is not shown when the network answers")
}

func TestLoadRefreshesAtMostOnce(t *testing.T) {
	fx := newFixture(t, nil, StaleNetworkFirst)
	tile := grid.At(450000, 100000)
	fx.seed(t, tile, "1", "2")
	fx.clock.Advance(DefaultTTL + time.Minute)
	fx.cache.evict(testNS, "2")

	fx.fetcher.set(errUpstream)
	vp := &recordingViewport{}
	_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
	fx.uc.Wait()

	assert.ErrorIs(t, err, ErrRepeatedFailure)
	assert.Equal(t, int32(1), fx.fetcher.calls.Load(), "the second refresh must not reach the network")
	assert.Equal(t, []grid.Tile{tile}, vp.removedTiles())
	assert.Empty(t, vp.batchIDs())

	// a new load is a new attempt
	_, err = fx.uc.Load(context.Background(), vp, testNS, tile)
	assert.Error(t, err)
	assert.Equal(t, int32(2), fx.fetcher.calls.Load())
}

func TestLoadQuotaFailureSweepsExpired(t *testing.T) {
	store := featurestore.NewMemoryStore(2)
	fx := newFixture(t, store, StaleRevalidate)
	ctx := context.Background()

	old := grid.At(0, 0)
	require.NoError(t, store.PutTileAndFeatures(ctx, testNS, old, fx.clock.Now().Add(-time.Hour), []featurestore.Feature{
		{ID: "old1", Payload: []byte("{}")},
		{ID: "old2", Payload: []byte("{}")},
	}))

	tile := grid.At(450000, 100000)
	fx.fetcher.set(nil, "new")
	vp := &recordingViewport{}
	features, err := fx.uc.Load(ctx, vp, testNS, tile)
	require.NoError(t, err, "a full store never fails the load")
	fx.uc.Wait()

	assert.Len(t, features, 1)
	assert.Equal(t, [][]string{{"new"}}, vp.batchIDs())

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Tiles)
	assert.Equal(t, int64(0), stats.Features)

	// the failed write is not retried, the next load writes again
	_, err = fx.uc.Load(ctx, &recordingViewport{}, testNS, tile)
	require.NoError(t, err)
	fx.uc.Wait()

	_, err = store.GetTile(ctx, testNS, tile)
	assert.NoError(t, err)
}

func TestLoadStoreUnavailable(t *testing.T) {
	fx := newFixture(t, featurestore.NullStore{}, StaleRevalidate)
	tile := grid.At(450000, 100000)

	fx.fetcher.set(nil, "1")
	for i := 0; i < 2; i++ {
		vp := &recordingViewport{}
		_, err := fx.uc.Load(context.Background(), vp, testNS, tile)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"1"}}, vp.batchIDs())
	}
	fx.uc.Wait()

	assert.Equal(t, int32(2), fx.fetcher.calls.Load(), "every load misses")
}

func TestLoadRejectsUnalignedAndUnknown(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	vp := &recordingViewport{}

	_, err := fx.uc.Load(context.Background(), vp, testNS, grid.Tile{MinX: 10, MinY: 10, MaxX: 50010, MaxY: 50010})
	assert.ErrorIs(t, err, ErrUnalignedTile)

	_, err = fx.uc.Load(context.Background(), vp, "NOPE", grid.At(0, 0))
	assert.ErrorIs(t, err, layer.ErrUnknownLayer)

	assert.Equal(t, int32(0), fx.fetcher.calls.Load())
}

func TestLoader(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	vp := &recordingViewport{}
	load := fx.uc.Loader(testNS, vp)

	fx.fetcher.set(nil, "1")

	var got []*geojson.Feature
	var failed error
	load(context.Background(), grid.At(0, 0).Bound(), 10, func(f []*geojson.Feature) { got = f }, func(err error) { failed = err })
	require.NoError(t, failed)
	assert.Len(t, got, 1)

	got, failed = nil, nil
	fx.fetcher.set(errUpstream)
	load(context.Background(), grid.At(50000, 0).Bound(), 10, func(f []*geojson.Feature) { got = f }, func(err error) { failed = err })
	assert.ErrorIs(t, failed, ErrNetworkFailure)
	assert.Nil(t, got)

	failed = nil
	load(context.Background(), orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}, 10, nil, func(err error) { failed = err })
	assert.ErrorIs(t, failed, ErrUnalignedTile)

	// nil callbacks are allowed
	load(context.Background(), grid.At(0, 0).Bound(), 10, nil, nil)
	fx.uc.Wait()
}

func TestLoaderDrivesVectorSource(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	strategy, err := fx.uc.Strategy(testNS)
	require.NoError(t, err)

	vector := source.NewVector()
	load := fx.uc.Loader(testNS, vector)
	extent := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{99999, 49999}}

	fx.fetcher.set(errUpstream)
	result := vector.LoadExtent(context.Background(), extent, strategy, load, 2)
	assert.Len(t, result.Requested, 2)
	assert.Equal(t, []grid.Tile{grid.At(0, 0), grid.At(50000, 0)}, result.Failed)
	assert.False(t, vector.Loaded(grid.At(0, 0)))
	assert.Empty(t, vector.Features())

	fx.fetcher.set(nil, "1", "2")
	result = vector.LoadExtent(context.Background(), extent, strategy, load, 2)
	fx.uc.Wait()
	assert.Len(t, result.Requested, 2)
	assert.Empty(t, result.Failed)
	assert.True(t, vector.Loaded(grid.At(50000, 0)))
	assert.Len(t, vector.Features(), 2)

	result = vector.LoadExtent(context.Background(), extent, strategy, load, 2)
	assert.Empty(t, result.Requested)
	assert.Len(t, result.Skipped, 2)
	assert.Equal(t, int32(4), fx.fetcher.calls.Load())
}

func TestSweepAndStats(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)
	fx.seed(t, grid.At(0, 0), "1", "2")
	fx.seed(t, grid.At(50000, 0), "3")

	stats, err := fx.uc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Tiles)
	assert.Equal(t, int64(3), stats.Features)

	result, err := fx.uc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, featurestore.SweepResult{}, result, "nothing expired yet")

	fx.clock.Advance(DefaultTTL)
	result, err = fx.uc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, featurestore.SweepResult{Tiles: 2, Features: 3}, result)
}

func TestStrategy(t *testing.T) {
	fx := newFixture(t, nil, StaleRevalidate)

	strategy, err := fx.uc.Strategy(testNS)
	require.NoError(t, err)
	assert.Equal(t, []grid.Tile{
		grid.At(0, 0), grid.At(0, 50000), grid.At(50000, 0), grid.At(50000, 50000),
	}, strategy(orb.Bound{Min: orb.Point{10000, 10000}, Max: orb.Point{60000, 60000}}))

	_, err = fx.uc.Strategy("NOPE")
	assert.ErrorIs(t, err, layer.ErrUnknownLayer)
}
