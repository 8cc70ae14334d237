package featurestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/jaennil/guide_helper/features/pkg/grid"
	"github.com/jaennil/guide_helper/features/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Keys under prefix:
//
//	<prefix>:tile:<len>:<namespace>:<minX,minY,maxX,maxY>  tile record json
//	<prefix>:feature:<len>:<namespace>:<id>                 feature record json
//	<prefix>:expiry:tiles, <prefix>:expiry:features         zsets of keys scored by expiry ms
//	<prefix>:version                                        schema version
//
// <len> is the byte length of the namespace, so a ':' inside a namespace or
// id cannot make two records share a key.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger logger.Logger
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type redisTile struct {
	Expiry     int64    `json:"expiry"`
	FeatureIDs []string `json:"featureIds"`
}

type redisFeature struct {
	Expiry  int64  `json:"expiry"`
	Payload []byte `json:"payload"`
}

var _ Store = (*RedisStore)(nil)

// sweepScript removes every member of each zset in KEYS scored at or below
// ARGV[1], along with the key it names. It runs atomically, so a record
// rewritten concurrently with a later expiry is never removed.
var sweepScript = redis.NewScript(`
local counts = {}
for i, zset in ipairs(KEYS) do
	local members = redis.call('ZRANGEBYSCORE', zset, '-inf', ARGV[1])
	for _, key in ipairs(members) do
		redis.call('DEL', key)
	end
	redis.call('ZREMRANGEBYSCORE', zset, '-inf', ARGV[1])
	counts[i] = #members
end
return counts
`)

func NewRedisStore(ctx context.Context, opts RedisOptions, l logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "features"
	}

	s := &RedisStore{
		client: client,
		prefix: prefix,
		logger: l,
	}

	if err := s.migrate(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("migrate redis store: %w", err)
	}

	l.Info("redis feature store initialized", "addr", opts.Addr, "prefix", prefix, "version", SchemaVersion)

	return s, nil
}

func (s *RedisStore) tileKey(namespace string, t grid.Tile) string {
	return fmt.Sprintf("%s:tile:%d:%s:%s", s.prefix, len(namespace), namespace, t.String())
}

func (s *RedisStore) featureKey(namespace, id string) string {
	return fmt.Sprintf("%s:feature:%d:%s:%s", s.prefix, len(namespace), namespace, id)
}

func (s *RedisStore) tileExpiryKey() string    { return s.prefix + ":expiry:tiles" }
func (s *RedisStore) featureExpiryKey() string { return s.prefix + ":expiry:features" }
func (s *RedisStore) versionKey() string       { return s.prefix + ":version" }

func (s *RedisStore) version(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, s.versionKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// migrate runs every step above the stored version. Steps rebuild what they
// need from the records themselves and never assume an index exists.
func (s *RedisStore) migrate(ctx context.Context) error {
	current, err := s.version(ctx)
	if err != nil {
		return err
	}

	steps := map[int64]func(context.Context) error{
		1: func(context.Context) error { return nil },
		2: s.migrateExpiryIndexes,
	}

	for v := current + 1; v <= SchemaVersion; v++ {
		s.logger.Info("migrating redis feature store", "from", v-1, "to", v)
		if err := steps[v](ctx); err != nil {
			return fmt.Errorf("version %d: %w", v, err)
		}
		if err := s.client.Set(ctx, s.versionKey(), v, 0).Err(); err != nil {
			return err
		}
	}

	return nil
}

// migrateExpiryIndexes indexes existing tile records by expiry and drops all
// feature records, which had no expiry before version 2.
func (s *RedisStore) migrateExpiryIndexes(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+":feature:*", 500).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.featureExpiryKey()).Err(); err != nil {
		return err
	}

	iter = s.client.Scan(ctx, 0, s.prefix+":tile:*", 500).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}

		var t redisTile
		if err := json.Unmarshal(data, &t); err != nil {
			s.client.Del(ctx, key)
			continue
		}
		if err := s.client.ZAdd(ctx, s.tileExpiryKey(), redis.Z{Score: float64(t.Expiry), Member: key}).Err(); err != nil {
			return err
		}
	}

	return iter.Err()
}

func (s *RedisStore) GetTile(ctx context.Context, namespace string, tile grid.Tile) (TileRecord, error) {
	data, err := s.client.Get(ctx, s.tileKey(namespace, tile)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TileRecord{}, ErrNotFound
		}
		s.logger.Error("redis get tile failed", "namespace", namespace, "tile", tile.String(), "error", err)
		return TileRecord{}, fmt.Errorf("redis get error: %w", err)
	}

	var t redisTile
	if err := json.Unmarshal(data, &t); err != nil {
		return TileRecord{}, fmt.Errorf("decode tile record: %w", err)
	}

	return TileRecord{
		Namespace:  namespace,
		Tile:       tile,
		Expiry:     time.UnixMilli(t.Expiry),
		FeatureIDs: t.FeatureIDs,
	}, nil
}

func (s *RedisStore) GetFeatures(ctx context.Context, namespace string, ids []string) (map[string]FeatureRecord, error) {
	found := make(map[string]FeatureRecord, len(ids))
	if len(ids) == 0 {
		return found, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.featureKey(namespace, id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		s.logger.Error("redis get features failed", "namespace", namespace, "error", err)
		return nil, fmt.Errorf("redis mget error: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}

		var f redisFeature
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}

		found[ids[i]] = FeatureRecord{
			Namespace: namespace,
			ID:        ids[i],
			Expiry:    time.UnixMilli(f.Expiry),
			Payload:   f.Payload,
		}
	}

	return found, nil
}

func (s *RedisStore) PutTileAndFeatures(ctx context.Context, namespace string, tile grid.Tile, expiry time.Time, features []Feature) error {
	s.logger.Debug("redis put tile", "namespace", namespace, "tile", tile.String(), "features", len(features))

	ids, features := uniqueIDs(features)
	ms := expiry.UnixMilli()

	tileData, err := json.Marshal(redisTile{Expiry: ms, FeatureIDs: ids})
	if err != nil {
		return err
	}

	cmds, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, f := range features {
			data, err := json.Marshal(redisFeature{Expiry: ms, Payload: f.Payload})
			if err != nil {
				return err
			}
			key := s.featureKey(namespace, f.ID)
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.featureExpiryKey(), redis.Z{Score: float64(ms), Member: key})
		}

		key := s.tileKey(namespace, tile)
		pipe.Set(ctx, key, tileData, 0)
		pipe.ZAdd(ctx, s.tileExpiryKey(), redis.Z{Score: float64(ms), Member: key})
		return nil
	})
	if err != nil {
		err = classifyRedis(err, cmds...)
		s.logger.Warn("redis put tile failed", "namespace", namespace, "tile", tile.String(), "error", err)
		return err
	}

	return nil
}

func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	counts, err := sweepScript.Run(ctx, s.client,
		[]string{s.tileExpiryKey(), s.featureExpiryKey()},
		strconv.FormatInt(now.UnixMilli(), 10),
	).Int64Slice()
	if err != nil {
		return SweepResult{}, fmt.Errorf("redis sweep: %w", err)
	}
	if len(counts) != 2 {
		return SweepResult{}, fmt.Errorf("redis sweep: unexpected reply %v", counts)
	}

	result := SweepResult{Tiles: counts[0], Features: counts[1]}
	s.logger.Info("redis sweep completed", "tiles", result.Tiles, "features", result.Features)
	return result, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	version, err := s.version(ctx)
	if err != nil {
		return Stats{}, err
	}

	tiles, err := s.client.ZCard(ctx, s.tileExpiryKey()).Result()
	if err != nil {
		return Stats{}, err
	}

	features, err := s.client.ZCard(ctx, s.featureExpiryKey()).Result()
	if err != nil {
		return Stats{}, err
	}

	return Stats{Driver: "redis", Version: version, Tiles: tiles, Features: features}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
