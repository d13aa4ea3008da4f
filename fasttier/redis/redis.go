package redis

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	ft "github.com/unkn0wn-root/tiercache/fasttier"
)

var ErrNilClient = errors.New("redis fast tier: nil client")

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ ft.Store = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // non-positive TTL => no expiry
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

func (s *Store) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		switch vv := v.(type) {
		case nil:
			// miss
		case string:
			out[i] = []byte(vv)
		case []byte:
			out[i] = vv
		}
	}
	return out, nil
}

func (s *Store) TTL(ctx context.Context, key string) (ft.TTLResult, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return ft.TTLResult{}, err
	}
	return ttlResult(d), nil
}

// TTLBatch pipelines all TTL lookups into a single round trip.
func (s *Store) TTLBatch(ctx context.Context, keys []string) ([]ft.TTLResult, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.DurationCmd, len(keys))
	_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.TTL(ctx, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]ft.TTLResult, len(keys))
	for i, c := range cmds {
		out[i] = ttlResult(c.Val())
	}
	return out, nil
}

func ttlResult(d time.Duration) ft.TTLResult {
	switch {
	case d == -2*time.Second: // redis: key does not exist
		return ft.TTLResult{}
	case d == -1*time.Second: // redis: no expiry
		return ft.TTLResult{OK: true}
	default:
		return ft.TTLResult{TTL: d, OK: true}
	}
}

func (s *Store) Scan(ctx context.Context, pattern string, batch int64, fn func(keys []string) error) error {
	if batch <= 0 {
		batch = 100
	}
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, batch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) MemoryUsage(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.rdb.MemoryUsage(ctx, key).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *Store) ZAdd(ctx context.Context, key, member string, score float64) error {
	return s.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Result()
}

func (s *Store) ZScore(ctx context.Context, key, member string) (ft.ScoreResult, error) {
	v, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == goredis.Nil {
		return ft.ScoreResult{}, nil
	}
	if err != nil {
		return ft.ScoreResult{}, err
	}
	return ft.ScoreResult{Score: v, OK: true}, nil
}

// ZMScore resolves many member scores in one round trip.
func (s *Store) ZMScore(ctx context.Context, key string, members []string) ([]ft.ScoreResult, error) {
	if len(members) == 0 {
		return nil, nil
	}
	vals, err := s.rdb.ZMScore(ctx, key, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ft.ScoreResult, len(members))
	for i := range vals {
		out[i] = ft.ScoreResult{Score: vals[i], OK: true}
	}
	// Zero scores are ambiguous (missing member vs score 0). Expiry
	// scores are unix timestamps and never legitimately zero, but keep
	// the contract honest with a pipelined existence probe for zeros.
	var zeroIdx []int
	for i, r := range out {
		if r.Score == 0 {
			zeroIdx = append(zeroIdx, i)
		}
	}
	if len(zeroIdx) > 0 {
		cmds := make([]*goredis.FloatCmd, len(zeroIdx))
		_, err := s.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
			for j, i := range zeroIdx {
				cmds[j] = p.ZScore(ctx, key, members[i])
			}
			return nil
		})
		if err != nil && err != goredis.Nil {
			return nil, err
		}
		for j, i := range zeroIdx {
			if cmds[j].Err() == goredis.Nil {
				out[i] = ft.ScoreResult{}
			}
		}
	}
	return out, nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &goredis.ZRangeBy{
		Min:   formatScore(min),
		Max:   formatScore(max),
		Count: limit,
	}).Result()
}

func formatScore(v float64) string {
	if math.IsInf(v, -1) {
		return "-inf"
	}
	if math.IsInf(v, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

// Close releases the underlying redis client only when this store owns
// it. Safe to call multiple times.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
