package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zoptal/flagkit/pkg/abtest"
	"github.com/zoptal/flagkit/pkg/flag"
	"github.com/zoptal/flagkit/pkg/storage"
)

var _ storage.Provider = (*Store)(nil)

// Predefined errors for the redisstore package.
var (
	ErrFailedToParseConnString = errors.New("failed to parse redis connection string")
	ErrRedisNotReady           = errors.New("redis did not become ready within the given time period")
	ErrHealthcheckFailed       = errors.New("redis healthcheck failed")
)

// Store is a Redis-backed storage.Provider implementation.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and returns a Store. Connection attempts are
// retried per the config before giving up.
func New(ctx context.Context, cfg Config) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	opt, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConnString, err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flagkit"
	}

	for range cfg.RetryAttempts {
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err == nil {
			return &Store{client: client, prefix: prefix}, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, ErrRedisNotReady
}

func (s *Store) flagsKey(env string) string        { return fmt.Sprintf("%s:%s:flags", s.prefix, env) }
func (s *Store) modifiedKey(env string) string     { return fmt.Sprintf("%s:%s:flags:modified", s.prefix, env) }
func (s *Store) evaluationsKey(env string) string  { return fmt.Sprintf("%s:%s:evaluations", s.prefix, env) }
func (s *Store) testsKey(env string) string        { return fmt.Sprintf("%s:%s:tests", s.prefix, env) }
func (s *Store) participationsKey(id string) string { return fmt.Sprintf("%s:participations:%s", s.prefix, id) }
func (s *Store) conversionsKey(id string) string   { return fmt.Sprintf("%s:conversions:%s", s.prefix, id) }
func (s *Store) resultKey(id string) string        { return fmt.Sprintf("%s:result:%s", s.prefix, id) }

func (s *Store) GetAllFlags(ctx context.Context, environment string) ([]flag.Flag, error) {
	raw, err := s.client.HGetAll(ctx, s.flagsKey(environment)).Result()
	if err != nil {
		return nil, err
	}
	flags := make([]flag.Flag, 0, len(raw))
	for _, v := range raw {
		var f flag.Flag
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			return nil, fmt.Errorf("redisstore: decode flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, nil
}

func (s *Store) SaveFlag(ctx context.Context, f flag.Flag) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.flagsKey(f.Environment), f.Key, data)
	pipe.Set(ctx, s.modifiedKey(f.Environment), time.Now().UTC().Format(time.RFC3339Nano), 0)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteFlag(ctx context.Context, environment, key string) error {
	removed, err := s.client.HDel(ctx, s.flagsKey(environment), key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return flag.ErrFlagNotFound
	}
	return s.client.Set(ctx, s.modifiedKey(environment),
		time.Now().UTC().Format(time.RFC3339Nano), 0).Err()
}

func (s *Store) GetLastModifiedTime(ctx context.Context, environment string) (time.Time, error) {
	raw, err := s.client.Get(ctx, s.modifiedKey(environment)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func (s *Store) LogEvaluation(ctx context.Context, e flag.Evaluation) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.evaluationsKey(e.Environment), data).Err()
}

func (s *Store) GetAllTests(ctx context.Context, environment string) ([]abtest.Test, error) {
	raw, err := s.client.HGetAll(ctx, s.testsKey(environment)).Result()
	if err != nil {
		return nil, err
	}
	tests := make([]abtest.Test, 0, len(raw))
	for _, v := range raw {
		var t abtest.Test
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, fmt.Errorf("redisstore: decode test: %w", err)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

func (s *Store) SaveTest(ctx context.Context, t abtest.Test) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, s.testsKey(t.Environment), t.Key, data).Err()
}

// RecordParticipation uses HSETNX so the first assignment for a
// (test, user) pair wins, keeping assignment sticky across processes.
func (s *Store) RecordParticipation(ctx context.Context, p abtest.Participation) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.HSetNX(ctx, s.participationsKey(p.TestID), p.UserID, data).Err()
}

func (s *Store) GetParticipation(ctx context.Context, testID, userID string) (*abtest.Participation, error) {
	raw, err := s.client.HGet(ctx, s.participationsKey(testID), userID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, abtest.ErrParticipationNotFound
		}
		return nil, err
	}
	var p abtest.Participation
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("redisstore: decode participation: %w", err)
	}
	return &p, nil
}

func (s *Store) GetParticipations(ctx context.Context, testID string) ([]abtest.Participation, error) {
	raw, err := s.client.HGetAll(ctx, s.participationsKey(testID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]abtest.Participation, 0, len(raw))
	for _, v := range raw {
		var p abtest.Participation
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("redisstore: decode participation: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) RecordConversion(ctx context.Context, c abtest.Conversion) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.client.RPush(ctx, s.conversionsKey(c.TestID), data).Err()
}

func (s *Store) GetConversions(ctx context.Context, testID string) ([]abtest.Conversion, error) {
	raw, err := s.client.LRange(ctx, s.conversionsKey(testID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]abtest.Conversion, 0, len(raw))
	for _, v := range raw {
		var c abtest.Conversion
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("redisstore: decode conversion: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) SaveResult(ctx context.Context, r abtest.Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.resultKey(r.TestID), data, 0).Err()
}

func (s *Store) GetResult(ctx context.Context, testID string) (*abtest.Result, error) {
	raw, err := s.client.Get(ctx, s.resultKey(testID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, abtest.ErrResultNotFound
		}
		return nil, err
	}
	var r abtest.Result
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("redisstore: decode result: %w", err)
	}
	return &r, nil
}

// Healthcheck pings the server. Suitable for readiness probes.
func (s *Store) Healthcheck(ctx context.Context) error {
	if _, err := s.client.Ping(ctx).Result(); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
