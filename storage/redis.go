package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/songzhibin97/bizflow/types"
)

const (
	definitionPrefix    = "definition:"
	transitionPrefix    = "transition:"
	instancePrefix      = "instance:"
	logPrefix           = "log:"
	activePrefix        = "active:"
	lockPrefix          = "lock:instance:"
	definitionSetKey    = "definitions"
	instanceSetKey      = "instances"
	transitionSetSuffix = ":transitions"
)

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// extendLock resets the TTL of KEYS[1] to ARGV[2] ms only while it still
// holds ARGV[1].
var extendLock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client    *redis.Client
	lockTTL   time.Duration
	lockRetry time.Duration
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	// LockTTL bounds how long a crashed holder can keep an instance locked.
	LockTTL time.Duration `yaml:"lock_ttl"`
	// LockRetry is the polling interval while waiting for an instance lock.
	LockRetry time.Duration `yaml:"lock_retry"`
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStorageFromClient(client, opts), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, opts RedisOptions) *RedisStorage {
	s := &RedisStorage{client: client, lockTTL: opts.LockTTL, lockRetry: opts.LockRetry}
	if s.lockTTL <= 0 {
		s.lockTTL = 30 * time.Second
	}
	if s.lockRetry <= 0 {
		s.lockRetry = 20 * time.Millisecond
	}
	return s
}

func idKey(prefix string, id uint64) string {
	return prefix + strconv.FormatUint(id, 10)
}

// saveToRedis saves a value to Redis with the given key prefix and ID.
func (s *RedisStorage) saveToRedis(ctx context.Context, prefix string, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%d: %w", prefix, id, err)
		}
		key := idKey(prefix, id)
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key prefix and ID.
func getFromRedis[T any](ctx context.Context, client *redis.Client, prefix string, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := idKey(prefix, id)
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// loadAll fetches every member of an ID set with a single MGET.
func loadAll[T any](ctx context.Context, client *redis.Client, setKey, prefix string) ([]T, error) {
	ids, err := client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", setKey, err)
	}
	if len(ids) == 0 {
		return []T{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s members: %w", setKey, err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// SaveDefinition saves a definition to Redis.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	if err := s.saveToRedis(ctx, definitionPrefix, def.ID, def); err != nil {
		return err
	}
	return s.client.SAdd(ctx, definitionSetKey, def.ID).Err()
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getFromRedis[types.Definition](ctx, s.client, definitionPrefix, id, ErrDefinitionNotFound)
}

// ListDefinitions returns the definitions matching filter.
func (s *RedisStorage) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		all, err := loadAll[types.Definition](ctx, s.client, definitionSetKey, definitionPrefix)
		if err != nil {
			return nil, err
		}
		out := make([]types.Definition, 0, len(all))
		for _, def := range all {
			if filter.Match(def) {
				out = append(out, def)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

func transitionSetKey(definitionID uint64) string {
	return idKey(definitionPrefix, definitionID) + transitionSetSuffix
}

// SaveTransition saves a transition to Redis.
func (s *RedisStorage) SaveTransition(ctx context.Context, t types.Transition) error {
	existing, err := s.ListTransitions(ctx, t.DefinitionID)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if other.ID != t.ID && other.FromState == t.FromState && other.ToState == t.ToState {
			return fmt.Errorf("%w: transition %s->%s already exists in definition %d", ErrConflict, t.FromState, t.ToState, t.DefinitionID)
		}
	}
	if err := s.saveToRedis(ctx, transitionPrefix, t.ID, t); err != nil {
		return err
	}
	return s.client.SAdd(ctx, transitionSetKey(t.DefinitionID), t.ID).Err()
}

// GetTransition retrieves a transition from Redis.
func (s *RedisStorage) GetTransition(ctx context.Context, id uint64) (types.Transition, error) {
	return getFromRedis[types.Transition](ctx, s.client, transitionPrefix, id, ErrTransitionNotFound)
}

// DeleteTransition removes a transition from Redis.
func (s *RedisStorage) DeleteTransition(ctx context.Context, id uint64) error {
	t, err := s.GetTransition(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, idKey(transitionPrefix, id))
	pipe.SRem(ctx, transitionSetKey(t.DefinitionID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete transition %d: %w", id, err)
	}
	return nil
}

// ListTransitions returns a definition's transitions ordered by Order.
func (s *RedisStorage) ListTransitions(ctx context.Context, definitionID uint64) ([]types.Transition, error) {
	return withContext(ctx, func() ([]types.Transition, error) {
		out, err := loadAll[types.Transition](ctx, s.client, transitionSetKey(definitionID), transitionPrefix)
		if err != nil {
			return nil, err
		}
		SortTransitions(out)
		return out, nil
	})
}

func activeRedisKey(definitionID uint64, entity types.EntityRef) string {
	return activePrefix + ActiveKey(definitionID, entity)
}

// GetOrCreateInstance claims the running slot with SETNX. The instance body is
// written before the claim so a concurrent reader never sees a dangling slot.
func (s *RedisStorage) GetOrCreateInstance(ctx context.Context, inst types.Instance) (types.Instance, bool, error) {
	if err := s.saveToRedis(ctx, instancePrefix, inst.ID, inst); err != nil {
		return types.Instance{}, false, err
	}
	key := activeRedisKey(inst.DefinitionID, inst.Entity)
	id := strconv.FormatUint(inst.ID, 10)

	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := s.client.SetNX(ctx, key, id, 0).Result()
		if err != nil {
			return types.Instance{}, false, fmt.Errorf("failed to claim %s: %w", key, err)
		}
		if claimed {
			if err := s.client.SAdd(ctx, instanceSetKey, inst.ID).Err(); err != nil {
				return types.Instance{}, false, fmt.Errorf("failed to index instance %d: %w", inst.ID, err)
			}
			return inst, true, nil
		}

		holder, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return types.Instance{}, false, fmt.Errorf("failed to read %s: %w", key, err)
		}
		holderID, _ := strconv.ParseUint(holder, 10, 64)
		existing, err := s.GetInstance(ctx, holderID)
		if err == nil && existing.Status == types.StatusRunning {
			_ = s.client.Del(ctx, idKey(instancePrefix, inst.ID)).Err()
			return existing, false, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return types.Instance{}, false, err
		}
		// Stale slot: the holder finished without releasing it.
		if err := compareAndDelete.Run(ctx, s.client, []string{key}, holder).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return types.Instance{}, false, fmt.Errorf("failed to clear stale slot %s: %w", key, err)
		}
	}
	_ = s.client.Del(ctx, idKey(instancePrefix, inst.ID)).Err()
	return types.Instance{}, false, fmt.Errorf("%w: could not claim %s", ErrConflict, key)
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getFromRedis[types.Instance](ctx, s.client, instancePrefix, id, ErrInstanceNotFound)
}

// SaveInstance saves an instance and releases its running slot once it
// leaves the running status.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	n, err := s.client.Exists(ctx, idKey(instancePrefix, inst.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to check instance %d: %w", inst.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
	}
	if err := s.saveToRedis(ctx, instancePrefix, inst.ID, inst); err != nil {
		return err
	}
	if inst.Status == types.StatusRunning {
		return nil
	}
	key := activeRedisKey(inst.DefinitionID, inst.Entity)
	err = compareAndDelete.Run(ctx, s.client, []string{key}, strconv.FormatUint(inst.ID, 10)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release %s: %w", key, err)
	}
	return nil
}

// ListInstances returns the instances matching filter.
func (s *RedisStorage) ListInstances(ctx context.Context, filter InstanceFilter) ([]types.Instance, error) {
	return withContext(ctx, func() ([]types.Instance, error) {
		all, err := loadAll[types.Instance](ctx, s.client, instanceSetKey, instancePrefix)
		if err != nil {
			return nil, err
		}
		out := make([]types.Instance, 0, len(all))
		for _, inst := range all {
			if filter.Match(inst) {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return paginate(out, filter.Offset, filter.Limit), nil
	})
}

// AppendLog pushes a log entry onto the instance's list.
func (s *RedisStorage) AppendLog(ctx context.Context, entry types.ExecutionLogEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry %d: %w", entry.ID, err)
		}
		key := idKey(logPrefix, entry.InstanceID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %w", key, err)
		}
		return nil
	})
}

// ListLogs returns an instance's log entries.
func (s *RedisStorage) ListLogs(ctx context.Context, instanceID uint64) ([]types.ExecutionLogEntry, error) {
	return withContext(ctx, func() ([]types.ExecutionLogEntry, error) {
		key := idKey(logPrefix, instanceID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		out := make([]types.ExecutionLogEntry, 0, len(raw))
		for _, item := range raw {
			var entry types.ExecutionLogEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s entry: %w", key, err)
			}
			out = append(out, entry)
		}
		return out, nil
	})
}

// WithInstanceLock acquires a token-owned lock key with SET NX PX, polling
// until it is free or ctx is done. The key is re-extended every lockTTL/3
// while fn runs; if ownership is lost, the ctx passed to fn is cancelled.
func (s *RedisStorage) WithInstanceLock(ctx context.Context, instanceID uint64, fn func(ctx context.Context) error) error {
	key := idKey(lockPrefix, instanceID)
	token := uuid.NewString()

	for {
		ok, err := s.client.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("failed to acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockRetry):
		}
	}

	lockCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepLock(key, token, done, cancel)
	}()
	defer func() {
		close(done)
		wg.Wait()
		cancel()
		// Released with a fresh context so a cancelled caller still frees the lock.
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), time.Second)
		defer releaseCancel()
		_ = compareAndDelete.Run(releaseCtx, s.client, []string{key}, token).Err()
	}()

	return fn(lockCtx)
}

// keepLock extends key until done is closed. It calls lost when the key no
// longer holds token.
func (s *RedisStorage) keepLock(key, token string, done <-chan struct{}, lost context.CancelFunc) {
	ticker := time.NewTicker(s.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL/3)
		n, err := extendLock.Run(ctx, s.client, []string{key}, token, s.lockTTL.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			lost()
			return
		}
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
