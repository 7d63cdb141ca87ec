// Package persistence snapshots pool state to Redis so an autoscaler can
// recover its view of running containers across a process restart without
// talking to the container engine for every function at once.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kestrelrun/runtime/internal/containerinfo"
	"github.com/kestrelrun/runtime/internal/logging"
	"golang.org/x/sync/errgroup"
)

const stateTTL = 24 * time.Hour

// Config tunes the persistence layer. Enabled gates every operation: when
// false, all methods are no-ops that return success, so callers don't need
// a separate feature-flag branch.
type Config struct {
	Enabled   bool
	RedisURL  string
	KeyPrefix string
	BatchSize int
}

// DefaultConfig mirrors the original runtime's defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:   true,
		RedisURL:  "redis://localhost:6379",
		KeyPrefix: "autoscaler",
		BatchSize: 50,
	}
}

// PersistedContainer is the wire shape of a container record. Timestamps
// are stored as Unix seconds because the process's monotonic clock
// (time.Time with a monotonic reading) doesn't survive a restart; LastActive
// and IdleSince are saved as their wall-clock Unix seconds and turned back
// into time.Time values on load.
type PersistedContainer struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Port            int    `json:"port"`
	BindPort        int    `json:"bind_port"`
	Status          string `json:"status"`
	LastActiveUnix  int64  `json:"last_active_unix"`
	IdleSinceUnix   *int64 `json:"idle_since_unix,omitempty"`
}

// PersistedPoolState is the wire shape of one function's pool.
type PersistedPoolState struct {
	FunctionKey  string               `json:"function_key"`
	FunctionName string               `json:"function_name"`
	MinContainers int                 `json:"min_containers"`
	MaxContainers int                 `json:"max_containers"`
	Containers   []PersistedContainer `json:"containers"`
	LastUpdated  int64                `json:"last_updated"`
}

// Metadata tracks bookkeeping about the persisted store as a whole.
type Metadata struct {
	Version     int   `json:"version"`
	LastCleanup int64 `json:"last_cleanup"`
	TotalPools  int   `json:"total_pools"`
}

const currentVersion = 1

// Store is a Redis-backed persistence client. The zero value is not usable;
// construct via New.
type Store struct {
	cfg Config
	rdb *redis.Client
}

// New dials Redis per cfg.RedisURL. If cfg.Enabled is false, the returned
// Store still works but every operation is a no-op.
func New(cfg Config) (*Store, error) {
	s := &Store{cfg: cfg}
	if !cfg.Enabled {
		return s, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s.rdb = redis.NewClient(opts)
	return s, nil
}

// Redis exposes the underlying client so other Redis-backed components
// (invocation log history) can share this connection instead of dialing
// their own. Returns nil if persistence is disabled.
func (s *Store) Redis() *redis.Client {
	return s.rdb
}

func (s *Store) poolKey(functionKey string) string {
	return fmt.Sprintf("%s:pool:%s", s.cfg.KeyPrefix, functionKey)
}

func (s *Store) metadataKey() string {
	return fmt.Sprintf("%s:metadata", s.cfg.KeyPrefix)
}

// ToPersisted converts live container records into their wire shape. Go's
// time.Time already carries a wall-clock reading alongside its monotonic
// one, so a plain Unix() capture survives a process restart without the
// elapsed-duration arithmetic the original runtime needed against
// std::time::Instant.
func ToPersisted(containers []containerinfo.Info) []PersistedContainer {
	out := make([]PersistedContainer, 0, len(containers))
	for _, c := range containers {
		pc := PersistedContainer{
			ID:             c.ID,
			Name:           c.Name,
			Port:           c.Port,
			BindPort:       c.BindPort,
			Status:         string(c.Status),
			LastActiveUnix: c.LastActive.Unix(),
		}
		if c.IdleSince != nil {
			v := c.IdleSince.Unix()
			pc.IdleSinceUnix = &v
		}
		out = append(out, pc)
	}
	return out
}

// FromPersisted reconstructs container records from their wire shape.
// Timestamps in the future (a clock that moved backward between save and
// load) are clamped to now.
func FromPersisted(containers []PersistedContainer) []containerinfo.Info {
	now := time.Now()
	out := make([]containerinfo.Info, 0, len(containers))
	for _, pc := range containers {
		lastActive := time.Unix(pc.LastActiveUnix, 0)
		if lastActive.After(now) {
			lastActive = now
		}
		info := containerinfo.Info{
			ID:         pc.ID,
			Name:       pc.Name,
			Port:       pc.Port,
			BindPort:   pc.BindPort,
			Status:     containerinfo.Status(pc.Status),
			LastActive: lastActive,
		}
		if pc.IdleSinceUnix != nil {
			idleSince := time.Unix(*pc.IdleSinceUnix, 0)
			if idleSince.After(now) {
				idleSince = now
			}
			info.IdleSince = &idleSince
		}
		out = append(out, info)
	}
	return out
}

// SavePoolState writes a pool snapshot with a 24h TTL.
func (s *Store) SavePoolState(ctx context.Context, state PersistedPoolState) error {
	if !s.cfg.Enabled {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal pool state for %s: %w", state.FunctionKey, err)
	}
	if err := s.rdb.Set(ctx, s.poolKey(state.FunctionKey), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("save pool state for %s: %w", state.FunctionKey, err)
	}
	return nil
}

// LoadPoolState reads one function's persisted pool state. Returns
// (zero, false, nil) if no state is stored for functionKey.
func (s *Store) LoadPoolState(ctx context.Context, functionKey string) (PersistedPoolState, bool, error) {
	if !s.cfg.Enabled {
		return PersistedPoolState{}, false, nil
	}
	data, err := s.rdb.Get(ctx, s.poolKey(functionKey)).Bytes()
	if err == redis.Nil {
		return PersistedPoolState{}, false, nil
	}
	if err != nil {
		return PersistedPoolState{}, false, fmt.Errorf("load pool state for %s: %w", functionKey, err)
	}
	var state PersistedPoolState
	if err := json.Unmarshal(data, &state); err != nil {
		return PersistedPoolState{}, false, fmt.Errorf("unmarshal pool state for %s: %w", functionKey, err)
	}
	return state, true, nil
}

// GetAllPoolKeys scans for every persisted pool's function key.
func (s *Store) GetAllPoolKeys(ctx context.Context) ([]string, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	pattern := fmt.Sprintf("%s:pool:*", s.cfg.KeyPrefix)
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()
		prefix := fmt.Sprintf("%s:pool:", s.cfg.KeyPrefix)
		keys = append(keys, strings.TrimPrefix(raw, prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan pool keys: %w", err)
	}
	return keys, nil
}

// LoadAllPoolStates loads every persisted pool in parallel batches of
// cfg.BatchSize, so a store holding thousands of functions doesn't open
// thousands of concurrent Redis round trips at once.
func (s *Store) LoadAllPoolStates(ctx context.Context) ([]PersistedPoolState, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	keys, err := s.GetAllPoolKeys(ctx)
	if err != nil {
		return nil, err
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}

	var states []PersistedPoolState
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		results := make([]PersistedPoolState, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, key := range batch {
			i, key := i, key
			g.Go(func() error {
				state, ok, err := s.LoadPoolState(gctx, key)
				if err != nil {
					logging.Op().Warn("failed to load pool state", "function_key", key, "error", err)
					return nil
				}
				if ok {
					results[i] = state
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.FunctionKey != "" {
				states = append(states, r)
			}
		}
	}
	return states, nil
}

// DeletePoolState removes a function's persisted state entirely.
func (s *Store) DeletePoolState(ctx context.Context, functionKey string) error {
	if !s.cfg.Enabled {
		return nil
	}
	if err := s.rdb.Del(ctx, s.poolKey(functionKey)).Err(); err != nil {
		return fmt.Errorf("delete pool state for %s: %w", functionKey, err)
	}
	return nil
}

// CleanupStalePools removes persisted states for function keys no longer in
// liveFunctionKeys, and records the cleanup in metadata.
func (s *Store) CleanupStalePools(ctx context.Context, liveFunctionKeys map[string]struct{}) error {
	if !s.cfg.Enabled {
		return nil
	}
	keys, err := s.GetAllPoolKeys(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, key := range keys {
		if _, live := liveFunctionKeys[key]; live {
			continue
		}
		if err := s.DeletePoolState(ctx, key); err != nil {
			logging.Op().Warn("failed to delete stale pool state", "function_key", key, "error", err)
			continue
		}
		removed++
	}

	meta, _, err := s.LoadMetadata(ctx)
	if err != nil {
		return err
	}
	meta.LastCleanup = time.Now().Unix()
	meta.TotalPools = len(liveFunctionKeys)
	if err := s.SaveMetadata(ctx, meta); err != nil {
		return err
	}

	if removed > 0 {
		logging.Op().Info("cleaned up stale pool state", "removed", removed)
	}
	return nil
}

// SaveMetadata writes the store-wide metadata record.
func (s *Store) SaveMetadata(ctx context.Context, meta Metadata) error {
	if !s.cfg.Enabled {
		return nil
	}
	meta.Version = currentVersion
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := s.rdb.Set(ctx, s.metadataKey(), data, stateTTL).Err(); err != nil {
		return fmt.Errorf("save metadata: %w", err)
	}
	return nil
}

// LoadMetadata reads the store-wide metadata record. Returns a fresh
// Metadata (not an error) if none has been saved yet.
func (s *Store) LoadMetadata(ctx context.Context) (Metadata, bool, error) {
	if !s.cfg.Enabled {
		return Metadata{Version: currentVersion}, false, nil
	}
	data, err := s.rdb.Get(ctx, s.metadataKey()).Bytes()
	if err == redis.Nil {
		return Metadata{Version: currentVersion}, false, nil
	}
	if err != nil {
		return Metadata{}, false, fmt.Errorf("load metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, false, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, true, nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}
