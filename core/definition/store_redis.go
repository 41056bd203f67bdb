package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379"

// nextVersionScript atomically reserves the next version number for a name
// by registering the deployment id in the version index.
const nextVersionScript = `
local top = redis.call('ZREVRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local maxv = 0
if top[2] then maxv = tonumber(top[2]) end
local v = maxv + 1
redis.call('ZADD', KEYS[1], v, ARGV[1])
return v
`

// RedisStore persists deployment records in Redis, one JSON document per
// deployment with a per-name version index.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed version store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Create persists a new deployment, assigning the next version for its name.
// Version 1 is assigned for a fresh name.
func (s *RedisStore) Create(ctx context.Context, dep *Deployment) error {
	if dep == nil || dep.ID == "" || dep.Name == "" {
		return fmt.Errorf("deployment id and name required")
	}
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = time.Now().UTC()
	}
	version, err := s.client.Eval(ctx, nextVersionScript, []string{versionsKey(dep.Name)}, dep.ID).Int64()
	if err != nil {
		return fmt.Errorf("allocate version: %w", err)
	}
	dep.Version = version

	payload, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, deploymentKey(dep.ID), payload, 0)
	pipe.SAdd(ctx, namesKey(), dep.Name)
	pipe.ZAdd(ctx, allIndexKey(), redis.Z{Score: float64(dep.CreatedAt.Unix()), Member: dep.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll the reservation back so the next create reuses the number.
		_ = s.client.ZRem(ctx, versionsKey(dep.Name), dep.ID).Err()
		return err
	}
	return nil
}

// Update overwrites an existing deployment document. The version is never
// changed by an update.
func (s *RedisStore) Update(ctx context.Context, dep *Deployment) error {
	if dep == nil || dep.ID == "" {
		return fmt.Errorf("deployment id required")
	}
	if _, err := s.Get(ctx, dep.ID); err != nil {
		return err
	}
	payload, err := json.Marshal(dep)
	if err != nil {
		return fmt.Errorf("marshal deployment: %w", err)
	}
	return s.client.Set(ctx, deploymentKey(dep.ID), payload, 0).Err()
}

// Get fetches a deployment by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*Deployment, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := s.client.Get(ctx, deploymentKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	var dep Deployment
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("unmarshal deployment: %w", err)
	}
	return &dep, nil
}

// FindByNameVersion returns the deployment for an exact (name, version) pair.
func (s *RedisStore) FindByNameVersion(ctx context.Context, name string, version int64) (*Deployment, error) {
	if name == "" || version <= 0 {
		return nil, fmt.Errorf("name and positive version required")
	}
	score := fmt.Sprintf("%d", version)
	ids, err := s.client.ZRangeByScore(ctx, versionsKey(name), &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		dep, err := s.Get(ctx, id)
		if err == nil {
			return dep, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("definition %s version %d: %w", name, version, ErrNotFound)
}

// FindLatest returns the highest-version deployment for a name.
func (s *RedisStore) FindLatest(ctx context.Context, name string) (*Deployment, error) {
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	ids, err := s.client.ZRevRange(ctx, versionsKey(name), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		dep, err := s.Get(ctx, id)
		if err == nil {
			return dep, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("definition %s: %w", name, ErrNotFound)
}

// ListVersions returns every deployment of a name ordered oldest to newest.
// Dangling index entries are skipped.
func (s *RedisStore) ListVersions(ctx context.Context, name string) ([]*Deployment, error) {
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	ids, err := s.client.ZRange(ctx, versionsKey(name), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Deployment, 0, len(ids))
	for _, id := range ids {
		dep, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, dep)
	}
	return out, nil
}

// Names returns all known definition names, sorted.
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a deployment and its index entries. The name is dropped
// from the name set when its last version goes away.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	dep, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, deploymentKey(id))
	pipe.ZRem(ctx, versionsKey(dep.Name), id)
	pipe.ZRem(ctx, allIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	remaining, err := s.client.ZCard(ctx, versionsKey(dep.Name)).Result()
	if err != nil {
		return err
	}
	if remaining == 0 {
		return s.client.SRem(ctx, namesKey(), dep.Name).Err()
	}
	return nil
}

// Query returns the ids of the latest deployment of each allowed name,
// filtered, sorted and paged per the presentation. Only identity is loaded.
func (s *RedisStore) Query(ctx context.Context, p Presentation, allowedNames []string) ([]string, error) {
	deployments, err := s.queryLatest(ctx, p, allowedNames)
	if err != nil {
		return nil, err
	}
	deployments = pagePresentation(deployments, p)
	ids := make([]string, 0, len(deployments))
	for _, dep := range deployments {
		ids = append(ids, dep.ID)
	}
	return ids, nil
}

// Count returns the number of definitions matching the presentation filters
// within the allowed-name set, ignoring paging.
func (s *RedisStore) Count(ctx context.Context, p Presentation, allowedNames []string) (int, error) {
	deployments, err := s.queryLatest(ctx, p, allowedNames)
	if err != nil {
		return 0, err
	}
	return len(deployments), nil
}

func (s *RedisStore) queryLatest(ctx context.Context, p Presentation, allowedNames []string) ([]*Deployment, error) {
	out := make([]*Deployment, 0, len(allowedNames))
	for _, name := range allowedNames {
		dep, err := s.FindLatest(ctx, name)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !matchPresentation(dep, p) {
			continue
		}
		out = append(out, dep)
	}
	sortPresentation(out, p)
	return out, nil
}

func matchPresentation(dep *Deployment, p Presentation) bool {
	if p.NameFilter != "" && !strings.Contains(strings.ToLower(dep.Name), strings.ToLower(p.NameFilter)) {
		return false
	}
	if p.Category != "" {
		found := false
		for _, c := range dep.Categories {
			if c == p.Category {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func sortPresentation(deployments []*Deployment, p Presentation) {
	less := func(a, b *Deployment) bool { return a.Name < b.Name }
	switch p.SortField {
	case "version":
		less = func(a, b *Deployment) bool { return a.Version < b.Version }
	case "created_at":
		less = func(a, b *Deployment) bool { return a.CreatedAt.Before(b.CreatedAt) }
	}
	sort.SliceStable(deployments, func(i, j int) bool {
		if p.Descending {
			return less(deployments[j], deployments[i])
		}
		return less(deployments[i], deployments[j])
	})
}

func pagePresentation(deployments []*Deployment, p Presentation) []*Deployment {
	if p.PageSize <= 0 {
		return deployments
	}
	start := p.Page * p.PageSize
	if start >= len(deployments) {
		return nil
	}
	end := start + p.PageSize
	if end > len(deployments) {
		end = len(deployments)
	}
	return deployments[start:end]
}

func deploymentKey(id string) string {
	return "def:deployment:" + id
}

func versionsKey(name string) string {
	return "def:versions:" + name
}

func namesKey() string {
	return "def:names"
}

func allIndexKey() string {
	return "def:index:all"
}
