package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	auditMaxEntries = 1000
)

// ErrNotFound is returned for unknown instance ids.
var ErrNotFound = errors.New("process instance not found")

// RedisStore persists process instances and subprocess links in Redis.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed process instance store.
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

// Save upserts an instance, maintains definition indexes and the subprocess
// link when the instance has a parent.
func (s *RedisStore) Save(ctx context.Context, inst *ProcessInstance) error {
	if inst == nil || inst.ID == "" || inst.DefinitionName == "" {
		return fmt.Errorf("instance id and definition name required")
	}
	if inst.StartedAt.IsZero() {
		inst.StartedAt = time.Now().UTC()
	}
	if inst.Status == "" {
		inst.Status = InstanceStatusActive
	}
	payload, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, instanceKey(inst.ID), payload, 0)
	pipe.SAdd(ctx, byVersionKey(inst.DefinitionName, inst.DefinitionVersion), inst.ID)
	pipe.SAdd(ctx, byNameKey(inst.DefinitionName), inst.ID)
	if inst.ParentID != "" {
		pipe.Set(ctx, subLinkKey(inst.ID), inst.ParentID, 0)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Get fetches an instance by id.
func (s *RedisStore) Get(ctx context.Context, id string) (*ProcessInstance, error) {
	if id == "" {
		return nil, fmt.Errorf("id required")
	}
	data, err := s.client.Get(ctx, instanceKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var inst ProcessInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	return &inst, nil
}

// ListByDefinition returns instances of a definition. Version 0 matches every
// version.
func (s *RedisStore) ListByDefinition(ctx context.Context, name string, version int64) ([]*ProcessInstance, error) {
	if name == "" {
		return nil, fmt.Errorf("definition name required")
	}
	index := byNameKey(name)
	if version > 0 {
		index = byVersionKey(name, version)
	}
	ids, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ProcessInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// FindParentBySubprocess returns the parent instance referencing processID as
// a subprocess, or nil when none exists. Dangling links to already deleted
// parents are cleaned up and reported as no parent.
func (s *RedisStore) FindParentBySubprocess(ctx context.Context, processID string) (*ProcessInstance, error) {
	if processID == "" {
		return nil, fmt.Errorf("process id required")
	}
	parentID, err := s.client.Get(ctx, subLinkKey(processID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	parent, err := s.Get(ctx, parentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_ = s.client.Del(ctx, subLinkKey(processID)).Err()
			return nil, nil
		}
		return nil, err
	}
	return parent, nil
}

// Delete removes an instance, its indexes, link and audit trail.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, instanceKey(id))
	pipe.SRem(ctx, byVersionKey(inst.DefinitionName, inst.DefinitionVersion), id)
	pipe.SRem(ctx, byNameKey(inst.DefinitionName), id)
	pipe.Del(ctx, subLinkKey(id))
	pipe.Del(ctx, auditKey(id))
	_, err = pipe.Exec(ctx)
	return err
}

// AppendAudit records an audit entry for an instance in append-only order.
func (s *RedisStore) AppendAudit(ctx context.Context, instanceID string, entry *AuditEntry) error {
	if instanceID == "" {
		return fmt.Errorf("instance id required")
	}
	if entry == nil {
		return fmt.Errorf("entry required")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, auditKey(instanceID), data)
	pipe.LTrim(ctx, auditKey(instanceID), -auditMaxEntries, -1)
	_, err = pipe.Exec(ctx)
	return err
}

// ListAudit returns audit entries for an instance in chronological order.
func (s *RedisStore) ListAudit(ctx context.Context, instanceID string, limit int64) ([]AuditEntry, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id required")
	}
	if limit <= 0 {
		limit = 100
	}
	raw, err := s.client.LRange(ctx, auditKey(instanceID), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntry, 0, len(raw))
	for _, item := range raw {
		var entry AuditEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func instanceKey(id string) string {
	return "proc:instance:" + id
}

func byVersionKey(name string, version int64) string {
	return fmt.Sprintf("proc:bydef:%s:%d", name, version)
}

func byNameKey(name string) string {
	return "proc:byname:" + name
}

func subLinkKey(processID string) string {
	return "proc:sub:" + processID
}

func auditKey(instanceID string) string {
	return "proc:audit:" + instanceID
}
