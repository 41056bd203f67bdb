package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisURL = "redis://localhost:6379"

// RedisGate is a Redis-backed permission store implementing Gate.
type RedisGate struct {
	client *redis.Client
}

// NewRedisGate constructs a Redis-backed permission gate.
func NewRedisGate(url string) (*RedisGate, error) {
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
	return &RedisGate{client: client}, nil
}

// Close closes the underlying Redis client.
func (g *RedisGate) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Grant adds permissions for an actor on an object.
func (g *RedisGate) Grant(ctx context.Context, actorID string, obj SecuredObject, perms ...Permission) error {
	if actorID == "" || obj == nil || len(perms) == 0 {
		return fmt.Errorf("actor, object and permissions required")
	}
	members := make([]interface{}, 0, len(perms))
	for _, p := range perms {
		members = append(members, string(p))
	}
	pipe := g.client.TxPipeline()
	pipe.SAdd(ctx, grantKey(obj, actorID), members...)
	pipe.SAdd(ctx, actorsKey(obj), actorID)
	_, err := pipe.Exec(ctx)
	return err
}

// Revoke removes permissions for an actor on an object.
func (g *RedisGate) Revoke(ctx context.Context, actorID string, obj SecuredObject, perms ...Permission) error {
	if actorID == "" || obj == nil || len(perms) == 0 {
		return fmt.Errorf("actor, object and permissions required")
	}
	members := make([]interface{}, 0, len(perms))
	for _, p := range perms {
		members = append(members, string(p))
	}
	return g.client.SRem(ctx, grantKey(obj, actorID), members...).Err()
}

// DeleteAllForObject removes every grant attached to an object.
func (g *RedisGate) DeleteAllForObject(ctx context.Context, obj SecuredObject) error {
	if obj == nil {
		return fmt.Errorf("object required")
	}
	actorIDs, err := g.client.SMembers(ctx, actorsKey(obj)).Result()
	if err != nil {
		return err
	}
	pipe := g.client.TxPipeline()
	for _, actorID := range actorIDs {
		pipe.Del(ctx, grantKey(obj, actorID))
	}
	pipe.Del(ctx, actorsKey(obj))
	_, err = pipe.Exec(ctx)
	return err
}

// IsAllowed reports whether the actor holds perm on the object.
func (g *RedisGate) IsAllowed(ctx context.Context, actor Actor, obj SecuredObject, perm Permission) (bool, error) {
	if actor.Admin {
		return true, nil
	}
	return g.client.SIsMember(ctx, grantKey(obj, actor.ID), string(perm)).Result()
}

// CheckAllowed returns a *PermissionDeniedError when the check fails.
func (g *RedisGate) CheckAllowed(ctx context.Context, actor Actor, obj SecuredObject, perm Permission) error {
	ok, err := g.IsAllowed(ctx, actor, obj, perm)
	if err != nil {
		return err
	}
	if !ok {
		return &PermissionDeniedError{
			Actor:      actor.ID,
			ObjectType: obj.SecuredObjectType(),
			ObjectID:   obj.SecuredObjectID(),
			Permission: perm,
		}
	}
	return nil
}

// FilterAllowed drops denied objects, keeping input order.
func (g *RedisGate) FilterAllowed(ctx context.Context, actor Actor, objs []SecuredObject, perm Permission) ([]SecuredObject, error) {
	result, err := g.MassCheck(ctx, actor, objs, perm)
	if err != nil {
		return nil, err
	}
	return result.Granted, nil
}

// MassCheck partitions objs into granted and denied, preserving input order.
func (g *RedisGate) MassCheck(ctx context.Context, actor Actor, objs []SecuredObject, perm Permission) (BatchResult, error) {
	result := BatchResult{}
	if len(objs) == 0 {
		return result, nil
	}
	if actor.Admin {
		result.Granted = append(result.Granted, objs...)
		return result, nil
	}
	pipe := g.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(objs))
	for i, obj := range objs {
		cmds[i] = pipe.SIsMember(ctx, grantKey(obj, actor.ID), string(perm))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return BatchResult{}, err
	}
	for i, cmd := range cmds {
		ok, err := cmd.Result()
		if err != nil {
			return BatchResult{}, err
		}
		if ok {
			result.Granted = append(result.Granted, objs[i])
		} else {
			result.Denied = append(result.Denied, objs[i])
		}
	}
	return result, nil
}

func grantKey(obj SecuredObject, actorID string) string {
	return "acl:" + string(obj.SecuredObjectType()) + ":" + obj.SecuredObjectID() + ":" + actorID
}

func actorsKey(obj SecuredObject) string {
	return "acl:actors:" + string(obj.SecuredObjectType()) + ":" + obj.SecuredObjectID()
}
