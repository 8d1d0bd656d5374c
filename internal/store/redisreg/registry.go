// Package redisreg keeps the connection registry in Redis so several relay
// processes can share one view of live connections. Entries carry the node id
// of the process holding the socket; only that process pushes to or prunes them.
package redisreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vovakirdan/wirechat-relay/internal/store"
)

const keyPrefix = "relay:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Registry implements store.ConnectionStore.
//
//	relay:conn:{id}          hash {group_id, user_id, node_id, connected_at}
//	relay:group:{id}:conns   set of connection ids
type Registry struct {
	rdb *redis.Client
}

// New connects to redis and verifies connectivity.
func New(ctx context.Context, opts Options) (*Registry, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Registry{rdb: rdb}, nil
}

// Close shuts down the redis connection.
func (r *Registry) Close() error { return r.rdb.Close() }

func connKey(id string) string { return keyPrefix + "conn:" + id }

func groupKey(groupID string) string { return keyPrefix + "group:" + groupID + ":conns" }

// PutConnection writes the hash and index entry in one MULTI block.
func (r *Registry) PutConnection(ctx context.Context, conn *store.Connection) error {
	prevGroup, err := r.rdb.HGet(ctx, connKey(conn.ID), "group_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("get connection: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prevGroup != "" && prevGroup != conn.GroupID {
			pipe.SRem(ctx, groupKey(prevGroup), conn.ID)
		}
		pipe.HSet(ctx, connKey(conn.ID), map[string]any{
			"group_id":     conn.GroupID,
			"user_id":      conn.UserID,
			"node_id":      conn.NodeID,
			"connected_at": conn.ConnectedAt.UTC().Format(time.RFC3339Nano),
		})
		pipe.SAdd(ctx, groupKey(conn.GroupID), conn.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put connection: %w", err)
	}
	return nil
}

// DeleteConnection removes the hash and its index entry. Missing entries are ignored.
func (r *Registry) DeleteConnection(ctx context.Context, id string) error {
	groupID, err := r.rdb.HGet(ctx, connKey(id), "group_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get connection: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, connKey(id))
		pipe.SRem(ctx, groupKey(groupID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// ListConnectionsByGroup resolves the group's index with one pipelined round trip.
// Index entries whose hash has vanished are dropped from the set.
func (r *Registry) ListConnectionsByGroup(ctx context.Context, groupID string) ([]*store.Connection, error) {
	ids, err := r.rdb.SMembers(ctx, groupKey(groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list group connections: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, connKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read connections: %w", err)
	}

	var conns []*store.Connection
	var orphans []string
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 || fields["group_id"] != groupID {
			orphans = append(orphans, ids[i])
			continue
		}
		conn := &store.Connection{
			ID:      ids[i],
			GroupID: groupID,
			UserID:  fields["user_id"],
			NodeID:  fields["node_id"],
		}
		if ts, err := time.Parse(time.RFC3339Nano, fields["connected_at"]); err == nil {
			conn.ConnectedAt = ts
		}
		conns = append(conns, conn)
	}

	if len(orphans) > 0 {
		// Best effort; a failure leaves the orphans for the next query.
		_, _ = r.pruneOrphans(ctx, groupID, orphans)
	}

	return conns, nil
}

// pruneOrphansScript removes index entries whose hash is gone or belongs to
// another group. The check runs inside Redis so a concurrent PutConnection
// that re-adds an id is never undone.
//
//	KEYS[1]   group index set
//	KEYS[2..] connection hashes, aligned with ARGV[2..]
//	ARGV[1]   group id
var pruneOrphansScript = redis.NewScript(`
local removed = 0
for i = 2, #KEYS do
	local group = redis.call('HGET', KEYS[i], 'group_id')
	if group ~= ARGV[1] then
		removed = removed + redis.call('SREM', KEYS[1], ARGV[i])
	end
end
return removed
`)

func (r *Registry) pruneOrphans(ctx context.Context, groupID string, ids []string) (int64, error) {
	keys := make([]string, 0, len(ids)+1)
	args := make([]any, 0, len(ids)+1)
	keys = append(keys, groupKey(groupID))
	args = append(args, groupID)
	for _, id := range ids {
		keys = append(keys, connKey(id))
		args = append(args, id)
	}
	n, err := pruneOrphansScript.Run(ctx, r.rdb, keys, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("prune orphans: %w", err)
	}
	return n, nil
}
