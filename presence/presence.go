// Package presence maintains the cluster-wide user → node mapping in Redis.
//
// Each user gets one independent, namespaced key (e.g. "online_users:1001")
// holding the owning node's id, with a TTL. An independent key per user is
// what makes native per-user TTL expiry possible; a field inside one shared
// hash could not expire on its own. A record exists exactly while the
// cluster believes the user is online: absence means offline, and TTL expiry
// doubles as crash recovery with no explicit cleanup.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Store is the presence client. All operations are single network round
// trips against the shared Redis instance.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore creates a presence store using the given key prefix and record
// TTL.
func NewStore(client *redis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store) key(userID int64) string {
	return s.prefix + strconv.FormatInt(userID, 10)
}

// SetOnline records that userID is connected to nodeID. SET with EX is one
// atomic command; there is never a window where the key exists without a
// TTL.
func (s *Store) SetOnline(ctx context.Context, userID int64, nodeID string) error {
	if err := s.client.Set(ctx, s.key(userID), nodeID, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence set online %d: %w", userID, err)
	}
	return nil
}

// SetOffline deletes the user's record. Deleting an absent key is a no-op,
// so the call is idempotent.
func (s *Store) SetOffline(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("presence set offline %d: %w", userID, err)
	}
	return nil
}

// GetStatus returns the node currently holding the user's connection, or
// ok=false if no record exists.
func (s *Store) GetStatus(ctx context.Context, userID int64) (nodeID string, ok bool, err error) {
	val, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence get status %d: %w", userID, err)
	}
	return val, true, nil
}

// BatchGetStatus resolves presence for many users in a single MGET round
// trip; users with no record are simply absent from the result. Group
// fan-out depends on this staying one round trip regardless of group size.
func (s *Store) BatchGetStatus(ctx context.Context, userIDs []int64) (map[int64]string, error) {
	online := make(map[int64]string, len(userIDs))
	if len(userIDs) == 0 {
		return online, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = s.key(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence batch get: %w", err)
	}

	// MGET replies positionally; nil marks an absent (offline) user.
	for i, v := range vals {
		if node, isStr := v.(string); isStr {
			online[userIDs[i]] = node
		}
	}
	return online, nil
}

// RefreshTTL extends the user's record by the configured TTL. It returns
// refreshed=false (with no error) when the record has already expired; the
// caller logs that as a staleness condition rather than escalating.
func (s *Store) RefreshTTL(ctx context.Context, userID int64) (refreshed bool, err error) {
	set, err := s.client.Expire(ctx, s.key(userID), s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("presence refresh ttl %d: %w", userID, err)
	}
	return set, nil
}
