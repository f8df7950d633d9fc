package selection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/itsacoffee/aura-orchestrator/pkg/models"
)

// RedisStore keeps selections in one hash so every orchestrator instance
// resolves against the same set. Fields are SelectionKey strings, values JSON.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore creates a RedisStore under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aura"
	}
	return &RedisStore{client: client, key: prefix + ":selections"}
}

// Put implements Store.
func (r *RedisStore) Put(ctx context.Context, sel models.ModelSelection) error {
	data, err := json.Marshal(sel)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, sel.Key().String(), data).Err(); err != nil {
		return fmt.Errorf("put selection: %w", err)
	}
	return nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, key models.SelectionKey) (bool, error) {
	n, err := r.client.HDel(ctx, r.key, key.String()).Result()
	if err != nil {
		return false, fmt.Errorf("delete selection: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) all(ctx context.Context) (map[string]models.ModelSelection, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list selections: %w", err)
	}
	out := make(map[string]models.ModelSelection, len(raw))
	for field, v := range raw {
		var sel models.ModelSelection
		if err := json.Unmarshal([]byte(v), &sel); err != nil {
			return nil, fmt.Errorf("decode selection %s: %w", field, err)
		}
		out[field] = sel
	}
	return out, nil
}

// List implements Store.
func (r *RedisStore) List(ctx context.Context, sessionID string) ([]models.ModelSelection, error) {
	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.ModelSelection, 0, len(all))
	for _, sel := range all {
		if visible(sel, sessionID) {
			out = append(out, sel)
		}
	}
	Sort(out)
	return out, nil
}

// ClearSession implements Store.
func (r *RedisStore) ClearSession(ctx context.Context, sessionID string) (int, error) {
	all, err := r.all(ctx)
	if err != nil {
		return 0, err
	}
	var fields []string
	for field, sel := range all {
		if sel.Scope.RunScoped() && sel.SessionID == sessionID {
			fields = append(fields, field)
		}
	}
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := r.client.HDel(ctx, r.key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("clear session selections: %w", err)
	}
	return int(n), nil
}

// Close is a no-op; the client is owned by the caller.
func (r *RedisStore) Close() error { return nil }
