package transport

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisRegistrarKey is the hash holding registrations.
const DefaultRedisRegistrarKey = "dpe:registrar"

// RedisRegistrar stores registrations as fields of a single Redis hash.
type RedisRegistrar struct {
	client *redis.Client
	key    string
}

// RedisRegistrarConfig configures the Redis registrar.
type RedisRegistrarConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisRegistrar connects to Redis and verifies the connection.
func NewRedisRegistrar(ctx context.Context, cfg RedisRegistrarConfig) (*RedisRegistrar, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisRegistrarWithClient(client, cfg.Key), nil
}

// NewRedisRegistrarWithClient wraps an existing client.
func NewRedisRegistrarWithClient(client *redis.Client, key string) *RedisRegistrar {
	if key == "" {
		key = DefaultRedisRegistrarKey
	}
	return &RedisRegistrar{client: client, key: key}
}

func (r *RedisRegistrar) Register(ctx context.Context, reg Registration) error {
	b, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	return r.client.HSet(ctx, r.key, reg.Name, b).Err()
}

func (r *RedisRegistrar) Deregister(ctx context.Context, name string) error {
	return r.client.HDel(ctx, r.key, name).Err()
}

func (r *RedisRegistrar) Discover(ctx context.Context, prefix string) ([]Registration, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}
	var out []Registration
	for name, raw := range all {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		var reg Registration
		if err := json.Unmarshal([]byte(raw), &reg); err != nil {
			continue
		}
		out = append(out, reg)
	}
	sortRegistrations(out)
	return out, nil
}

func (r *RedisRegistrar) Close() error {
	return r.client.Close()
}
