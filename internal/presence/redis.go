package presence

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the shared Redis connection.
type RedisOptions struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
	TLS         *tls.Config
}

// Dial opens a Redis client and verifies it with PING. It is used at boot,
// where a failure must stop the node from accepting connections.
func Dial(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		TLSConfig:   opts.TLS,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Address, err)
	}
	return client, nil
}

// RedisStore implements Store on Redis strings and lists.
type RedisStore struct {
	client redis.UniversalClient
	keys   Keys
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, keys Keys) *RedisStore {
	return &RedisStore{client: client, keys: keys.WithDefaults()}
}

func (s *RedisStore) RoomExists(ctx context.Context, room string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keys.flag(room)).Result()
	if err != nil {
		return false, storeErr("room exists", err)
	}
	return n > 0, nil
}

func (s *RedisStore) MarkRoomExists(ctx context.Context, room string) (bool, error) {
	created, err := s.client.SetNX(ctx, s.keys.flag(room), "1", 0).Result()
	if err != nil {
		return false, storeErr("mark room", err)
	}
	return created, nil
}

func (s *RedisStore) AppendRoomToGlobalList(ctx context.Context, room string) error {
	if err := s.client.RPush(ctx, s.keys.RoomList, room).Err(); err != nil {
		return storeErr("append room", err)
	}
	return nil
}

func (s *RedisStore) ListRooms(ctx context.Context) ([]string, error) {
	rooms, err := s.client.LRange(ctx, s.keys.RoomList, 0, -1).Result()
	if err != nil {
		return nil, storeErr("list rooms", err)
	}
	return rooms, nil
}

func (s *RedisStore) AppendRosterMember(ctx context.Context, room, identity string) error {
	if err := s.client.RPush(ctx, s.keys.roster(room), identity).Err(); err != nil {
		return storeErr("append roster", err)
	}
	return nil
}

func (s *RedisStore) ListRosterMembers(ctx context.Context, room string) ([]string, error) {
	members, err := s.client.LRange(ctx, s.keys.roster(room), 0, -1).Result()
	if err != nil {
		return nil, storeErr("list roster", err)
	}
	return members, nil
}
