package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ClientPrefix is the Redis key prefix for client status hashes.
	ClientPrefix = "client:"

	// ClientTTL is the time-to-live for client keys in Redis.
	ClientTTL = 1 * time.Hour

	// Status values mirror the transport connection state.
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

// Status is the client record stored in Redis.
type Status struct {
	Username   string `redis:"username"`
	Status     string `redis:"status"`      // disconnected | connecting | connected
	Server     string `redis:"server"`      // backend URL the client talks to
	Unread     int    `redis:"unread"`      // total unread private messages
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages client status records in Redis.
type Store struct {
	client *redis.Client
	server string
}

// NewStore creates a Store connected to Redis at redisAddr. server names the
// backend the client is connected to.
func NewStore(redisAddr string, server string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return NewStoreWithClient(client, server), nil
}

// NewStoreWithClient wraps an existing Redis client.
func NewStoreWithClient(client *redis.Client, server string) *Store {
	return &Store{client: client, server: server}
}

func key(username string) string {
	return ClientPrefix + username
}

// Register creates the record for username with disconnected status.
func (s *Store) Register(ctx context.Context, username string) error {
	now := time.Now().Unix()
	record := map[string]interface{}{
		"username":    username,
		"status":      StatusDisconnected,
		"server":      s.server,
		"unread":      0,
		"created_at":  now,
		"last_active": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(username), record)
	pipe.Expire(ctx, key(username), ClientTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: register %s: %w", username, err)
	}
	return nil
}

// Get returns the record for username, or nil if there is none.
func (s *Store) Get(ctx context.Context, username string) (*Status, error) {
	var st Status
	if err := s.client.HGetAll(ctx, key(username)).Scan(&st); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", username, err)
	}
	if st.Username == "" {
		return nil, nil
	}
	return &st, nil
}

// UpdateStatus sets the connection status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, username string, status string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(username), "status", status, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(username), ClientTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: update status %s: %w", username, err)
	}
	return nil
}

// SetUnread records the total unread private message count.
func (s *Store) SetUnread(ctx context.Context, username string, unread int) error {
	if err := s.client.HSet(ctx, key(username), "unread", unread, "last_active", time.Now().Unix()).Err(); err != nil {
		return fmt.Errorf("session: set unread %s: %w", username, err)
	}
	return nil
}

// Delete removes the record.
func (s *Store) Delete(ctx context.Context, username string) error {
	return s.client.Del(ctx, key(username)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
