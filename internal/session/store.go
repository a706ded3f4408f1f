package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// Status values mirror the chat view lifecycle.
	StatusIdle    = "idle"
	StatusLoading = "loading"
	StatusReady   = "ready"
)

// Session is a connection's state as stored in Redis.
type Session struct {
	ID             string `redis:"id"`
	UserID         string `redis:"user_id"`
	Status         string `redis:"status"`          // idle | loading | ready
	ConversationID string `redis:"conversation_id"` // empty unless ready
	Server         string `redis:"server"`          // which WS server instance
	CreatedAt      int64  `redis:"created_at"`      // unix timestamp
	LastActive     int64  `redis:"last_active"`     // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a session store over an established Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

func key(sessionID string) string {
	return SessionPrefix + sessionID
}

// Create stores a new idle session for userID with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	now := time.Now().Unix()

	fields := map[string]interface{}{
		"id":              sessionID,
		"user_id":         userID,
		"status":          StatusIdle,
		"conversation_id": "",
		"server":          s.serverName,
		"created_at":      now,
		"last_active":     now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID), fields)
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, key(sessionID)).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// SetStatus records the chat view state and refreshes the TTL. The
// conversation is cleared unless the status is ready.
func (s *Store) SetStatus(ctx context.Context, sessionID, status, conversationID string) error {
	if status != StatusReady {
		conversationID = ""
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID),
		"status", status,
		"conversation_id", conversationID,
		"last_active", time.Now().Unix(),
	)
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set status %s: %w", sessionID, err)
	}
	return nil
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, key(sessionID)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
