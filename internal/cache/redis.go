package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Lllllllleong/credentialvault/internal/apperr"
	"github.com/Lllllllleong/credentialvault/internal/models"
)

// Client keeps short-lived authentication state: pending OTP challenges and
// revoked session ids.
type Client struct {
	client *redis.Client
}

func NewClient(ctx context.Context, addr, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Redis client initialized.", "addr", addr)
	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func challengeKey(id string) string { return fmt.Sprintf("otp:%s", id) }
func attemptsKey(id string) string  { return fmt.Sprintf("otp:%s:attempts", id) }
func revokedKey(id string) string   { return fmt.Sprintf("revoked:%s", id) }

// SaveChallenge stores ch until it expires.
func (c *Client) SaveChallenge(ctx context.Context, ch *models.OTPChallenge) error {
	ttl := time.Until(ch.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge %s already expired", ch.VerificationID)
	}
	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := c.client.Set(ctx, challengeKey(ch.VerificationID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}
	return nil
}

// GetChallenge returns ErrNotFound once the challenge expired or was consumed.
func (c *Client) GetChallenge(ctx context.Context, id string) (*models.OTPChallenge, error) {
	data, err := c.client.Get(ctx, challengeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("challenge %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	var ch models.OTPChallenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	return &ch, nil
}

// IncrementAttempts counts a wrong guess and returns the running total.
func (c *Client) IncrementAttempts(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, attemptsKey(id))
	pipe.Expire(ctx, attemptsKey(id), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count challenge attempt: %w", err)
	}
	return incr.Val(), nil
}

// DeleteChallenge consumes a challenge.
func (c *Client) DeleteChallenge(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, challengeKey(id), attemptsKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// Revoke remembers tokenID until the token would have expired anyway.
func (c *Client) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, revokedKey(tokenID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store revocation: %w", err)
	}
	return nil
}

func (c *Client) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := c.client.Exists(ctx, revokedKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
