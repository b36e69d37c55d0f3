// Package authz answers whether a user may edit a trip.
package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

type Checker interface {
	CanEdit(ctx context.Context, userID, tripID string) (bool, error)
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, userID, tripID string) (bool, error)

func (f CheckerFunc) CanEdit(ctx context.Context, userID, tripID string) (bool, error) {
	return f(ctx, userID, tripID)
}

// AllowAll lets every authenticated user edit every trip.
type AllowAll struct{}

func (AllowAll) CanEdit(context.Context, string, string) (bool, error) { return true, nil }

// RedisChecker looks the user up in the trip's editor set,
// "<prefix>trip:<tripID>:editors", maintained by the trip application.
type RedisChecker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

var _ Checker = (*RedisChecker)(nil)

func NewRedisChecker(logger *slog.Logger, client *redis.Client, keyPrefix string) *RedisChecker {
	return &RedisChecker{
		client: client,
		prefix: keyPrefix,
		logger: logger.With(slog.String("component", "authz_redis")),
	}
}

func (c *RedisChecker) CanEdit(ctx context.Context, userID, tripID string) (bool, error) {
	key := c.editorsKey(tripID)
	ok, err := c.client.SIsMember(ctx, key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check editors of trip '%s': %w", tripID, err)
	}
	c.logger.Debug("Authorization checked", slog.String("key", key), slog.String("userID", userID), slog.Bool("allowed", ok))
	return ok, nil
}

func (c *RedisChecker) editorsKey(tripID string) string {
	return c.prefix + "trip:" + tripID + ":editors"
}
