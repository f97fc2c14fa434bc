package middleware

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"mailpulse/config"
	"mailpulse/utils"
)

// TrackingRateLimiter bounds pixel and click hits per client address so a
// scanner hammering one link cannot flood reconciliation.
func TrackingRateLimiter(storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AppConfig.RateLimitTracking,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return utils.GenerateRateLimitKey("track", c.IP(), c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			utils.LogEvent("rate_limit_hit", map[string]interface{}{
				"scope":    "tracking",
				"endpoint": c.Path(),
				"ip":       c.IP(),
			})
			// Tracking responses must stay invisible to the mail client.
			if c.Query("url") != "" {
				return c.Redirect(utils.RedirectTarget(c.Query("url")), fiber.StatusFound)
			}
			utils.SetPixelHeaders(c)
			return c.Type("gif").Send(utils.TransparentPixel())
		},
		Storage: storage,
	})
}

// SendRateLimiter bounds outbound sends per user.
func SendRateLimiter(storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.AppConfig.RateLimitSend,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			var subject interface{} = c.IP()
			if user := CurrentUser(c); user != nil {
				subject = user.ID
			}
			return utils.GenerateRateLimitKey("send", subject, c.Path())
		},
		LimitReached: func(c *fiber.Ctx) error {
			fields := map[string]interface{}{
				"scope":      "send",
				"endpoint":   c.Path(),
				"ip":         c.IP(),
				"user_agent": c.Get("User-Agent"),
			}
			if user := CurrentUser(c); user != nil {
				fields["user_id"] = user.ID
			}
			utils.LogEvent("rate_limit_hit", fields)

			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many send requests. Please wait before sending again.",
				"retry_after": "1 minute",
			})
		},
		Storage: storage,
	})
}

// NewRateLimitStorage returns Redis-backed limiter storage when Redis is
// enabled, or nil for the limiter's in-memory default.
func NewRateLimitStorage(client *redis.Client) fiber.Storage {
	if client == nil {
		return nil
	}
	return &RedisStorage{client: client}
}

// RedisStorage implements fiber.Storage for Redis
type RedisStorage struct {
	client *redis.Client
}

// NewRedisClient builds the client shared by rate limiting and live-update
// fan-out.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (r *RedisStorage) Get(key string) ([]byte, error) {
	val, err := r.client.Get(context.Background(), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return val, err
}

func (r *RedisStorage) Set(key string, val []byte, exp time.Duration) error {
	return r.client.Set(context.Background(), key, val, exp).Err()
}

func (r *RedisStorage) Delete(key string) error {
	return r.client.Del(context.Background(), key).Err()
}

func (r *RedisStorage) Reset() error {
	return r.client.FlushDB(context.Background()).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
