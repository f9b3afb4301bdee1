package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/replikv/replikv/internal/logging"
)

// MinAPIKeyLength is the minimum accepted API key length.
const MinAPIKeyLength = 32

// ValidateAPIKey reports whether a configured key is usable.
func ValidateAPIKey(key string) bool {
	return len(key) >= MinAPIKeyLength && strings.TrimSpace(key) != ""
}

// APIKeyAuth guards the admin surface with API keys. The key is taken
// from X-API-Key or the Authorization header (with or without a Bearer
// prefix). When disabled it passes every request through.
func APIKeyAuth(logger *logging.Logger, apiKeys []string, enabled bool) fiber.Handler {
	if !enabled {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	valid := make(map[string]struct{}, len(apiKeys))
	for _, key := range apiKeys {
		if key == "" {
			continue
		}
		if !ValidateAPIKey(key) {
			logger.Warn("API key below minimum length, ignoring",
				"key_length", len(key),
				"min_required", MinAPIKeyLength,
				"key_prefix", maskAPIKey(key))
			continue
		}
		valid[key] = struct{}{}
	}
	if len(valid) == 0 && len(apiKeys) > 0 {
		logger.Error("no usable API keys configured, all admin requests will be rejected",
			"configured", len(apiKeys))
	}

	return func(c *fiber.Ctx) error {
		key := offeredKey(c)
		if key == "" {
			logger.Warn("API key missing",
				"path", c.Path(), "method", c.Method(), "ip", c.IP())
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "API key is required. Provide it via X-API-Key or Authorization header.",
			})
		}
		if _, ok := valid[key]; !ok {
			logger.Warn("invalid API key",
				"path", c.Path(), "method", c.Method(), "ip", c.IP(),
				"key_prefix", maskAPIKey(key))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid API key.",
			})
		}
		return c.Next()
	}
}

// offeredKey pulls the API key a request carries, if any.
func offeredKey(c *fiber.Ctx) string {
	if key := c.Get("X-API-Key"); key != "" {
		return key
	}
	auth := c.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return after
	}
	return auth
}

// maskAPIKey keeps only the first 4 characters for logging.
func maskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
