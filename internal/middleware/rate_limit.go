package middleware

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

const rateLimitPrefix = "rl:verify:"

// VerifyRateLimit limits verification calls per phone number, verification
// token or client IP, whichever the request identifies first. Counters live
// in Redis when a client is given and in process memory otherwise.
func VerifyRateLimit(cache *redis.Client, maxPerMin int) fiber.Handler {
	if maxPerMin <= 0 {
		maxPerMin = 10
	}
	local := newLocalLimiter(maxPerMin)

	return func(c *fiber.Ctx) error {
		key := rateLimitKey(c)
		if cache == nil {
			if !local.allow(key) {
				return tooManyRequests()
			}
			return c.Next()
		}

		redisKey := rateLimitPrefix + key
		cnt, err := cache.Incr(c.UserContext(), redisKey).Result()
		if err != nil {
			return c.Next() // fail-open on cache errors
		}
		if cnt == 1 {
			cache.Expire(c.UserContext(), redisKey, time.Minute)
		}
		if cnt > int64(maxPerMin) {
			return tooManyRequests()
		}
		return c.Next()
	}
}

func rateLimitKey(c *fiber.Ctx) string {
	var req struct {
		Phone string `json:"phone_number"`
		Token string `json:"verification_token"`
	}
	_ = c.BodyParser(&req)
	if phone := strings.TrimSpace(req.Phone); phone != "" {
		return "phone:" + phone
	}
	if token := strings.TrimSpace(req.Token); token != "" {
		return "token:" + token
	}
	return "ip:" + c.IP()
}

func tooManyRequests() error {
	return fiber.NewError(http.StatusTooManyRequests, "too many verification attempts, try again later")
}

// localLimiter keeps one token bucket per key refilling maxPerMin per minute.
type localLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*limiterEntry
	lastGC   time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLocalLimiter(perMin int) *localLimiter {
	return &localLimiter{perMin: perMin, limiters: make(map[string]*limiterEntry), lastGC: time.Now()}
}

func (l *localLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastGC) > time.Minute {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > time.Minute {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}
