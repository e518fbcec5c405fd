package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tillgate/tillgate/internal/identity"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimit caps each client IP at limit requests per window. It guards
// the public edge, so a rejection answers in the same error envelope the
// handlers use. A non-positive limit disables the cap, which the dev
// environment relies on.
func RateLimit(limit int64, window time.Duration) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          "tillgate",
		CleanUpInterval: time.Minute,
	})
	instance := limiter.New(store, limiter.Rate{
		Period: window,
		Limit:  limit,
	})

	return mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		abortWithCode(c, http.StatusTooManyRequests, identity.CodeRateLimited, "too many requests")
	}))
}
