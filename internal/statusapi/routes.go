package statusapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opine/edgesync/internal/statusapi/middleware"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func SetupRoutes(source SnapshotSource, token string) http.Handler {
	r := gin.New()

	rateLimiter := limiter.New(memory.NewStore(), limiter.Rate{
		Period: 1 * time.Second,
		Limit:  10,
	})

	statusH := NewStatusHandler(source)

	r.Use(middleware.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.Secure())
	r.Use(middleware.CORS())
	r.Use(middleware.Gzip())
	r.Use(mgin.NewMiddleware(rateLimiter))

	r.GET("/healthz", statusH.Health)

	v1 := r.Group("/v1")
	v1.Use(middleware.TokenAuth(middleware.TokenAuthConfig{Token: token}))
	{
		v1.GET("/status", statusH.Status)
	}

	return r.Handler()
}
