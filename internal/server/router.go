package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/Plannorium/curenium-sub004/internal/config"
	"github.com/Plannorium/curenium-sub004/internal/metrics"
	"github.com/Plannorium/curenium-sub004/internal/mw"
	"github.com/Plannorium/curenium-sub004/internal/notify"
	"github.com/Plannorium/curenium-sub004/internal/room"
	"github.com/Plannorium/curenium-sub004/internal/store"
)

// SetupRouter 统一初始化中间件、实时端点与内部 API。
func SetupRouter(cfg config.Config, logs store.Log, reg *room.Registry) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS())
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/stats", func(c *gin.Context) {
		rooms, sessions := reg.Stats()
		c.JSON(http.StatusOK, gin.H{"rooms": rooms, "sessions": sessions})
	})

	r.GET("/ws", room.Serve(reg))

	notifier := notify.New(reg.GetPinned(notify.RoomName), cfg.IngestSecretHash)

	api := r.Group("/api/v1")
	api.POST("/notify", notifier.Ingest)
	api.GET("/rooms/:name/messages", listMessages(logs))

	return r
}
