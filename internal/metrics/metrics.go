package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "room_ws_connections",
		Help: "Current number of active websocket sessions",
	})
	LiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "room_live_rooms",
		Help: "Current number of live room actors",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "room_messages_total",
		Help: "Total number of chat messages persisted and broadcast",
	})
	SignalFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "room_signal_frames_total",
		Help: "Total number of relayed WebRTC signaling frames",
	}, []string{"type"})
	BroadcastDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "room_broadcast_drops_total",
		Help: "Total number of sessions evicted due to failed sends",
	})
	NotificationsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "room_notifications_delivered_total",
		Help: "Total number of notification frames delivered via the ingest path",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, LiveRooms, MessagesTotal, SignalFramesTotal,
		BroadcastDrops, NotificationsDelivered,
		HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
