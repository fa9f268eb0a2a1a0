package notify

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/auth"
	"github.com/Plannorium/curenium-sub004/internal/frames"
	"github.com/Plannorium/curenium-sub004/internal/metrics"
)

// RoomName 是全局通知房间的固定名字。
const RoomName = "notifications"

// Deliverer 是通知 actor 对房间的唯一依赖：
// 把一个已编码帧送达指定身份的全部在线会话。
type Deliverer interface {
	Deliver(users []string, data []byte) int
}

// Actor 是绑定到通知房间的变体：在普通房间能力之外，
// 提供一条 HTTP 注入路径，让 CRUD 层不持有 socket 也能推送告警。
type Actor struct {
	room       Deliverer
	ingestHash string
}

func New(room Deliverer, ingestHash string) *Actor {
	return &Actor{room: room, ingestHash: ingestHash}
}

type ingestRequest struct {
	Notification json.RawMessage `json:"notification"`
	Recipients   []string        `json:"recipients"`
}

// Ingest 处理 CRUD 层的推送。调用方已经把告警写进了主存储，
// 这里只负责广播，不做任何持久化，也不校验 notification 内容。
func (a *Actor) Ingest(c *gin.Context) {
	if !auth.VerifyIngestSecret(a.ingestHash, c.GetHeader("X-Internal-Token")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
		return
	}

	// 只要求结构上是合法 JSON，字段内容不做校验：
	// 收件人为空自然落进下面的零送达分支。
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	data, err := frames.Marshal(&frames.Notification{Notification: req.Notification})
	if err != nil {
		log.Error().Err(err).Msg("marshal notification frame")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deliver"})
		return
	}

	n := a.room.Deliver(req.Recipients, data)
	if n == 0 {
		c.JSON(http.StatusBadGateway, gin.H{"error": "no reachable sessions", "delivered": 0})
		return
	}
	metrics.NotificationsDelivered.Add(float64(n))
	c.JSON(http.StatusOK, gin.H{"delivered": n})
}
