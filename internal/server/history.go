package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/store"
)

type msgDTO struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	FileID    string    `json:"file_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// listMessages 供 CRUD/UI 层分页读取房间历史，按日志顺序升序返回。
// before_id 传一条消息 id 可以向前翻页。
func listMessages(logs store.Log) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		beforeID := c.Query("before_id")

		recs, err := logs.Replay(c.Request.Context(), name)
		if err != nil {
			log.Error().Err(err).Str("room", name).Msg("list messages")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}

		// ULID 词序即追加顺序，before_id 之前的尾部窗口就是要的页
		if beforeID != "" {
			cut := len(recs)
			for i, r := range recs {
				if r.ID >= beforeID {
					cut = i
					break
				}
			}
			recs = recs[:cut]
		}
		if len(recs) > limit {
			recs = recs[len(recs)-limit:]
		}

		out := make([]msgDTO, 0, len(recs))
		for _, m := range recs {
			out = append(out, msgDTO{
				Type: "message", ID: m.ID, Room: m.Room,
				UserID: m.UserID, Username: m.Username,
				Content: m.Content, FileID: m.FileID, CreatedAt: m.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"messages": out})
	}
}
