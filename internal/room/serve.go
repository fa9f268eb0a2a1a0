package room

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20 // 1MB
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve 处理 /ws 入口：校验 room 参数与升级头，完成升级后
// 把新会话挂到对应房间的 actor 上。认证在连接建立后以 auth 帧
// 带内完成，升级阶段不检查令牌。
func Serve(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("room")
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing room parameter"})
			return
		}
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.JSON(http.StatusUpgradeRequired, gin.H{"error": "websocket upgrade required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		sess := newSession()
		// 实例刚好被空闲回收时重试，注册表会透明重建。
		if err := attachWithRetry(func() *Room { return reg.Get(name) }, sess); err != nil {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, ""))
			_ = conn.Close()
			return
		}

		go writePump(sess, conn)
		readPump(sess, conn)
	}
}

const (
	attachRetries    = 5
	attachRetryDelay = 20 * time.Millisecond
)

// attachWithRetry 有界重试挂接：每次失败都向注册表重新取号，
// 让步片刻再试，连续输给回收器到达上限后放弃。
func attachWithRetry(get func() *Room, s *session) error {
	var err error
	for i := 0; i < attachRetries; i++ {
		if err = get().Attach(s); err == nil {
			return nil
		}
		time.Sleep(attachRetryDelay)
	}
	return err
}

func readPump(s *session, conn *websocket.Conn) {
	defer func() {
		s.room.Detach(s)
		_ = conn.Close()
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.room.Inbound(s, data)
	}
}

func writePump(s *session, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case data, ok := <-s.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// 服务端逐出不算正常关闭，客户端应当重连。
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
