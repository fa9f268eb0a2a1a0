package room

import (
	"github.com/google/uuid"
)

// sessionState 标记会话在状态机里的位置：
// Connecting → Unauthenticated → Authenticated → Closed。
// Connecting 阶段在升级完成前结束，actor 只看到后三态。
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateClosed
)

// session 是一条 WebSocket 连接加上它的认证状态，只属于一个房间。
// 除 send 通道外的字段都只由房间 actor 的 goroutine 读写。
type session struct {
	id    string
	room  *Room
	send  chan []byte
	state sessionState

	// 认证后绑定的身份
	userID string
	name   string
}

func newSession() *session {
	return &session{
		id:   uuid.New().String(),
		send: make(chan []byte, 256),
	}
}

func (s *session) authenticated() bool { return s.state == stateAuthenticated }
