package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type 是线协议帧的判别标签。
type Type string

const (
	// client → server
	TypeAuth      Type = "auth"
	TypeJoin      Type = "join"
	TypeMessage   Type = "message"
	TypeTyping    Type = "typing"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"

	// server → client
	TypeWelcome      Type = "welcome"
	TypePresence     Type = "presence"
	TypePeerLeft     Type = "peer_left"
	TypeError        Type = "error"
	TypeNotification Type = "new_notification"
)

var ErrUnknownType = errors.New("unknown frame type")

// Frame 是所有帧类型的公共接口，Kind 返回判别标签。
type Frame interface {
	Kind() Type
}

// Participant 描述房间里的一个已认证身份。
type Participant struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Auth 是会话的首帧：携带接入令牌与展示名。
type Auth struct {
	Type  Type   `json:"type"`
	Token string `json:"token"`
	Name  string `json:"name"`
}

// Join 声明逻辑房间，路由层已经按 room 参数定位到实例，
// 这里仅作确认并触发 roster 回包。
type Join struct {
	Type Type   `json:"type"`
	Room string `json:"room"`
}

// Message 既是入站的发言帧，也是广播和回放时的出站编码。
// 入站只带 content/file_id，其余字段由房间 actor 填充。
type Message struct {
	Type      Type      `json:"type"`
	ID        string    `json:"id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	Content   string    `json:"content,omitempty"`
	FileID    string    `json:"file_id,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Typing 输入状态，只广播不落盘。
type Typing struct {
	Type     Type   `json:"type"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"is_typing"`
}

// Signal 覆盖 offer/answer/candidate 三类点对点信令帧。
// From 由服务端注入，Payload 对服务端不透明（SDP 或 ICE candidate）。
type Signal struct {
	Type    Type            `json:"type"`
	To      string          `json:"to"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Welcome 认证完成后的一次性回包：自己的身份加当前 roster。
type Welcome struct {
	Type   Type          `json:"type"`
	You    string        `json:"you"`
	Name   string        `json:"name"`
	Roster []Participant `json:"roster"`
}

// Presence 在每次加入/离开后广播当前在线身份集合。
type Presence struct {
	Type  Type          `json:"type"`
	Users []Participant `json:"users"`
}

// PeerLeft 会话销毁时广播离开者身份，供通话侧拆除对应连接。
type PeerLeft struct {
	Type     Type   `json:"type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// Error 协议违例的单播回包，连接保持打开。
type Error struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// Notification 是通知房间经 HTTP 注入后下发的帧。
type Notification struct {
	Type         Type            `json:"type"`
	Notification json.RawMessage `json:"notification"`
}

func (f *Auth) Kind() Type         { return TypeAuth }
func (f *Join) Kind() Type         { return TypeJoin }
func (f *Message) Kind() Type      { return TypeMessage }
func (f *Typing) Kind() Type       { return TypeTyping }
func (f *Signal) Kind() Type       { return f.Type }
func (f *Welcome) Kind() Type      { return TypeWelcome }
func (f *Presence) Kind() Type     { return TypePresence }
func (f *PeerLeft) Kind() Type     { return TypePeerLeft }
func (f *Error) Kind() Type        { return TypeError }
func (f *Notification) Kind() Type { return TypeNotification }

type envelope struct {
	Type Type `json:"type"`
}

// Decode 按 type 标签把原始帧解码成对应的具体结构。
// 处理方对返回值做类型断言即可拿到本类型合法的全部字段。
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame envelope: %w", err)
	}

	var f Frame
	switch env.Type {
	case TypeAuth:
		f = &Auth{}
	case TypeJoin:
		f = &Join{}
	case TypeMessage:
		f = &Message{}
	case TypeTyping:
		f = &Typing{}
	case TypeOffer, TypeAnswer, TypeCandidate:
		f = &Signal{}
	case TypeWelcome:
		f = &Welcome{}
	case TypePresence:
		f = &Presence{}
	case TypePeerLeft:
		f = &PeerLeft{}
	case TypeError:
		f = &Error{}
	case TypeNotification:
		f = &Notification{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decode %s frame: %w", env.Type, err)
	}
	return f, nil
}

// Marshal 编码一个出站帧，保证 type 标签与具体类型一致。
func Marshal(f Frame) ([]byte, error) {
	switch v := f.(type) {
	case *Auth:
		v.Type = TypeAuth
	case *Join:
		v.Type = TypeJoin
	case *Message:
		v.Type = TypeMessage
	case *Typing:
		v.Type = TypeTyping
	case *Signal:
		if v.Type != TypeOffer && v.Type != TypeAnswer && v.Type != TypeCandidate {
			return nil, fmt.Errorf("%w: signal frame %q", ErrUnknownType, v.Type)
		}
	case *Welcome:
		v.Type = TypeWelcome
	case *Presence:
		v.Type = TypePresence
	case *PeerLeft:
		v.Type = TypePeerLeft
	case *Error:
		v.Type = TypeError
	case *Notification:
		v.Type = TypeNotification
	}
	return json.Marshal(f)
}
