package room

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/auth"
	"github.com/Plannorium/curenium-sub004/internal/frames"
	"github.com/Plannorium/curenium-sub004/internal/metrics"
	"github.com/Plannorium/curenium-sub004/internal/store"
)

var ErrRoomClosed = errors.New("room closed")

type inbound struct {
	sess *session
	data []byte
}

type deliverReq struct {
	users map[string]bool
	data  []byte
	reply chan int
}

// Room 是一个房间名对应的唯一 actor：独占会话表与消息日志，
// 所有入站帧经由通道进入 run 循环串行处理，因此内部状态无锁。
type Room struct {
	name   string
	pinned bool
	secret string
	logs   store.Log

	ctx    context.Context
	cancel context.CancelFunc

	join    chan *session
	leave   chan *session
	frames  chan inbound
	deliver chan deliverReq

	// 以下字段仅 run goroutine 访问
	sessions map[*session]bool
	history  []store.Record
	evicted  []evictedInfo

	online int32
}

type evictedInfo struct {
	userID string
	name   string
	authed bool
}

func newRoom(name string, pinned bool, secret string, logs store.Log) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	return &Room{
		name:     name,
		pinned:   pinned,
		secret:   secret,
		logs:     logs,
		ctx:      ctx,
		cancel:   cancel,
		join:     make(chan *session),
		leave:    make(chan *session),
		frames:   make(chan inbound, 64),
		deliver:  make(chan deliverReq),
		sessions: make(map[*session]bool),
	}
}

// Name 返回房间名。
func (r *Room) Name() string { return r.name }

// Online 返回当前会话数，供 REST 统计接口复用。
func (r *Room) Online() int { return int(atomic.LoadInt32(&r.online)) }

// Attach 把一条刚升级完成的连接注册为未认证会话。
// 房间已被回收时返回 ErrRoomClosed，调用方应向注册表重新取号。
func (r *Room) Attach(s *session) error {
	select {
	case r.join <- s:
		s.room = r
		return nil
	case <-r.ctx.Done():
		return ErrRoomClosed
	}
}

// Detach 请求销毁会话，可重复调用，第二次起是空操作。
func (r *Room) Detach(s *session) {
	select {
	case r.leave <- s:
	case <-r.ctx.Done():
	}
}

// Inbound 把一帧原始数据交给 actor 处理。
func (r *Room) Inbound(s *session, data []byte) {
	select {
	case r.frames <- inbound{sess: s, data: data}:
	case <-r.ctx.Done():
	}
}

// Deliver 把一个已编码帧送达 users 中每个在线身份的全部会话，
// 返回实际送达的会话数。通知 actor 的 HTTP 注入路径使用。
func (r *Room) Deliver(users []string, data []byte) int {
	set := make(map[string]bool, len(users))
	for _, u := range users {
		set[u] = true
	}
	req := deliverReq{users: set, data: data, reply: make(chan int, 1)}
	select {
	case r.deliver <- req:
	case <-r.ctx.Done():
		return 0
	}
	select {
	case n := <-req.reply:
		return n
	case <-r.ctx.Done():
		return 0
	}
}

func (r *Room) run() {
	r.hydrate()
	defer r.drain()

	for {
		select {
		case <-r.ctx.Done():
			return
		case s := <-r.join:
			r.sessions[s] = true
			atomic.StoreInt32(&r.online, int32(len(r.sessions)))
			metrics.WsConnections.Inc()
			log.Debug().Str("room", r.name).Str("session", s.id).Msg("session attached")
		case s := <-r.leave:
			r.teardown(s)
		case in := <-r.frames:
			r.handleFrame(in.sess, in.data)
		case req := <-r.deliver:
			req.reply <- r.deliverTo(req.users, req.data)
		}
		r.flushEvicted()
	}
}

// hydrate 启动时从持久日志恢复房间历史。恢复失败只记日志：
// 新消息仍可追加，回放从当前点开始。
func (r *Room) hydrate() {
	recs, err := r.logs.Replay(r.ctx, r.name)
	if err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("hydrate log")
		return
	}
	r.history = recs
}

// drain 在房间被回收后关掉仍排队的注册请求。
func (r *Room) drain() {
	for {
		select {
		case s := <-r.join:
			close(s.send)
		default:
			for s := range r.sessions {
				r.teardown(s)
			}
			return
		}
	}
}

func (r *Room) handleFrame(s *session, data []byte) {
	if s.state == stateClosed || !r.sessions[s] {
		return
	}

	f, err := frames.Decode(data)
	if err != nil {
		r.sendError(s, "malformed frame")
		return
	}

	if a, ok := f.(*frames.Auth); ok {
		r.handleAuth(s, a)
		return
	}
	if !s.authenticated() {
		r.sendError(s, "not authenticated")
		return
	}

	switch f := f.(type) {
	case *frames.Join:
		// 路由层已经按 room 参数钉住了实例，这里只回 roster 确认。
		r.sendTo(s, &frames.Welcome{You: s.userID, Name: s.name, Roster: r.presence()})
	case *frames.Message:
		r.handleMessage(s, f)
	case *frames.Typing:
		r.broadcastFrame(&frames.Typing{Username: s.name, IsTyping: f.IsTyping}, s)
	case *frames.Signal:
		r.handleSignal(s, f)
	default:
		r.sendError(s, "unexpected frame")
	}
}

func (r *Room) handleAuth(s *session, f *frames.Auth) {
	if s.authenticated() {
		r.sendError(s, "already authenticated")
		return
	}
	claims, err := auth.ParseAccessToken(f.Token, r.secret)
	if err != nil {
		r.sendError(s, "invalid token")
		return
	}

	s.userID = claims.UserID
	s.name = claims.Name
	if s.name == "" {
		s.name = f.Name
	}
	s.state = stateAuthenticated

	// 先把完整历史回放给新会话，再发 welcome 与全房间 presence。
	// run 循环是串行的，回放结束前不会交错进任何新的广播。
	for i := range r.history {
		r.sendTo(s, recordFrame(&r.history[i]))
	}
	r.sendTo(s, &frames.Welcome{You: s.userID, Name: s.name, Roster: r.presence()})
	r.broadcastFrame(&frames.Presence{Users: r.presence()}, nil)

	log.Info().Str("room", r.name).Str("user", s.userID).Str("session", s.id).Msg("session authenticated")
}

func (r *Room) handleMessage(s *session, f *frames.Message) {
	if f.Content == "" && f.FileID == "" {
		r.sendError(s, "empty message")
		return
	}
	rec := store.Record{
		ID:        ulid.Make().String(),
		Room:      r.name,
		UserID:    s.userID,
		Username:  s.name,
		Content:   f.Content,
		FileID:    f.FileID,
		CreatedAt: time.Now().UTC(),
	}
	// 先落盘后广播：写失败则保持静默，客户端按疑似丢失处理。
	if err := r.logs.Append(r.ctx, &rec); err != nil {
		log.Error().Err(err).Str("room", r.name).Str("user", s.userID).Msg("append message")
		return
	}
	r.history = append(r.history, rec)
	metrics.MessagesTotal.Inc()
	r.broadcastFrame(recordFrame(&rec), nil)
}

// handleSignal 把 offer/answer/candidate 原样转给 to 指定身份的
// 全部会话。没有匹配会话时静默丢弃，发送方不会收到任何提示。
func (r *Room) handleSignal(s *session, f *frames.Signal) {
	if f.To == "" {
		r.sendError(s, "signal frame missing to")
		return
	}
	f.From = s.userID
	data, err := frames.Marshal(f)
	if err != nil {
		r.sendError(s, "malformed frame")
		return
	}
	metrics.SignalFramesTotal.WithLabelValues(string(f.Kind())).Inc()
	for peer := range r.sessions {
		if peer.authenticated() && peer.userID == f.To {
			r.trySend(peer, data)
		}
	}
}

// teardown 把会话移出注册表并广播离开事件，可安全重复调用。
func (r *Room) teardown(s *session) {
	if !r.sessions[s] {
		return
	}
	delete(r.sessions, s)
	atomic.StoreInt32(&r.online, int32(len(r.sessions)))
	metrics.WsConnections.Dec()

	wasAuthed := s.authenticated()
	userID, name := s.userID, s.name
	s.state = stateClosed
	close(s.send)

	if wasAuthed {
		// peer_left 宣告的是身份离开：同一用户还有别的会话在线时不发，
		// 否则通话侧会过早拆掉与该身份的连接。
		if !r.identityPresent(userID) {
			r.broadcastFrame(&frames.PeerLeft{UserID: userID, Username: name}, nil)
		}
		r.broadcastFrame(&frames.Presence{Users: r.presence()}, nil)
	}
	log.Debug().Str("room", r.name).Str("session", s.id).Msg("session detached")
}

func (r *Room) identityPresent(userID string) bool {
	for s := range r.sessions {
		if s.authenticated() && s.userID == userID {
			return true
		}
	}
	return false
}

// presence 把注册表折算成去重后的在线身份集合。
func (r *Room) presence() []frames.Participant {
	seen := make(map[string]bool, len(r.sessions))
	out := make([]frames.Participant, 0, len(r.sessions))
	for s := range r.sessions {
		if !s.authenticated() || seen[s.userID] {
			continue
		}
		seen[s.userID] = true
		out = append(out, frames.Participant{UserID: s.userID, Username: s.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) deliverTo(users map[string]bool, data []byte) int {
	n := 0
	for s := range r.sessions {
		if s.authenticated() && users[s.userID] {
			if r.trySend(s, data) {
				n++
			}
		}
	}
	return n
}

// broadcastFrame 向所有会话（except 除外）尽力投递一帧。
// 单个会话投递失败不影响其余会话，失败者被逐出注册表。
func (r *Room) broadcastFrame(f frames.Frame, except *session) {
	data, err := frames.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("marshal broadcast frame")
		return
	}
	for s := range r.sessions {
		if s == except {
			continue
		}
		r.trySend(s, data)
	}
}

func (r *Room) sendTo(s *session, f frames.Frame) {
	data, err := frames.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("room", r.name).Msg("marshal frame")
		return
	}
	r.trySend(s, data)
}

func (r *Room) sendError(s *session, msg string) {
	r.sendTo(s, &frames.Error{Message: msg})
}

// trySend 非阻塞投递：发送缓冲打满视为对端失活，当场逐出，
// 绝不为慢会话阻塞 run 循环。
func (r *Room) trySend(s *session, data []byte) bool {
	if s.state == stateClosed {
		return false
	}
	select {
	case s.send <- data:
		return true
	default:
		metrics.BroadcastDrops.Inc()
		metrics.WsConnections.Dec()
		delete(r.sessions, s)
		atomic.StoreInt32(&r.online, int32(len(r.sessions)))
		r.evicted = append(r.evicted, evictedInfo{userID: s.userID, name: s.name, authed: s.authenticated()})
		s.state = stateClosed
		close(s.send)
		return false
	}
}

// flushEvicted 为广播途中被逐出的会话补发离开事件。
// 补发本身可能再逐出慢会话，循环直到收敛。
func (r *Room) flushEvicted() {
	for len(r.evicted) > 0 {
		batch := r.evicted
		r.evicted = nil
		announce := false
		for _, e := range batch {
			if !e.authed {
				continue
			}
			announce = true
			if !r.identityPresent(e.userID) {
				r.broadcastFrame(&frames.PeerLeft{UserID: e.userID, Username: e.name}, nil)
			}
		}
		if announce {
			r.broadcastFrame(&frames.Presence{Users: r.presence()}, nil)
		}
	}
}

func recordFrame(rec *store.Record) *frames.Message {
	return &frames.Message{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Username:  rec.Username,
		Content:   rec.Content,
		FileID:    rec.FileID,
		CreatedAt: rec.CreatedAt,
	}
}
