package client

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/frames"
)

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrSendPending  = errors.New("a send is already waiting for reconnect")
)

// Options 配置一条到房间的逻辑连接。
type Options struct {
	// Endpoint 形如 ws://host/ws，房间名由 Room 拼为查询参数。
	Endpoint string
	Room     string
	Token    string
	Name     string

	// OnFrame 在读循环 goroutine 里被调用，回调内不要阻塞。
	OnFrame func(frames.Frame)
	// OnReconnect 每次重连尝试前回调，暴露退避观测点。
	OnReconnect func(attempt int, delay time.Duration)

	BaseDelay   time.Duration // 首次重连延迟，默认 500ms
	MaxDelay    time.Duration // 延迟上限，默认 10s
	MaxAttempts int           // 连续失败的重试预算，默认 5
	SendWait    time.Duration // Send 等待重连的上限，默认 10s
}

func (o *Options) withDefaults() {
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.SendWait <= 0 {
		o.SendWait = 10 * time.Second
	}
}

// Socket 是跨瞬断存活的逻辑连接句柄。连接的建立、重连与发送
// 全部收敛在这个对象上，生命周期对调用方显式可见。
//
// 正常关闭（Close 或服务端 1000）是终态，不会再重连；
// 异常断开按指数退避重试，预算耗尽同样进入终态。
type Socket struct {
	opts Options

	mu sync.Mutex
	// bo 不是并发安全的，读写都要持有 mu
	bo         *backoff.ExponentialBackOff
	conn       *websocket.Conn
	open       bool
	closed     bool
	connecting bool
	retrying   bool
	waiting    bool
	openCh     chan struct{}
	done       chan struct{}
	doneOnce   sync.Once

	writeMu sync.Mutex
}

func New(opts Options) *Socket {
	opts.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.MaxInterval = opts.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Socket{
		opts:   opts,
		bo:     bo,
		openCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect 建立连接并完成带内握手：open 后立即发送 auth 帧与
// join 帧。单次尝试，失败由调用方决定是否重试；连接建立后的
// 异常断开则会自动进入退避重连。
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.open || s.connecting {
		s.mu.Unlock()
		return nil
	}
	s.connecting = true
	s.mu.Unlock()

	err := s.dial(ctx)

	s.mu.Lock()
	s.connecting = false
	s.mu.Unlock()
	return err
}

func (s *Socket) dial(ctx context.Context) error {
	u := s.opts.Endpoint + "?room=" + url.QueryEscape(s.opts.Room)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}

	for _, f := range []frames.Frame{
		&frames.Auth{Token: s.opts.Token, Name: s.opts.Name},
		&frames.Join{Room: s.opts.Room},
	} {
		data, err := frames.Marshal(f)
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = conn.Close()
			return err
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrSocketClosed
	}
	if s.open {
		// 并发拨号只保留先胜出的那条链路
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.conn = conn
	s.open = true
	s.bo.Reset()
	close(s.openCh)
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.onReadError(err)
			return
		}
		if s.opts.OnFrame == nil {
			continue
		}
		f, derr := frames.Decode(data)
		if derr != nil {
			log.Warn().Err(derr).Str("room", s.opts.Room).Msg("drop undecodable frame")
			continue
		}
		s.opts.OnFrame(f)
	}
}

func (s *Socket) onReadError(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.open = false
	s.conn = nil
	s.openCh = make(chan struct{})
	s.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		// 正常关闭是终态
		s.terminate()
		return
	}
	log.Warn().Err(err).Str("room", s.opts.Room).Msg("connection lost, reconnecting")
	s.startRetry()
}

// startRetry 保证任意时刻至多一个 retryLoop 在跑：断链检测和
// Send 的挂起路径都经由这里，不会叠加出并发的拨号。
func (s *Socket) startRetry() {
	s.mu.Lock()
	if s.retrying || s.open || s.closed {
		s.mu.Unlock()
		return
	}
	s.retrying = true
	s.mu.Unlock()
	go s.retryLoop()
}

func (s *Socket) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bo.NextBackOff()
}

// retryLoop 以指数退避重连：延迟从 BaseDelay 起逐次翻倍直到
// MaxDelay，任一次成功即归零退避计数；预算耗尽进入终态。
func (s *Socket) retryLoop() {
	defer func() {
		s.mu.Lock()
		s.retrying = false
		s.mu.Unlock()
	}()
	for attempt := 0; attempt < s.opts.MaxAttempts; attempt++ {
		delay := s.nextDelay()
		if s.opts.OnReconnect != nil {
			s.opts.OnReconnect(attempt, delay)
		}
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.MaxDelay)
		err := s.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		if errors.Is(err, ErrSocketClosed) {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Str("room", s.opts.Room).Msg("reconnect failed")
	}
	log.Error().Str("room", s.opts.Room).Msg("reconnect budget exhausted")
	s.terminate()
}

// Send 编码并发送一帧。连接断开时触发重连并把这一帧挂起,
// 直到链路恢复或等待超时；同一时刻至多挂起一帧。
func (s *Socket) Send(ctx context.Context, f frames.Frame) error {
	data, err := frames.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.open {
		conn := s.conn
		s.mu.Unlock()
		return s.write(conn, data)
	}
	if s.waiting {
		s.mu.Unlock()
		return ErrSendPending
	}
	s.waiting = true
	ready := s.openCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	s.startRetry()

	wait := time.NewTimer(s.opts.SendWait)
	defer wait.Stop()
	select {
	case <-ready:
		s.mu.Lock()
		conn := s.conn
		ok := s.open
		s.mu.Unlock()
		if !ok {
			return ErrSocketClosed
		}
		return s.write(conn, data)
	case <-wait.C:
		return context.DeadlineExceeded
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSocketClosed
	}
}

func (s *Socket) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close 主动断开：发正常关闭帧并进入终态，之后不再重连。
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	s.terminate()
	return nil
}

func (s *Socket) terminate() {
	s.mu.Lock()
	s.closed = true
	s.open = false
	s.conn = nil
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Done 在连接进入终态后关闭，供调用方挂监听。
func (s *Socket) Done() <-chan struct{} { return s.done }

// Open 报告链路当前是否可写。
func (s *Socket) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}
