package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Plannorium/curenium-sub004/internal/frames"
)

var ErrMeshClosed = errors.New("mesh closed")

// Sender 把信令帧送回房间，*client.Socket 天然满足。
// 抽成接口是为了测试时不经网络直接截获帧。
type Sender interface {
	Send(ctx context.Context, f frames.Frame) error
}

// Options 配置一个全网状通话端。
type Options struct {
	Sender Sender

	// OnTrack 在对端媒体轨到达时回调，按对端身份分流。
	OnTrack func(peerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	// OnPeerClosed 在对端连接拆除后回调，供 UI 摘除对应画面。
	OnPeerClosed func(peerID string)

	ICEServers []webrtc.ICEServer
}

// peer 是与单个远端身份的一条 PeerConnection 及其协商状态。
type peer struct {
	id        string
	pc        *webrtc.PeerConnection
	remoteSet bool
	// remote description 就绪前到达的 candidate 先积压
	pending []webrtc.ICECandidateInit
}

// Mesh 维护与房间内每个其他身份各一条 PeerConnection 的
// 全网状拓扑。协商分工固定：后进入者从 welcome roster 向
// 每个在场者发 offer，在场者收到 offer 后应答。
type Mesh struct {
	opts   Options
	config webrtc.Configuration

	mu     sync.Mutex
	peers  map[string]*peer
	local  []webrtc.TrackLocal
	closed bool
}

func New(opts Options) *Mesh {
	ice := opts.ICEServers
	if len(ice) == 0 {
		ice = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return &Mesh{
		opts:   opts,
		config: webrtc.Configuration{ICEServers: ice},
		peers:  make(map[string]*peer),
	}
}

// AddLocalTrack 注册一条本地媒体轨：已有连接立即挂上，
// 之后新建的连接也会带上它。
func (m *Mesh) AddLocalTrack(t webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMeshClosed
	}
	m.local = append(m.local, t)
	for _, p := range m.peers {
		if _, err := p.pc.AddTrack(t); err != nil {
			return fmt.Errorf("add track to peer %s: %w", p.id, err)
		}
	}
	return nil
}

// ReplaceTrack 在不重新协商的前提下把所有连接上同类媒体轨
// 换为 next，用于切换摄像头或开关屏幕共享。
func (m *Mesh) ReplaceTrack(next webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMeshClosed
	}
	for i, t := range m.local {
		if t.Kind() == next.Kind() {
			m.local[i] = next
		}
	}
	for _, p := range m.peers {
		for _, sender := range p.pc.GetSenders() {
			t := sender.Track()
			if t == nil || t.Kind() != next.Kind() {
				continue
			}
			if err := sender.ReplaceTrack(next); err != nil {
				return fmt.Errorf("replace track for peer %s: %w", p.id, err)
			}
		}
	}
	return nil
}

// HandleFrame 消费来自房间连接的一帧，驱动网状协商。
// 非信令帧原样忽略，调用方可以把整条帧流灌进来。
func (m *Mesh) HandleFrame(ctx context.Context, f frames.Frame) error {
	switch v := f.(type) {
	case *frames.Welcome:
		return m.handleWelcome(ctx, v)
	case *frames.Signal:
		switch v.Type {
		case frames.TypeOffer:
			return m.handleOffer(ctx, v)
		case frames.TypeAnswer:
			return m.handleAnswer(v)
		case frames.TypeCandidate:
			return m.handleCandidate(v)
		}
	case *frames.PeerLeft:
		m.ClosePeer(v.UserID)
	}
	return nil
}

// handleWelcome 向 roster 里的每个在场者发 offer。自己这侧
// 是后加入的一方，主动方角色因此不会两头同时成立。
func (m *Mesh) handleWelcome(ctx context.Context, w *frames.Welcome) error {
	for _, member := range w.Roster {
		if member.UserID == w.You {
			continue
		}
		if err := m.offer(ctx, member.UserID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mesh) offer(ctx context.Context, peerID string) error {
	p, err := m.ensurePeer(peerID)
	if err != nil {
		return err
	}

	sdp, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := p.pc.SetLocalDescription(sdp); err != nil {
		return fmt.Errorf("set local offer for %s: %w", peerID, err)
	}
	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	return m.opts.Sender.Send(ctx, &frames.Signal{
		Type: frames.TypeOffer, To: peerID, Payload: payload,
	})
}

func (m *Mesh) handleOffer(ctx context.Context, f *frames.Signal) error {
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(f.Payload, &sdp); err != nil {
		return fmt.Errorf("decode offer from %s: %w", f.From, err)
	}

	p, err := m.ensurePeer(f.From)
	if err != nil {
		return err
	}
	if err := m.setRemote(p, sdp); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer for %s: %w", f.From, err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer for %s: %w", f.From, err)
	}
	payload, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return err
	}
	return m.opts.Sender.Send(ctx, &frames.Signal{
		Type: frames.TypeAnswer, To: f.From, Payload: payload,
	})
}

func (m *Mesh) handleAnswer(f *frames.Signal) error {
	m.mu.Lock()
	p, ok := m.peers[f.From]
	m.mu.Unlock()
	if !ok {
		log.Warn().Str("from", f.From).Msg("answer for unknown peer, dropped")
		return nil
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(f.Payload, &sdp); err != nil {
		return fmt.Errorf("decode answer from %s: %w", f.From, err)
	}
	return m.setRemote(p, sdp)
}

func (m *Mesh) handleCandidate(f *frames.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[f.From]
	if !ok {
		// 对端可能已经挂断，candidate 静默丢弃
		log.Debug().Str("from", f.From).Msg("candidate for unknown peer, dropped")
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(f.Payload, &init); err != nil {
		return fmt.Errorf("decode candidate from %s: %w", f.From, err)
	}
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		return nil
	}
	return p.pc.AddICECandidate(init)
}

// setRemote 设置远端描述并冲刷积压的 candidate。
func (m *Mesh) setRemote(p *peer, sdp webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote description for %s: %w", p.id, err)
	}
	m.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	m.mu.Unlock()
	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			log.Warn().Err(err).Str("peer", p.id).Msg("flush buffered candidate failed")
		}
	}
	return nil
}

func (m *Mesh) ensurePeer(peerID string) (*peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrMeshClosed
	}
	if p, ok := m.peers[peerID]; ok {
		return p, nil
	}

	pc, err := webrtc.NewPeerConnection(m.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", peerID, err)
	}
	if len(m.local) == 0 {
		// 没有本地轨时仍要让 SDP 带上媒体段，只收不发
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			_, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			})
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s transceiver for %s: %w", kind, peerID, err)
			}
		}
	}
	for _, t := range m.local {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add local track for %s: %w", peerID, err)
		}
	}

	p := &peer{id: peerID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		err = m.opts.Sender.Send(context.Background(), &frames.Signal{
			Type: frames.TypeCandidate, To: peerID, Payload: payload,
		})
		if err != nil {
			log.Warn().Err(err).Str("peer", peerID).Msg("send candidate failed")
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if m.opts.OnTrack != nil {
			m.opts.OnTrack(peerID, track, receiver)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug().Str("peer", peerID).Str("state", state.String()).Msg("peer connection state")
		if state == webrtc.PeerConnectionStateFailed {
			m.ClosePeer(peerID)
		}
	})

	m.peers[peerID] = p
	return p, nil
}

// ClosePeer 拆除与某个身份的连接。重复调用无害。
func (m *Mesh) ClosePeer(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := p.pc.Close(); err != nil {
		log.Warn().Err(err).Str("peer", peerID).Msg("close peer connection")
	}
	if m.opts.OnPeerClosed != nil {
		m.opts.OnPeerClosed(peerID)
	}
}

// Peers 返回当前连接中的对端身份，仅用于观测。
func (m *Mesh) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// Close 拆除全部连接，之后的调用返回 ErrMeshClosed。
func (m *Mesh) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := m.peers
	m.peers = make(map[string]*peer)
	m.mu.Unlock()

	var firstErr error
	for id, p := range peers {
		if err := p.pc.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close peer %s: %w", id, err)
		}
	}
	return firstErr
}
