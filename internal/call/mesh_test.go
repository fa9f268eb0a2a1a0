package call

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Plannorium/curenium-sub004/internal/frames"
)

// captureSender 截获网状端发出的信令帧。
type captureSender struct {
	mu     sync.Mutex
	frames []*frames.Signal
}

func (c *captureSender) Send(_ context.Context, f frames.Frame) error {
	sig, ok := f.(*frames.Signal)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.frames = append(c.frames, sig)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) byType(t frames.Type) []*frames.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frames.Signal
	for _, f := range c.frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func newTestMesh(t *testing.T, opts Options) (*Mesh, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	opts.Sender = sender
	m := New(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, sender
}

// remotePeer 用裸 PeerConnection 扮演一个远端，只做 SDP 交换。
func remotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	return pc
}

func TestWelcomeOffersEveryRosterPeer(t *testing.T) {
	m, sender := newTestMesh(t, Options{})

	err := m.HandleFrame(context.Background(), &frames.Welcome{
		You: "me",
		Roster: []frames.Participant{
			{UserID: "me", Username: "self"},
			{UserID: "p1", Username: "dr-li"},
			{UserID: "p2", Username: "dr-wu"},
		},
	})
	require.NoError(t, err)

	offers := sender.byType(frames.TypeOffer)
	require.Len(t, offers, 2)
	targets := map[string]bool{}
	for _, o := range offers {
		targets[o.To] = true
		var sdp webrtc.SessionDescription
		require.NoError(t, json.Unmarshal(o.Payload, &sdp))
		assert.Equal(t, webrtc.SDPTypeOffer, sdp.Type)
		assert.NotEmpty(t, sdp.SDP)
	}
	assert.True(t, targets["p1"])
	assert.True(t, targets["p2"])
	assert.False(t, targets["me"], "must not offer to self")
	assert.ElementsMatch(t, []string{"p1", "p2"}, m.Peers())
}

func TestIncomingOfferIsAnswered(t *testing.T) {
	m, sender := newTestMesh(t, Options{})

	remote := remotePeer(t)
	_, err := remote.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	payload, err := json.Marshal(remote.LocalDescription())
	require.NoError(t, err)
	err = m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeOffer, From: "p1", Payload: payload,
	})
	require.NoError(t, err)

	answers := sender.byType(frames.TypeAnswer)
	require.Len(t, answers, 1)
	assert.Equal(t, "p1", answers[0].To)

	var sdp webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(answers[0].Payload, &sdp))
	assert.Equal(t, webrtc.SDPTypeAnswer, sdp.Type)
	// 回灌给远端应当能被接受，证明应答是合法的
	require.NoError(t, remote.SetRemoteDescription(sdp))
}

func TestAnswerCompletesNegotiation(t *testing.T) {
	m, sender := newTestMesh(t, Options{})

	require.NoError(t, m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	}))
	offers := sender.byType(frames.TypeOffer)
	require.Len(t, offers, 1)

	remote := remotePeer(t)
	var offer webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offers[0].Payload, &offer))
	require.NoError(t, remote.SetRemoteDescription(offer))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(answer))

	payload, err := json.Marshal(remote.LocalDescription())
	require.NoError(t, err)
	require.NoError(t, m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeAnswer, From: "p1", Payload: payload,
	}))
}

func TestAnswerFromUnknownPeerDropped(t *testing.T) {
	m, _ := newTestMesh(t, Options{})
	err := m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeAnswer, From: "ghost", Payload: []byte(`{}`),
	})
	assert.NoError(t, err)
	assert.Empty(t, m.Peers())
}

func TestCandidateFromUnknownPeerDropped(t *testing.T) {
	m, _ := newTestMesh(t, Options{})
	err := m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeCandidate, From: "ghost",
		Payload: []byte(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 4444 typ host"}`),
	})
	assert.NoError(t, err)
	assert.Empty(t, m.Peers())
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	m, sender := newTestMesh(t, Options{})

	require.NoError(t, m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	}))

	// remote description 还没就绪，candidate 应当被积压而不是报错
	err := m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeCandidate, From: "p1",
		Payload: []byte(`{"candidate":"candidate:1 1 udp 2130706431 127.0.0.1 4444 typ host"}`),
	})
	require.NoError(t, err)

	remote := remotePeer(t)
	var offer webrtc.SessionDescription
	offers := sender.byType(frames.TypeOffer)
	require.Len(t, offers, 1)
	require.NoError(t, json.Unmarshal(offers[0].Payload, &offer))
	require.NoError(t, remote.SetRemoteDescription(offer))
	answer, err := remote.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(answer))

	payload, err := json.Marshal(remote.LocalDescription())
	require.NoError(t, err)
	require.NoError(t, m.HandleFrame(context.Background(), &frames.Signal{
		Type: frames.TypeAnswer, From: "p1", Payload: payload,
	}))
}

func TestPeerLeftTearsDownConnection(t *testing.T) {
	closed := make(chan string, 1)
	m, _ := newTestMesh(t, Options{
		OnPeerClosed: func(id string) { closed <- id },
	})

	require.NoError(t, m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	}))
	require.ElementsMatch(t, []string{"p1"}, m.Peers())

	require.NoError(t, m.HandleFrame(context.Background(), &frames.PeerLeft{UserID: "p1"}))
	assert.Empty(t, m.Peers())
	select {
	case id := <-closed:
		assert.Equal(t, "p1", id)
	case <-time.After(time.Second):
		t.Fatal("OnPeerClosed never fired")
	}

	// 重复离开帧无害
	require.NoError(t, m.HandleFrame(context.Background(), &frames.PeerLeft{UserID: "p1"}))
}

func TestLocalTrackAttachedToNewPeers(t *testing.T) {
	m, sender := newTestMesh(t, Options{})

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTrack(track))

	require.NoError(t, m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	}))

	offers := sender.byType(frames.TypeOffer)
	require.Len(t, offers, 1)
	var sdp webrtc.SessionDescription
	require.NoError(t, json.Unmarshal(offers[0].Payload, &sdp))
	assert.Contains(t, sdp.SDP, "m=audio")
}

func TestReplaceTrackSwapsSameKind(t *testing.T) {
	m, _ := newTestMesh(t, Options{})

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	require.NoError(t, m.AddLocalTrack(mic))

	require.NoError(t, m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	}))

	headset, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "headset")
	require.NoError(t, err)
	require.NoError(t, m.ReplaceTrack(headset))
}

func TestClosedMeshRejectsWork(t *testing.T) {
	m, _ := newTestMesh(t, Options{})
	require.NoError(t, m.Close())

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	assert.ErrorIs(t, m.AddLocalTrack(track), ErrMeshClosed)

	err = m.HandleFrame(context.Background(), &frames.Welcome{
		You:    "me",
		Roster: []frames.Participant{{UserID: "me"}, {UserID: "p1"}},
	})
	assert.ErrorIs(t, err, ErrMeshClosed)
}
