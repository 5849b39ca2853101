package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const testLinger = 20 * time.Millisecond

// fakeSignaler records every outbound signaling call.
type fakeSignaler struct {
	mu        sync.Mutex
	initiates []struct {
		To    int64
		Offer webrtc.SessionDescription
		Media Media
	}
	answers []struct {
		To     int64
		Answer webrtc.SessionDescription
	}
	rejects []struct {
		To     int64
		Reason string
	}
	candidates []int64
	ends       []int64
}

func (s *fakeSignaler) Initiate(to int64, offer webrtc.SessionDescription, media Media) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initiates = append(s.initiates, struct {
		To    int64
		Offer webrtc.SessionDescription
		Media Media
	}{to, offer, media})
	return nil
}

func (s *fakeSignaler) Answer(to int64, answer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, struct {
		To     int64
		Answer webrtc.SessionDescription
	}{to, answer})
	return nil
}

func (s *fakeSignaler) Reject(to int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, struct {
		To     int64
		Reason string
	}{to, reason})
	return nil
}

func (s *fakeSignaler) ICECandidate(to int64, _ webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, to)
	return nil
}

func (s *fakeSignaler) End(to int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, to)
	return nil
}

func (s *fakeSignaler) endCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ends)
}

// fakeTrack satisfies LocalTrack and remembers whether it was closed.
type fakeTrack struct {
	kind   webrtc.RTPCodecType
	mu     sync.Mutex
	closed bool
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return fmt.Sprintf("track-%s", t.kind) }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "test" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return t.kind }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTrack) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeMedia hands out fake tracks and can simulate missing devices.
type fakeMedia struct {
	mu        sync.Mutex
	failVideo bool
	failAll   bool
	requests  []Media
	tracks    []*fakeTrack
}

func (m *fakeMedia) Acquire(req Media) ([]LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.failAll {
		return nil, errors.New("no capture devices")
	}
	if m.failVideo && req.Video {
		return nil, errors.New("camera busy")
	}
	var out []LocalTrack
	if req.Audio {
		t := &fakeTrack{kind: webrtc.RTPCodecTypeAudio}
		m.tracks = append(m.tracks, t)
		out = append(out, t)
	}
	if req.Video {
		t := &fakeTrack{kind: webrtc.RTPCodecTypeVideo}
		m.tracks = append(m.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

func (m *fakeMedia) requested() []Media {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Media(nil), m.requests...)
}

// fakePC records operations in call order.
type fakePC struct {
	mu         sync.Mutex
	ops        []string
	candidates []webrtc.ICECandidateInit
	closed     bool

	onICE   func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (p *fakePC) op(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, name)
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.op("CreateOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.op("CreateAnswer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (p *fakePC) SetLocalDescription(webrtc.SessionDescription) error {
	p.op("SetLocalDescription")
	return nil
}

func (p *fakePC) SetRemoteDescription(webrtc.SessionDescription) error {
	p.op("SetRemoteDescription")
	return nil
}

func (p *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ops = append(p.ops, "AddICECandidate")
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	p.op("AddTrack")
	return nil, nil
}

func (p *fakePC) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	p.op("AddTransceiverFromKind")
	return nil, nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePC) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePC) Close() error {
	p.op("Close")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) opList() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *fakePC) added() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.candidates...)
}

func indexOf(ops []string, name string) int {
	for i, op := range ops {
		if op == name {
			return i
		}
	}
	return -1
}

type fakeFactory struct {
	mu   sync.Mutex
	made []*fakePC
	fail error
}

func (f *fakeFactory) NewPeerConnection() (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	pc := &fakePC{}
	f.made = append(f.made, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) last(t *testing.T) *fakePC {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.made)
	return f.made[len(f.made)-1]
}

func newTestController() (*Controller, *fakeSignaler, *fakeMedia, *fakeFactory) {
	sig := &fakeSignaler{}
	media := &fakeMedia{}
	pcs := &fakeFactory{}
	return New(sig, media, pcs, WithEndedLinger(testLinger)), sig, media, pcs
}

func requireIdleEventually(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, idle := c.State().(Idle)
		return idle
	}, time.Second, 5*time.Millisecond)
}

func TestStartCallSignalsAcquiredMedia(t *testing.T) {
	is := require.New(t)
	c, sig, media, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true, Video: true}))

	st, ok := c.State().(Calling)
	is.True(ok)
	is.Equal(int64(2), st.Peer)
	is.Equal(Media{Audio: true, Video: true}, st.Media)

	is.Len(sig.initiates, 1)
	is.Equal(int64(2), sig.initiates[0].To)
	is.Equal(Media{Audio: true, Video: true}, sig.initiates[0].Media)

	ops := pcs.last(t).opList()
	is.Less(indexOf(ops, "CreateOffer"), indexOf(ops, "SetLocalDescription"))
	is.Equal(2, indexOf(ops, "CreateOffer")-indexOf(ops, "AddTrack")) // both tracks added first
	is.Equal([]Media{{Audio: true, Video: true}}, media.requested())
}

func TestStartCallFallsBackToAudioOnly(t *testing.T) {
	is := require.New(t)
	c, sig, media, _ := newTestController()
	defer c.Close()
	media.failVideo = true

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true, Video: true}))

	st, ok := c.State().(Calling)
	is.True(ok)
	is.Equal(Media{Audio: true, Video: false}, st.Media)

	// The signaled media reflects what was actually captured, not the request.
	is.Len(sig.initiates, 1)
	is.Equal(Media{Audio: true, Video: false}, sig.initiates[0].Media)
	is.Equal([]Media{{Audio: true, Video: true}, {Audio: true}}, media.requested())
}

func TestStartCallAudioFailureIsFatal(t *testing.T) {
	is := require.New(t)
	c, sig, media, pcs := newTestController()
	defer c.Close()
	media.failAll = true

	err := c.StartCall(context.Background(), 2, Media{Audio: true})
	is.Error(err)
	_, ended := c.State().(Ended)
	is.True(ended)
	is.Empty(sig.initiates)
	is.Zero(pcs.count())
	requireIdleEventually(t, c)
}

func TestIncomingRingsWithoutSeizingDevices(t *testing.T) {
	is := require.New(t)
	c, _, media, pcs := newTestController()
	defer c.Close()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}
	c.HandleIncoming(7, offer, Media{Audio: true, Video: true})

	st, ok := c.State().(Ringing)
	is.True(ok)
	is.Equal(int64(7), st.Peer)
	is.Equal(offer, st.Offer)
	is.Empty(media.requested())
	is.Zero(pcs.count())
}

func TestIncomingDroppedWhileBusy(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.HandleIncoming(3, webrtc.SessionDescription{}, Media{Audio: true})

	st, ok := c.State().(Calling)
	is.True(ok)
	is.Equal(int64(2), st.Peer)
}

func TestAcceptSetsRemoteDescriptionBeforeAnswer(t *testing.T) {
	is := require.New(t)
	c, sig, _, pcs := newTestController()
	defer c.Close()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}
	c.HandleIncoming(7, offer, Media{Audio: true})
	is.NoError(c.Accept(context.Background()))

	ops := pcs.last(t).opList()
	remote := indexOf(ops, "SetRemoteDescription")
	answer := indexOf(ops, "CreateAnswer")
	local := indexOf(ops, "SetLocalDescription")
	is.GreaterOrEqual(remote, 0)
	is.Less(remote, answer)
	is.Less(answer, local)
	// Local tracks attach only after the answer is signaled.
	is.Less(local, indexOf(ops, "AddTrack"))

	is.Len(sig.answers, 1)
	is.Equal(int64(7), sig.answers[0].To)

	st, ok := c.State().(InCall)
	is.True(ok)
	is.Equal(int64(7), st.Peer)
	is.Equal(Media{Audio: true}, st.Local)
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()
	is.ErrorIs(c.Accept(context.Background()), ErrNoRingingCall)
}

func TestEarlyRemoteCandidatesFlushOnAccept(t *testing.T) {
	is := require.New(t)
	c, _, _, pcs := newTestController()
	defer c.Close()

	c.HandleIncoming(7, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, Media{Audio: true})
	c.HandleRemoteICE(7, webrtc.ICECandidateInit{Candidate: "cand-1"})
	c.HandleRemoteICE(7, webrtc.ICECandidateInit{Candidate: "cand-2"})

	is.NoError(c.Accept(context.Background()))

	pc := pcs.last(t)
	is.Equal([]webrtc.ICECandidateInit{
		{Candidate: "cand-1"},
		{Candidate: "cand-2"},
	}, pc.added())

	// Buffered candidates go in only once the remote description is set.
	ops := pc.opList()
	is.Less(indexOf(ops, "SetRemoteDescription"), indexOf(ops, "AddICECandidate"))
}

func TestCallerCandidatesHeldUntilAnswer(t *testing.T) {
	is := require.New(t)
	c, _, _, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	pc := pcs.last(t)

	c.HandleRemoteICE(2, webrtc.ICECandidateInit{Candidate: "early"})
	is.Empty(pc.added())

	c.HandleAnswer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})
	is.Equal([]webrtc.ICECandidateInit{{Candidate: "early"}}, pc.added())

	c.HandleRemoteICE(2, webrtc.ICECandidateInit{Candidate: "late"})
	is.Len(pc.added(), 2)

	_, ok := c.State().(InCall)
	is.True(ok)
}

func TestCandidateFromStrangerIgnored(t *testing.T) {
	is := require.New(t)
	c, _, _, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.HandleAnswer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})

	c.HandleRemoteICE(99, webrtc.ICECandidateInit{Candidate: "stray"})
	is.Empty(pcs.last(t).added())
}

func TestRejectAcquiresNothing(t *testing.T) {
	is := require.New(t)
	c, sig, media, pcs := newTestController()
	defer c.Close()

	c.HandleIncoming(7, webrtc.SessionDescription{}, Media{Audio: true})
	is.NoError(c.Reject("busy"))

	_, idle := c.State().(Idle)
	is.True(idle)
	is.Empty(media.requested())
	is.Zero(pcs.count())
	is.Len(sig.rejects, 1)
	is.Equal(int64(7), sig.rejects[0].To)
	is.Equal("busy", sig.rejects[0].Reason)
}

func TestRejectWithoutRingingCall(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()
	is.ErrorIs(c.Reject("busy"), ErrNoRingingCall)
}

func TestEndIsIdempotent(t *testing.T) {
	is := require.New(t)
	c, sig, media, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	pc := pcs.last(t)

	c.End()
	_, ended := c.State().(Ended)
	is.True(ended)
	is.Equal(1, sig.endCount())
	is.True(pc.closed)
	for _, track := range media.tracks {
		is.True(track.isClosed())
	}

	c.End()
	is.Equal(1, sig.endCount())
	requireIdleEventually(t, c)
}

func TestRemoteRejectEndsWithReason(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.HandleRejected(2, "declined")

	st, ok := c.State().(Ended)
	is.True(ok)
	is.Equal("declined", st.Reason)
	requireIdleEventually(t, c)
}

func TestRemoteEndTearsDown(t *testing.T) {
	is := require.New(t)
	c, _, _, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.HandleAnswer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})

	c.HandleRemoteEnd(2)
	_, ended := c.State().(Ended)
	is.True(ended)
	is.True(pcs.last(t).closed)
}

func TestRemoteEndFromStrangerIgnored(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.HandleRemoteEnd(99)

	_, ok := c.State().(Calling)
	is.True(ok)
}

func TestConnectionFailureEndsCall(t *testing.T) {
	is := require.New(t)
	c, _, _, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	pc := pcs.last(t)
	c.HandleAnswer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"})

	pc.onState(webrtc.PeerConnectionStateFailed)

	_, ended := c.State().(Ended)
	is.True(ended)
	requireIdleEventually(t, c)
}

func TestLocalCandidatesForwardedWhileSessionLive(t *testing.T) {
	is := require.New(t)
	c, sig, _, pcs := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	pc := pcs.last(t)

	pc.onICE(&webrtc.ICECandidate{})
	is.Equal([]int64{2}, sig.candidates)

	pc.onICE(nil) // end of gathering
	is.Len(sig.candidates, 1)

	c.End()
	pc.onICE(&webrtc.ICECandidate{})
	is.Len(sig.candidates, 1)
}

func TestNewCallDuringLingerIsNotReverted(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	c.End()

	// Start again while the previous session still lingers in Ended.
	is.NoError(c.StartCall(context.Background(), 3, Media{Audio: true}))
	time.Sleep(3 * testLinger)

	st, ok := c.State().(Calling)
	is.True(ok)
	is.Equal(int64(3), st.Peer)
}

func TestStateTransitionsReachSubscribers(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()
	defer c.Close()

	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	is.NoError(c.StartCall(context.Background(), 2, Media{Audio: true}))
	st := <-ch
	_, ok := st.(Calling)
	is.True(ok)

	c.End()
	st = <-ch
	_, ok = st.(Ended)
	is.True(ok)
}

func TestCloseRejectsFurtherCalls(t *testing.T) {
	is := require.New(t)
	c, _, _, _ := newTestController()

	c.Close()
	is.ErrorIs(c.StartCall(context.Background(), 2, Media{Audio: true}), ErrClosed)
	c.Close() // idempotent
}
