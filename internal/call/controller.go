package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("haven/call")

// DefaultEndedLinger is how long the controller shows Ended before
// settling back to Idle.
const DefaultEndedLinger = 1500 * time.Millisecond

var (
	// ErrNoRingingCall: Accept/Reject with nothing ringing.
	ErrNoRingingCall = errors.New("call: no ringing call")

	// ErrClosed: the controller has been shut down.
	ErrClosed = errors.New("call: controller closed")
)

// session is one negotiation attempt. All resources registered at
// creation (peer connection, observers, local tracks) belong to the
// session and are torn down together; handlers compare pointers against
// the controller's current session so a stale callback can never touch a
// newer session's resources.
type session struct {
	peer   int64
	offer  webrtc.SessionDescription // stored while ringing
	pc     PeerConnection
	tracks []LocalTrack

	// Remote candidates that arrive before the remote description is
	// set are held here and flushed afterwards — negotiation looking
	// incomplete is never a reason to drop one.
	remoteSet     bool
	pendingRemote []webrtc.ICECandidateInit

	remote Media // remote media observed via OnTrack
}

// Controller drives at most one call session at a time. Every start or
// accept unconditionally runs the teardown path for whatever came before
// it, which is also what serializes lifecycle transitions — there is no
// other locking discipline to get right.
type Controller struct {
	sig    Signaler
	media  MediaSource
	pcs    Factory
	linger time.Duration

	mu          sync.Mutex
	state       State
	sess        *session
	lingerTimer *time.Timer
	closed      bool
	listeners   []chan State
}

// Option configures a Controller.
type Option func(*Controller)

// WithEndedLinger overrides how long Ended is shown before Idle.
func WithEndedLinger(d time.Duration) Option {
	return func(c *Controller) { c.linger = d }
}

// New creates a controller in the Idle state.
func New(sig Signaler, media MediaSource, pcs Factory, opts ...Option) *Controller {
	c := &Controller{
		sig:    sig,
		media:  media,
		pcs:    pcs,
		linger: DefaultEndedLinger,
		state:  Idle{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a buffered channel of state transitions.
func (c *Controller) Subscribe() chan State {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan State, 16)
	c.listeners = append(c.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (c *Controller) Unsubscribe(ch chan State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, listener := range c.listeners {
		if listener == ch {
			close(listener)
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

// StartCall acquires local media, builds the peer connection, signals the
// offer, and moves Idle → Calling. The media actually acquired (after
// fallback) is what gets signaled — never the requested set.
func (c *Controller) StartCall(ctx context.Context, peer int64, want Media) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.teardownLocked()

	tracks, got, err := c.acquireLocked(want)
	if err != nil {
		c.failLocked(fmt.Sprintf("media acquisition failed: %v", err))
		return err
	}

	pc, err := c.pcs.NewPeerConnection()
	if err != nil {
		closeTracks(tracks)
		c.failLocked(fmt.Sprintf("peer connection failed: %v", err))
		return err
	}

	sess := &session{peer: peer, pc: pc, tracks: tracks}
	c.sess = sess
	c.observeLocked(sess)

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warnf("add track: %v", err)
		}
	}
	// The offer always asks to receive audio, and asks to receive video
	// iff the caller requested video.
	addRecvTransceivers(pc, Media{Audio: !got.Audio, Video: want.Video && !got.Video})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.failLocked(fmt.Sprintf("create offer: %v", err))
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.failLocked(fmt.Sprintf("set local description: %v", err))
		return err
	}
	if err := c.sig.Initiate(peer, offer, got); err != nil {
		c.failLocked(fmt.Sprintf("signal offer: %v", err))
		return err
	}

	log.Infof("calling %d (audio=%v video=%v)", peer, got.Audio, got.Video)
	c.transitionLocked(Calling{Peer: peer, Media: got})
	return nil
}

// HandleIncoming stores an inbound offer and moves Idle → Ringing.
// No media is acquired and no peer connection is created until the user
// accepts. An offer arriving while another session is live is dropped.
func (c *Controller) HandleIncoming(from int64, offer webrtc.SessionDescription, media Media) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if _, idle := c.state.(Idle); !idle {
		log.Warnf("incoming call from %d dropped: state %s", from, c.state.stateName())
		return
	}
	c.teardownLocked()

	c.sess = &session{peer: from, offer: offer}
	log.Infof("incoming call from %d (audio=%v video=%v)", from, media.Audio, media.Video)
	c.transitionLocked(Ringing{Peer: from, Offer: offer, Media: media})
}

// Accept answers the ringing call: acquire media, create the peer
// connection, apply the stored offer as the remote description strictly
// before creating the answer, signal the answer, then attach the local
// tracks.
func (c *Controller) Accept(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ringing, ok := c.state.(Ringing)
	if !ok {
		return ErrNoRingingCall
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sess := c.sess

	tracks, got, err := c.acquireLocked(ringing.Media)
	if err != nil {
		c.failAcceptLocked(sess.peer, fmt.Sprintf("media acquisition failed: %v", err))
		return err
	}
	sess.tracks = tracks

	pc, err := c.pcs.NewPeerConnection()
	if err != nil {
		closeTracks(tracks)
		sess.tracks = nil
		c.failAcceptLocked(sess.peer, fmt.Sprintf("peer connection failed: %v", err))
		return err
	}
	sess.pc = pc
	c.observeLocked(sess)

	// Remote description first. Reversing this breaks negotiation.
	if err := pc.SetRemoteDescription(sess.offer); err != nil {
		c.failAcceptLocked(sess.peer, fmt.Sprintf("set remote description: %v", err))
		return err
	}
	sess.remoteSet = true
	c.flushRemoteCandidatesLocked(sess)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.failAcceptLocked(sess.peer, fmt.Sprintf("create answer: %v", err))
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.failAcceptLocked(sess.peer, fmt.Sprintf("set local description: %v", err))
		return err
	}
	if err := c.sig.Answer(sess.peer, answer); err != nil {
		c.failAcceptLocked(sess.peer, fmt.Sprintf("signal answer: %v", err))
		return err
	}

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warnf("add track: %v", err)
		}
	}

	log.Infof("accepted call from %d (audio=%v video=%v)", sess.peer, got.Audio, got.Video)
	c.transitionLocked(InCall{Peer: sess.peer, Local: got, Remote: sess.remote})
	return nil
}

// Reject declines the ringing call and returns straight to Idle. No
// media was ever acquired, no peer connection was ever created.
func (c *Controller) Reject(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ringing, ok := c.state.(Ringing)
	if !ok {
		return ErrNoRingingCall
	}
	c.sess = nil
	if err := c.sig.Reject(ringing.Peer, reason); err != nil {
		log.Warnf("signal reject: %v", err)
	}
	log.Infof("rejected call from %d", ringing.Peer)
	c.transitionLocked(Idle{})
	return nil
}

// End hangs up locally from any active state: stop local media, close
// the peer connection, signal the remote side, linger in Ended, then
// settle to Idle. Idempotent — ending twice is a no-op the second time.
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.sess
	switch c.state.(type) {
	case Idle, Ended:
		return
	}
	c.endLocked("ended")
	if sess != nil {
		if err := c.sig.End(sess.peer); err != nil {
			log.Warnf("signal end: %v", err)
		}
	}
}

// HandleAnswer applies the remote answer and moves Calling → InCall.
func (c *Controller) HandleAnswer(from int64, answer webrtc.SessionDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	calling, ok := c.state.(Calling)
	if !ok || c.sess == nil || c.sess.peer != from {
		log.Debugf("stray answer from %d ignored", from)
		return
	}
	sess := c.sess
	if err := sess.pc.SetRemoteDescription(answer); err != nil {
		c.endLocked(fmt.Sprintf("set remote description: %v", err))
		return
	}
	sess.remoteSet = true
	c.flushRemoteCandidatesLocked(sess)
	c.transitionLocked(InCall{Peer: calling.Peer, Local: calling.Media, Remote: sess.remote})
}

// HandleRemoteICE feeds a trickled candidate into the current session.
// Candidates can arrive before or after the SDP exchange completes; ones
// that arrive early are retained and flushed once the remote description
// is in place.
func (c *Controller) HandleRemoteICE(from int64, candidate webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.sess
	if sess == nil || sess.peer != from {
		return
	}
	if sess.pc == nil || !sess.remoteSet {
		sess.pendingRemote = append(sess.pendingRemote, candidate)
		return
	}
	if err := sess.pc.AddICECandidate(candidate); err != nil {
		log.Warnf("add ice candidate: %v", err)
	}
}

// HandleRejected ends the session when the remote side declines.
func (c *Controller) HandleRejected(from int64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.peer != from {
		return
	}
	if reason == "" {
		reason = "rejected"
	}
	c.endLocked(reason)
}

// HandleRemoteEnd ends the session when the remote side hangs up.
func (c *Controller) HandleRemoteEnd(from int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sess == nil || c.sess.peer != from {
		return
	}
	c.endLocked("remote ended")
}

// Close shuts the controller down: tears down any session and closes all
// listener channels. Further operations return ErrClosed.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.teardownLocked()
	c.state = Idle{}
	for _, ch := range c.listeners {
		close(ch)
	}
	c.listeners = nil
}

// ── Internals ────────────────────────────────────────────────────────────────

// acquireLocked applies the fallback policy: try exactly the requested
// kinds; if that fails and video was part of the request, retry
// audio-only. Failing to acquire audio is fatal.
func (c *Controller) acquireLocked(want Media) ([]LocalTrack, Media, error) {
	tracks, err := c.media.Acquire(want)
	if err == nil {
		return tracks, want, nil
	}
	if !want.Video {
		return nil, Media{}, err
	}

	log.Warnf("capture (audio=%v video=true) failed, retrying audio-only: %v", want.Audio, err)
	audioOnly := Media{Audio: true}
	tracks, err = c.media.Acquire(audioOnly)
	if err != nil {
		return nil, Media{}, err
	}
	return tracks, audioOnly, nil
}

// observeLocked registers the session's peer-connection observers. They
// all guard on pointer identity so they die with the session.
func (c *Controller) observeLocked(sess *session) {
	pc := sess.pc

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return // end of gathering
		}
		c.mu.Lock()
		live := c.sess == sess
		peer := sess.peer
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.sig.ICECandidate(peer, candidate.ToJSON()); err != nil {
			log.Warnf("signal ice candidate: %v", err)
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		// The peer connection's own failed/closed signal is the only
		// liveness source — there is no separate timeout probe.
		if st != webrtc.PeerConnectionStateFailed && st != webrtc.PeerConnectionStateClosed {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sess != sess {
			return
		}
		if _, ended := c.state.(Ended); ended {
			return
		}
		c.endLocked("connection " + st.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sess != sess {
			return
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeAudio:
			sess.remote.Audio = true
		case webrtc.RTPCodecTypeVideo:
			sess.remote.Video = true
		}
		if cur, ok := c.state.(InCall); ok {
			cur.Remote = sess.remote
			c.transitionLocked(cur)
		}
	})
}

func (c *Controller) flushRemoteCandidatesLocked(sess *session) {
	for _, cand := range sess.pendingRemote {
		if err := sess.pc.AddICECandidate(cand); err != nil {
			log.Warnf("add buffered ice candidate: %v", err)
		}
	}
	sess.pendingRemote = nil
}

// endLocked releases every session resource, transitions to Ended, and
// schedules the settle back to Idle.
func (c *Controller) endLocked(reason string) {
	c.teardownLocked()
	log.Infof("call ended: %s", reason)
	c.transitionLocked(Ended{Reason: reason})
	c.lingerTimer = time.AfterFunc(c.linger, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ended := c.state.(Ended); ended {
			c.transitionLocked(Idle{})
		}
	})
}

// failLocked maps a start-path error to Ended with a readable reason.
func (c *Controller) failLocked(reason string) {
	c.endLocked(reason)
}

// failAcceptLocked additionally signals the caller so they are not left
// waiting on a callee whose accept fell over.
func (c *Controller) failAcceptLocked(peer int64, reason string) {
	c.endLocked(reason)
	if err := c.sig.End(peer); err != nil {
		log.Warnf("signal end: %v", err)
	}
}

// teardownLocked synchronously stops local media, closes the peer
// connection, clears all session references, and cancels a pending
// Ended → Idle settle. Safe with no session.
func (c *Controller) teardownLocked() {
	if c.lingerTimer != nil {
		c.lingerTimer.Stop()
		c.lingerTimer = nil
	}
	sess := c.sess
	c.sess = nil
	if sess == nil {
		return
	}
	closeTracks(sess.tracks)
	sess.tracks = nil
	if sess.pc != nil {
		if err := sess.pc.Close(); err != nil {
			log.Warnf("close peer connection: %v", err)
		}
	}
}

func (c *Controller) transitionLocked(st State) {
	c.state = st
	for _, ch := range c.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

func closeTracks(tracks []LocalTrack) {
	for _, t := range tracks {
		if err := t.Close(); err != nil {
			log.Warnf("close track: %v", err)
		}
	}
}
