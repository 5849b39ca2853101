package call

import "github.com/pion/webrtc/v4"

// State is the controller's current phase. Each concrete type carries
// only the fields that exist in that phase, so combinations like a
// ringing call without a peer cannot be expressed at all.
type State interface {
	stateName() string
}

// Idle: no session. The initial state, and where Ended settles after the
// linger delay.
type Idle struct{}

// Calling: an outbound offer is signaled; waiting for the answer. Media
// is what was actually acquired (after fallback), not what was requested.
type Calling struct {
	Peer  int64
	Media Media
}

// Ringing: an inbound offer is stored. No media is acquired and no peer
// connection exists yet — an unanswered call never seizes the camera or
// microphone.
type Ringing struct {
	Peer  int64
	Offer webrtc.SessionDescription
	Media Media // media the caller offers
}

// InCall: negotiation done, session established. Remote grows as tracks
// arrive — they can trail the connection itself.
type InCall struct {
	Peer   int64
	Local  Media
	Remote Media
}

// Ended: terminal for the session; the controller returns to Idle after a
// short fixed delay so a UI can show the terminal state.
type Ended struct {
	Reason string
}

func (Idle) stateName() string    { return "idle" }
func (Calling) stateName() string { return "calling" }
func (Ringing) stateName() string { return "ringing" }
func (InCall) stateName() string  { return "in-call" }
func (Ended) stateName() string   { return "ended" }
