// Package signal forwards call-control events to a target identity's
// personal channel. Payloads (SDP offers/answers, ICE candidates) are
// opaque here — this relay never parses them and never touches media.
//
// Delivery is best-effort by design: if the target has no live
// connection the event vanishes and the caller waits until a party acts.
// Whether the two identities share a conversation is not verified either;
// both behaviors are carried from the source system.
package signal

import (
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/havenchat/haven/internal/event"
	"github.com/havenchat/haven/internal/hub"
)

var log = logging.Logger("haven/signal")

// Transport is the emit-only slice of the hub this relay needs.
type Transport interface {
	EmitToChannel(channel, name string, payload any)
}

// Relay forwards call signaling between personal channels.
type Relay struct {
	tr Transport
}

func New(tr Transport) *Relay {
	return &Relay{tr: tr}
}

// Initiate announces an incoming call to the callee, annotated with the
// caller's identity and the media the caller actually acquired.
func (r *Relay) Initiate(from, to int64, offer webrtc.SessionDescription, media event.Media) {
	log.Debugf("call %d → %d (audio=%v video=%v)", from, to, media.Audio, media.Video)
	r.tr.EmitToChannel(hub.UserChannel(to), event.IncomingCall, event.IncomingCallPayload{
		FromUserID: from,
		Offer:      offer,
		Media:      media,
	})
}

// Answer forwards the callee's SDP answer back to the caller.
func (r *Relay) Answer(from, to int64, answer webrtc.SessionDescription) {
	r.tr.EmitToChannel(hub.UserChannel(to), event.CallAnswer, event.CallAnswerPayload{
		FromUserID: from,
		Answer:     answer,
	})
}

// Reject tells the caller the callee declined.
func (r *Relay) Reject(from, to int64, reason string) {
	r.tr.EmitToChannel(hub.UserChannel(to), event.CallRejected, event.CallRejectedPayload{
		FromUserID: from,
		Reason:     reason,
	})
}

// ICECandidate trickles one candidate to the other side. Called many
// times per session, in no particular order relative to the SDP exchange.
func (r *Relay) ICECandidate(from, to int64, candidate webrtc.ICECandidateInit) {
	r.tr.EmitToChannel(hub.UserChannel(to), event.ICECandidate, event.RemoteICECandidatePayload{
		FromUserID: from,
		Candidate:  candidate,
	})
}

// End tells the other side the call is over.
func (r *Relay) End(from, to int64) {
	log.Debugf("call %d → %d ended", from, to)
	r.tr.EmitToChannel(hub.UserChannel(to), event.CallEnded, event.CallEndedPayload{
		FromUserID: from,
	})
}
