// Package call is the client-side call session controller: it drives
// local media acquisition, the Pion peer-connection lifecycle, and the
// client half of the signaling exchange. It is designed to be maximally
// standalone — it imports only Pion libraries and stdlib, plus the
// project logger. Coupling to the transport is via the Signaler
// interface only.
package call

import (
	"github.com/pion/webrtc/v4"
)

// Media describes which track kinds are requested or in use.
type Media struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Signaler is the only surface the controller needs from the signaling
// transport. internal/client satisfies it over a websocket connection.
type Signaler interface {
	Initiate(to int64, offer webrtc.SessionDescription, media Media) error
	Answer(to int64, answer webrtc.SessionDescription) error
	Reject(to int64, reason string) error
	ICECandidate(to int64, candidate webrtc.ICECandidateInit) error
	End(to int64) error
}

// LocalTrack is a capturable local media track. mediadevices tracks
// satisfy it directly.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// MediaSource opens local capture devices. Acquire is all-or-nothing for
// exactly the requested kinds; the controller owns the fallback policy.
type MediaSource interface {
	Acquire(req Media) ([]LocalTrack, error)
}

// PeerConnection is the slice of *webrtc.PeerConnection the controller
// uses. Narrowed to an interface so session tests can observe call
// ordering without real ICE agents.
type PeerConnection interface {
	CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(opts *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// Factory produces one fresh peer connection per session.
type Factory interface {
	NewPeerConnection() (PeerConnection, error)
}
