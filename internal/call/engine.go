package call

import (
	"github.com/pion/webrtc/v4"
)

// pionFactory builds peer connections from a configured webrtc.API.
type pionFactory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

func (f *pionFactory) NewPeerConnection() (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func iceServers(stunURLs []string) []webrtc.ICEServer {
	if len(stunURLs) == 0 {
		stunURLs = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: stunURLs}}
}

// addRecvTransceivers adds receive-only transceivers for the kinds we
// want to receive but are not sending, so the SDP carries valid m-lines
// with ICE credentials for them.
func addRecvTransceivers(pc PeerConnection, recv Media) {
	if recv.Audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add audio transceiver: %v", err)
		}
	}
	if recv.Video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("add video transceiver: %v", err)
		}
	}
}
