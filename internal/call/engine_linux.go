//go:build linux && cgo

package call

import (
	"errors"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// NewEngine wires a Factory and a MediaSource backed by VP8+Opus capture
// via pion/mediadevices (V4L2 + malgo on Linux).
func NewEngine(stunURLs []string) (Factory, MediaSource, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout of 5 s is far
	// too short for paths that see short outages during re-keying.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	factory := &pionFactory{
		api: api,
		cfg: webrtc.Configuration{ICEServers: iceServers(stunURLs)},
	}
	return factory, &deviceSource{selector: selector}, nil
}

// deviceSource captures local camera/microphone tracks. Acquire opens
// exactly the requested kinds as a unit — the controller decides whether
// to retry with less.
type deviceSource struct {
	selector *mediadevices.CodecSelector
}

func (d *deviceSource) Acquire(req Media) ([]LocalTrack, error) {
	if !req.Audio && !req.Video {
		return nil, errors.New("no media requested")
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if req.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node
			// producing malformed JPEG frames that poison the VP8
			// encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 to keep VP8 encoding latency down.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if req.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	out := make([]LocalTrack, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		out = append(out, t)
	}
	log.Infof("local media captured (audio=%v video=%v), %d tracks", req.Audio, req.Video, len(out))
	return out, nil
}
