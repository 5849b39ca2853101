//go:build !linux || !cgo

package call

import (
	"errors"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ErrNoCapture is returned on platforms without hardware capture
// support. Camera/mic capture via pion/mediadevices needs
// platform-specific drivers (V4L2/malgo on Linux).
var ErrNoCapture = errors.New("call: no media capture on this platform")

// NewEngine wires a Factory with default codecs and a MediaSource that
// cannot capture. Calls started here always fail media acquisition and
// end with a readable reason; incoming signaling still works.
func NewEngine(stunURLs []string) (Factory, MediaSource, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	factory := &pionFactory{
		api: api,
		cfg: webrtc.Configuration{ICEServers: iceServers(stunURLs)},
	}
	return factory, noCaptureSource{}, nil
}

type noCaptureSource struct{}

func (noCaptureSource) Acquire(Media) ([]LocalTrack, error) {
	return nil, ErrNoCapture
}
