package call

import "github.com/pion/webrtc/v4"

// SimulateRemoteTrack feeds a remote track notification without a real
// track.
func (s *Session) SimulateRemoteTrack(streamID string, kind webrtc.RTPCodecType, ssrc uint32) {
	s.handleRemoteTrack(streamID, kind, ssrc, nil)
}
