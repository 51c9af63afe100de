package ftlingest

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"

	"github.com/glimesh/ftl-ingest/pkg/ingestrtp"
)

// TrackSink is an RtpPacketSink that forwards every accepted packet to a
// pair of pion WebRTC local tracks, keyed by channel ID, for playback
// fan-out downstream.
type TrackSink struct {
	mu     sync.RWMutex
	tracks map[ChannelID]*channelTracks
}

type channelTracks struct {
	video *webrtc.TrackLocalStaticRTP
	audio *webrtc.TrackLocalStaticRTP

	videoPayloadType uint8
	audioPayloadType uint8
}

// NewTrackSink returns an empty sink; call Register per channel as streams
// start.
func NewTrackSink() *TrackSink {
	return &TrackSink{tracks: make(map[ChannelID]*channelTracks)}
}

// Register creates a fresh video/audio track pair for channelID and returns
// them so the caller can add them to peer connections. Calling Register
// again for the same channel replaces the pair.
func (s *TrackSink) Register(channelID ChannelID, metadata MediaMetadata) (video, audio *webrtc.TrackLocalStaticRTP, err error) {
	if metadata.HasVideo {
		video, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: "video/h264"}, "video", channelID.String())
		if err != nil {
			return nil, nil, err
		}
	}
	if metadata.HasAudio {
		audio, err = webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: "audio/opus"}, "audio", channelID.String())
		if err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	s.tracks[channelID] = &channelTracks{
		video:            video,
		audio:            audio,
		videoPayloadType: metadata.VideoPayloadType,
		audioPayloadType: metadata.AudioPayloadType,
	}
	s.mu.Unlock()

	return video, audio, nil
}

// Unregister drops the track pair for channelID, called once the stream
// ends.
func (s *TrackSink) Unregister(channelID ChannelID) {
	s.mu.Lock()
	delete(s.tracks, channelID)
	s.mu.Unlock()
}

// OnPacket implements RtpPacketSink, dispatching on payload type, since the
// handshake tells the server which PayloadType means video vs audio.
func (s *TrackSink) OnPacket(channelID ChannelID, _ StreamID, packet *ingestrtp.Packet) {
	s.mu.RLock()
	tracks, ok := s.tracks[channelID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	out := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         packet.Marker(),
			PayloadType:    packet.PayloadType(),
			SequenceNumber: packet.SequenceNumber(),
			Timestamp:      packet.Timestamp(),
			SSRC:           packet.SSRC(),
		},
		Payload: packet.Payload(),
	}

	switch packet.PayloadType() {
	case tracks.videoPayloadType:
		if tracks.video != nil {
			tracks.video.WriteRTP(out)
		}
	case tracks.audioPayloadType:
		if tracks.audio != nil {
			tracks.audio.WriteRTP(out)
		}
	}
}
