package ftlingest

import (
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ServerConfig is the configuration surface the server consumes directly.
// How it gets populated is up to the caller; cmd/ftl-ingestd does it with
// viper.
type ServerConfig struct {
	Hostname               string
	ListenAddr             string
	MediaPortMin           int
	MediaPortMax           int
	MetadataReportInterval int // seconds
	RollingWindowMs        int
	NackEnabled            bool
	GeneratePreviews       bool
}

// IngestServer owns the TCP listener, live ControlConnections and
// MediaConnections, and the PortAllocator. Per-connection errors never
// propagate across connections or stop the server.
type IngestServer struct {
	log logrus.FieldLogger
	cfg ServerConfig

	credentials CredentialProvider
	registry    StreamRegistry
	preview     PreviewEncoder
	sink        RtpPacketSink

	ports *PortAllocator

	mu        sync.Mutex
	controls  map[net.Conn]*ControlConnection
	media     map[ChannelID]*mediaEntry
	reporters map[ChannelID]*MetadataReporter

	listener net.Listener
	stopCh   chan struct{}
	stopOnce sync.Once
}

type mediaEntry struct {
	conn     *MediaConnection
	streamID StreamID
	control  *ControlConnection
}

// trackRegisterer is implemented by an RtpPacketSink that needs to know a
// channel's track pair up front, such as TrackSink. IngestServer checks for
// it with a type assertion rather than widening RtpPacketSink itself, since
// most sinks (e.g. a plain recorder) have no use for it.
type trackRegisterer interface {
	Register(channelID ChannelID, metadata MediaMetadata) (video, audio *webrtc.TrackLocalStaticRTP, err error)
	Unregister(channelID ChannelID)
}

// NewIngestServer builds a server with no listener bound yet; call Serve.
func NewIngestServer(
	cfg ServerConfig,
	credentials CredentialProvider,
	registry StreamRegistry,
	preview PreviewEncoder,
	sink RtpPacketSink,
	log logrus.FieldLogger,
) *IngestServer {
	return &IngestServer{
		log:         log,
		cfg:         cfg,
		credentials: credentials,
		registry:    registry,
		preview:     preview,
		sink:        sink,
		ports:       NewPortAllocator(cfg.MediaPortMin, cfg.MediaPortMax),
		controls:    make(map[net.Conn]*ControlConnection),
		media:       make(map[ChannelID]*mediaEntry),
		reporters:   make(map[ChannelID]*MetadataReporter),
		stopCh:      make(chan struct{}),
	}
}

// Serve listens on cfg.ListenAddr and accepts control connections until
// Stop is called. It blocks.
func (s *IngestServer) Serve() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, "listen on control address")
	}
	s.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return errors.Wrap(err, "accept control connection")
			}
		}
		s.acceptControlConnection(conn)
	}
}

func (s *IngestServer) acceptControlConnection(conn net.Conn) {
	log := s.log.WithField("remote_addr", conn.RemoteAddr())

	cc := NewControlConnection(
		conn,
		log,
		s.credentials,
		s.requestMediaPort,
		s.handleControlClosed,
	)

	s.mu.Lock()
	s.controls[conn] = cc
	s.mu.Unlock()

	go cc.Serve()
}

func (s *IngestServer) handleControlClosed(cc *ControlConnection) {
	s.mu.Lock()
	delete(s.controls, cc.conn)
	channelID := cc.ChannelID()
	entry, streaming := s.media[channelID]
	s.mu.Unlock()

	if streaming && entry.control == cc && entry.conn != nil {
		entry.conn.Stop()
	}
}

// requestMediaPort handles the '.' command: collision check, port
// allocation, stream registration, and MediaConnection construction.
func (s *IngestServer) requestMediaPort(
	cc *ControlConnection,
	channelID ChannelID,
	metadata MediaMetadata,
	peerAddr net.Addr,
) (int, error) {
	// Reserve the channel slot up front so two control connections racing
	// on the same channel can't both get past the collision check.
	s.mu.Lock()
	if _, exists := s.media[channelID]; exists {
		s.mu.Unlock()
		return 0, ErrChannelInUse
	}
	s.media[channelID] = &mediaEntry{control: cc}
	s.mu.Unlock()

	releaseReservation := func() {
		s.mu.Lock()
		delete(s.media, channelID)
		s.mu.Unlock()
	}

	port, err := s.ports.Allocate()
	if err != nil {
		releaseReservation()
		return 0, err
	}

	streamID, err := s.registry.StartStream(channelID)
	if err != nil {
		s.ports.Release(port)
		releaseReservation()
		return 0, errors.Wrap(err, "start stream")
	}

	log := s.log.WithField("channel_id", channelID).WithField("stream_id", streamID)

	if reg, ok := s.sink.(trackRegisterer); ok {
		if _, _, err := reg.Register(channelID, metadata); err != nil {
			s.ports.Release(port)
			s.registry.EndStream(streamID)
			releaseReservation()
			return 0, errors.Wrap(err, "register tracks")
		}
	}

	mediaCfg := DefaultMediaConnectionConfig()
	mediaCfg.NackEnabled = s.cfg.NackEnabled
	if s.cfg.RollingWindowMs > 0 {
		mediaCfg.RollingWindow = time.Duration(s.cfg.RollingWindowMs) * time.Millisecond
	}

	mc, err := NewMediaConnection(port, channelID, streamID, metadata, mediaCfg, s.sink, log, func(m *MediaConnection) {
		s.handleMediaClosed(channelID, streamID, m)
	})
	if err != nil {
		s.ports.Release(port)
		s.registry.EndStream(streamID)
		if reg, ok := s.sink.(trackRegisterer); ok {
			reg.Unregister(channelID)
		}
		releaseReservation()
		return 0, err
	}

	s.mu.Lock()
	s.media[channelID] = &mediaEntry{conn: mc, streamID: streamID, control: cc}
	s.mu.Unlock()

	go mc.Serve()

	if s.cfg.MetadataReportInterval > 0 {
		preview := s.preview
		if !s.cfg.GeneratePreviews {
			preview = nil
		}
		reporter := NewMetadataReporter(
			s.cfg,
			channelID,
			streamID,
			metadata,
			mc,
			s.registry,
			preview,
			log,
		)
		s.mu.Lock()
		s.reporters[channelID] = reporter
		s.mu.Unlock()
		go reporter.Run()
	}

	return port, nil
}

func (s *IngestServer) handleMediaClosed(channelID ChannelID, streamID StreamID, mc *MediaConnection) {
	s.mu.Lock()
	var pairedControl *ControlConnection
	if entry, ok := s.media[channelID]; ok && entry.conn == mc {
		delete(s.media, channelID)
		pairedControl = entry.control
	}
	reporter, hasReporter := s.reporters[channelID]
	if hasReporter {
		delete(s.reporters, channelID)
	}
	s.mu.Unlock()

	if hasReporter {
		reporter.Stop()
	}

	s.ports.Release(mc.Port())

	if reg, ok := s.sink.(trackRegisterer); ok {
		reg.Unregister(channelID)
	}

	if err := s.registry.EndStream(streamID); err != nil {
		s.log.WithError(err).Warn("EndStream failed")
	}

	if s.cfg.GeneratePreviews && s.preview != nil {
		if frame := mc.GetKeyframe(); len(frame) > 0 {
			if jpeg, err := s.preview.Encode(VideoCodecH264, frame); err == nil {
				if err := s.registry.SubmitPreview(streamID, jpeg); err != nil {
					s.log.WithError(err).Warn("SubmitPreview failed")
				}
			} else {
				s.log.WithError(err).Warn("final preview encode failed")
			}
		}
	}

	if pairedControl != nil {
		pairedControl.Stop()
	}
}

// Stop closes the listener and every live connection.
func (s *IngestServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			s.listener.Close()
		}
	})

	s.mu.Lock()
	controls := make([]*ControlConnection, 0, len(s.controls))
	for _, cc := range s.controls {
		controls = append(controls, cc)
	}
	media := make([]*MediaConnection, 0, len(s.media))
	for _, entry := range s.media {
		if entry.conn != nil {
			media = append(media, entry.conn)
		}
	}
	s.mu.Unlock()

	for _, cc := range controls {
		cc.Stop()
	}
	for _, mc := range media {
		mc.Stop()
	}
}
