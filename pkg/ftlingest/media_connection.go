package ftlingest

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/glimesh/ftl-ingest/pkg/ingestrtp"
)

const (
	mediaReadDeadline  = 200 * time.Millisecond
	maxDatagramSize    = 1600
	senderReportLength = 28
)

// MediaConnectionConfig carries the per-stream tunables: NACK emission, the
// rolling bitrate window, and the sequence-tracker parameters.
type MediaConnectionConfig struct {
	NackEnabled     bool
	RollingWindow   time.Duration
	SequenceTracker ingestrtp.SequenceTrackerConfig
}

// DefaultMediaConnectionConfig enables NACKs with a 2s rolling bitrate
// window and the default tracker tunables.
func DefaultMediaConnectionConfig() MediaConnectionConfig {
	return MediaConnectionConfig{
		NackEnabled:     true,
		RollingWindow:   2000 * time.Millisecond,
		SequenceTracker: ingestrtp.DefaultSequenceTrackerConfig(),
	}
}

// ssrcData is the per-SSRC bookkeeping, guarded by mu. Packet handling
// takes the write lock; Stats and GetKeyframe take the read lock.
type ssrcData struct {
	mu sync.RWMutex

	packetsReceived uint64
	packetsNacked   uint64

	rolling   *ingestrtp.RollingBitrate
	tracker   *ingestrtp.SequenceTracker
	assembler *ingestrtp.KeyframeAssembler
}

func newSsrcData(cfg MediaConnectionConfig) *ssrcData {
	return &ssrcData{
		rolling:   ingestrtp.NewRollingBitrate(cfg.RollingWindow),
		tracker:   ingestrtp.NewSequenceTracker(cfg.SequenceTracker),
		assembler: ingestrtp.NewKeyframeAssembler(),
	}
}

// MediaConnection is the per-channel UDP receiver: it tracks sequence
// numbers, schedules NACKs, assembles keyframes, keeps rolling statistics,
// and hands every accepted packet to the sink.
type MediaConnection struct {
	log logrus.FieldLogger

	channelID ChannelID
	streamID  StreamID
	metadata  MediaMetadata
	cfg       MediaConnectionConfig

	conn *net.UDPConn
	sink RtpPacketSink

	onClosed func(mc *MediaConnection)

	peerMu sync.Mutex
	peer   *net.UDPAddr

	audioData   *ssrcData
	videoData   *ssrcData
	videoSeen   bool // gates speed-test audio suppression
	videoSeenMu sync.Mutex

	startTime time.Time
	startWall int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMediaConnection binds a UDP socket on port and constructs a connection
// ready to Serve. The caller is responsible for allocating/releasing the
// port via PortAllocator.
func NewMediaConnection(
	port int,
	channelID ChannelID,
	streamID StreamID,
	metadata MediaMetadata,
	cfg MediaConnectionConfig,
	sink RtpPacketSink,
	log logrus.FieldLogger,
	onClosed func(mc *MediaConnection),
) (*MediaConnection, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, errors.Wrap(err, "bind media UDP socket")
	}

	return &MediaConnection{
		log:       log,
		channelID: channelID,
		streamID:  streamID,
		metadata:  metadata,
		cfg:       cfg,
		conn:      conn,
		sink:      sink,
		onClosed:  onClosed,
		audioData: newSsrcData(cfg),
		videoData: newSsrcData(cfg),
		startTime: time.Now(),
		startWall: time.Now().Unix(),
		stopCh:    make(chan struct{}),
	}, nil
}

// Port returns the bound local UDP port.
func (mc *MediaConnection) Port() int {
	return mc.conn.LocalAddr().(*net.UDPAddr).Port
}

// Serve runs the receive loop until Stop is called or a non-timeout
// transport error occurs. It blocks; run it in its own goroutine.
func (mc *MediaConnection) Serve() {
	buf := make([]byte, maxDatagramSize)

	for {
		select {
		case <-mc.stopCh:
			mc.close()
			return
		default:
		}

		mc.conn.SetReadDeadline(time.Now().Add(mediaReadDeadline))
		n, addr, err := mc.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			mc.log.WithError(err).Warn("media connection read error")
			mc.close()
			return
		}
		mc.handleDatagram(buf[:n], addr)
	}
}

func (mc *MediaConnection) handleDatagram(raw []byte, addr *net.UDPAddr) {
	if len(raw) < 12 {
		return
	}

	if !mc.acceptPeer(addr) {
		mc.log.Warnf("dropping datagram from unexpected peer %s", addr)
		return
	}

	// Peek the SSRC field (bytes 8-11) without a full unmarshal, since the
	// packet might be a non-RTP FTL sentinel (ping/sender-report) that
	// shares the header shape but isn't one of the declared media SSRCs.
	ssrcVal := uint32(raw[8])<<24 | uint32(raw[9])<<16 | uint32(raw[10])<<8 | uint32(raw[11])

	if ssrcVal == mc.metadata.AudioSSRC && mc.metadata.HasAudio {
		mc.handleMediaPacket(mc.audioData, raw, false, addr)
		return
	}
	if ssrcVal == mc.metadata.VideoSSRC && mc.metadata.HasVideo {
		mc.handleMediaPacket(mc.videoData, raw, true, addr)
		return
	}

	folded := ingestrtp.FoldedPayloadType(raw)
	switch folded {
	case ingestrtp.PayloadTypeSenderReport:
		if len(raw) != senderReportLength {
			mc.log.Warnf("sender report with unexpected length %d", len(raw))
		}
		// Informational only; no state is derived from it.
	case ingestrtp.PayloadTypeFtlPing:
		mc.conn.WriteToUDP(raw, addr)
	default:
		mc.log.Warnf("unknown RTP payload type %d from %s", folded, addr)
	}
}

// acceptPeer enforces the UDP peer-address drift rule: once a peer is
// known, datagrams from a different address are dropped, but the known
// peer's port is updated on every accepted packet to follow NAT rebinds.
func (mc *MediaConnection) acceptPeer(addr *net.UDPAddr) bool {
	mc.peerMu.Lock()
	defer mc.peerMu.Unlock()

	if mc.peer == nil {
		mc.peer = addr
		return true
	}
	if !mc.peer.IP.Equal(addr.IP) {
		return false
	}
	mc.peer.Port = addr.Port
	return true
}

func (mc *MediaConnection) handleMediaPacket(data *ssrcData, raw []byte, isVideo bool, addr *net.UDPAddr) {
	if !isVideo {
		mc.videoSeenMu.Lock()
		seen := mc.videoSeen
		mc.videoSeenMu.Unlock()
		if !seen {
			// FTL clients send a burst of audio for timing before the
			// first video packet; drop it.
			return
		}
	}

	seq := uint16(raw[2])<<8 | uint16(raw[3])
	now := time.Now()

	data.mu.Lock()
	extSeq := data.tracker.Track(seq, now)

	pkt, err := ingestrtp.Parse(raw, extSeq)
	if err != nil {
		data.mu.Unlock()
		mc.log.WithError(err).Warn("dropping unparseable RTP packet")
		return
	}

	if mc.cfg.NackEnabled {
		missing := data.tracker.GetMissing(now)
		if len(missing) > 0 {
			mc.sendNack(pkt.SSRC(), missing, data, now)
		}
	}

	data.packetsReceived++
	data.rolling.Add(now, len(raw))

	if isVideo {
		data.assembler.Process(pkt)
	}
	data.mu.Unlock()

	if isVideo {
		mc.videoSeenMu.Lock()
		mc.videoSeen = true
		mc.videoSeenMu.Unlock()
	}

	mc.sink.OnPacket(mc.channelID, mc.streamID, pkt)
}

// sendNack emits one RTCP NACK per missing extended sequence number and
// records it as outstanding. Called with data.mu already held.
func (mc *MediaConnection) sendNack(ssrc uint32, missing []uint64, data *ssrcData, now time.Time) {
	mc.peerMu.Lock()
	peer := mc.peer
	mc.peerMu.Unlock()
	if peer == nil {
		return
	}

	for _, extSeq := range missing {
		raw, err := ingestrtp.BuildNack(ssrc, ssrc, []uint16{uint16(extSeq)})
		if err != nil {
			mc.log.WithError(err).Warn("failed to encode NACK")
			return
		}
		if _, err := mc.conn.WriteToUDP(raw, peer); err != nil {
			mc.log.WithError(err).Warn("failed to send NACK")
			return
		}

		data.tracker.NackSent(extSeq, now)
		data.packetsNacked++
	}
}

// Stats snapshots statistics across both SSRCs.
func (mc *MediaConnection) Stats() MediaStats {
	now := time.Now()

	mc.audioData.mu.RLock()
	audioReceived, audioNacked, audioLost := mc.audioData.packetsReceived, mc.audioData.packetsNacked, mc.audioData.tracker.PacketsLost
	audioBps := mc.audioData.rolling.AverageBps(now)
	mc.audioData.mu.RUnlock()

	mc.videoData.mu.RLock()
	videoReceived, videoNacked, videoLost := mc.videoData.packetsReceived, mc.videoData.packetsNacked, mc.videoData.tracker.PacketsLost
	videoBps := mc.videoData.rolling.AverageBps(now)
	mc.videoData.mu.RUnlock()

	return MediaStats{
		StartTime:       mc.startWall,
		DurationSeconds: now.Sub(mc.startTime).Seconds(),
		BitrateBps:      audioBps + videoBps,
		PacketsReceived: audioReceived + videoReceived,
		PacketsNacked:   audioNacked + videoNacked,
		PacketsLost:     audioLost + videoLost,
	}
}

// GetKeyframe returns the latest complete video keyframe's packets.
func (mc *MediaConnection) GetKeyframe() []*ingestrtp.Packet {
	mc.videoData.mu.RLock()
	defer mc.videoData.mu.RUnlock()
	return mc.videoData.assembler.GetKeyframe()
}

// Stop requests the receive loop exit on its next poll wake-up. Idempotent.
func (mc *MediaConnection) Stop() {
	mc.stopOnce.Do(func() {
		close(mc.stopCh)
	})
}

func (mc *MediaConnection) close() {
	mc.conn.Close()
	if mc.onClosed != nil {
		mc.onClosed(mc)
	}
}
