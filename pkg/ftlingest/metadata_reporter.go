package ftlingest

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/glimesh/ftl-ingest/pkg/ingestrtp"
)

// DefaultMetadataReportInterval is the cadence used when the config leaves
// the report interval unset.
const DefaultMetadataReportInterval = 4 * time.Second

// mediaStatter is the subset of MediaConnection MetadataReporter depends on,
// narrowed so tests can supply a fake without a live UDP socket.
type mediaStatter interface {
	Stats() MediaStats
	GetKeyframe() []*ingestrtp.Packet
}

// MetadataReporter runs the periodic per-stream reporting task: push a
// StreamMetadata snapshot to the registry on a fixed tick, and submit a
// fresh preview whenever a new keyframe has completed since the last tick.
type MetadataReporter struct {
	log logrus.FieldLogger

	interval  time.Duration
	channelID ChannelID
	streamID  StreamID
	metadata  MediaMetadata
	hostname  string

	media    mediaStatter
	registry StreamRegistry
	preview  PreviewEncoder

	startTime time.Time

	lastKeyframe []*ingestrtp.Packet

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMetadataReporter builds a reporter; call Run in its own goroutine.
func NewMetadataReporter(
	cfg ServerConfig,
	channelID ChannelID,
	streamID StreamID,
	metadata MediaMetadata,
	media mediaStatter,
	registry StreamRegistry,
	preview PreviewEncoder,
	log logrus.FieldLogger,
) *MetadataReporter {
	interval := DefaultMetadataReportInterval
	if cfg.MetadataReportInterval > 0 {
		interval = time.Duration(cfg.MetadataReportInterval) * time.Second
	}

	return &MetadataReporter{
		log:       log,
		interval:  interval,
		channelID: channelID,
		streamID:  streamID,
		metadata:  metadata,
		hostname:  cfg.Hostname,
		media:     media,
		registry:  registry,
		preview:   preview,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run ticks until Stop is called. It blocks; run it in its own goroutine.
func (r *MetadataReporter) Run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *MetadataReporter) tick() {
	stats := r.media.Stats()

	snapshot := StreamMetadata{
		IngestHostname:  r.hostname,
		StreamTimeSecs:  int64(time.Since(r.startTime).Seconds()),
		BitrateBps:      stats.BitrateBps,
		PacketsReceived: stats.PacketsReceived,
		PacketsNacked:   stats.PacketsNacked,
		PacketsLost:     stats.PacketsLost,
		VendorName:      r.metadata.VendorName,
		VendorVersion:   r.metadata.VendorVersion,
		VideoCodec:      r.metadata.VideoCodec,
		AudioCodec:      r.metadata.AudioCodec,
		VideoWidth:      r.metadata.VideoWidth,
		VideoHeight:     r.metadata.VideoHeight,
	}

	if err := r.registry.UpdateMetadata(r.streamID, snapshot); err != nil {
		// A failed metadata push is logged and skipped, not fatal to the
		// stream.
		r.log.WithError(err).Warn("UpdateMetadata failed")
	}

	if r.preview == nil || !r.metadata.HasVideo {
		return
	}

	frame := r.media.GetKeyframe()
	if len(frame) == 0 || sameKeyframe(frame, r.lastKeyframe) {
		return
	}
	r.lastKeyframe = frame

	jpeg, err := r.preview.Encode(r.metadata.VideoCodec, frame)
	if err != nil {
		r.log.WithError(err).Warn("preview encode failed")
		return
	}
	if err := r.registry.SubmitPreview(r.streamID, jpeg); err != nil {
		r.log.WithError(err).Warn("SubmitPreview failed")
	}
}

// sameKeyframe compares by first-packet sequence number, which changes on
// every new keyframe accepted by KeyframeAssembler.
func sameKeyframe(a, b []*ingestrtp.Packet) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	return a[0].ExtendedSeq == b[0].ExtendedSeq
}

// Stop requests the tick loop exit and waits for it to finish. Idempotent.
func (r *MetadataReporter) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.done
}
