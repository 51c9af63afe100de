package ftlingest

import (
	"testing"

	"github.com/glimesh/ftl-ingest/pkg/ingestrtp"
)

type fakeMediaStatter struct {
	stats    MediaStats
	keyframe []*ingestrtp.Packet
}

func (f *fakeMediaStatter) Stats() MediaStats                { return f.stats }
func (f *fakeMediaStatter) GetKeyframe() []*ingestrtp.Packet { return f.keyframe }

type fakeRegistry struct {
	updates  []StreamMetadata
	previews [][]byte
}

func (f *fakeRegistry) StartStream(ChannelID) (StreamID, error) { return 1, nil }
func (f *fakeRegistry) UpdateMetadata(streamID StreamID, metadata StreamMetadata) error {
	f.updates = append(f.updates, metadata)
	return nil
}
func (f *fakeRegistry) EndStream(StreamID) error { return nil }
func (f *fakeRegistry) SubmitPreview(streamID StreamID, jpeg []byte) error {
	f.previews = append(f.previews, jpeg)
	return nil
}

type fakePreview struct {
	encodeCount int
}

func (f *fakePreview) Encode(codec VideoCodec, framePackets []*ingestrtp.Packet) ([]byte, error) {
	f.encodeCount++
	return []byte("jpeg-bytes"), nil
}

func samplePacket(extSeq uint64) *ingestrtp.Packet {
	raw := marshalTestRTPForReporter(extSeq)
	pkt, _ := ingestrtp.Parse(raw, extSeq)
	return pkt
}

// marshalTestRTPForReporter builds a minimal valid RTP datagram; the exact
// header fields don't matter for MetadataReporter, only that Parse succeeds.
func marshalTestRTPForReporter(extSeq uint64) []byte {
	raw := make([]byte, 12)
	raw[0] = 0x80
	raw[1] = 96
	raw[2] = byte(extSeq >> 8)
	raw[3] = byte(extSeq)
	return raw
}

func TestMetadataReporter_TickReportsAndSubmitsPreview(t *testing.T) {
	media := &fakeMediaStatter{
		stats:    MediaStats{PacketsReceived: 10, BitrateBps: 5000},
		keyframe: []*ingestrtp.Packet{samplePacket(1)},
	}
	registry := &fakeRegistry{}
	preview := &fakePreview{}

	metadata := MediaMetadata{HasVideo: true, VideoCodec: VideoCodecH264, VendorName: "obs"}
	r := NewMetadataReporter(
		ServerConfig{Hostname: "ingest-1", MetadataReportInterval: 1},
		ChannelID(7), StreamID(9), metadata,
		media, registry, preview, discardLogger(),
	)

	r.tick()

	if len(registry.updates) != 1 {
		t.Fatalf("expected 1 UpdateMetadata call, got %d", len(registry.updates))
	}
	got := registry.updates[0]
	if got.IngestHostname != "ingest-1" || got.PacketsReceived != 10 || got.VendorName != "obs" {
		t.Fatalf("unexpected metadata snapshot: %+v", got)
	}

	if preview.encodeCount != 1 || len(registry.previews) != 1 {
		t.Fatalf("expected one preview encode+submit, got encode=%d submit=%d", preview.encodeCount, len(registry.previews))
	}
}

func TestMetadataReporter_SkipsPreviewWhenKeyframeUnchanged(t *testing.T) {
	media := &fakeMediaStatter{keyframe: []*ingestrtp.Packet{samplePacket(1)}}
	registry := &fakeRegistry{}
	preview := &fakePreview{}

	metadata := MediaMetadata{HasVideo: true}
	r := NewMetadataReporter(
		ServerConfig{MetadataReportInterval: 1},
		ChannelID(1), StreamID(1), metadata,
		media, registry, preview, discardLogger(),
	)

	r.tick()
	r.tick() // same keyframe both times

	if preview.encodeCount != 1 {
		t.Fatalf("expected only one preview encode across two ticks with the same keyframe, got %d", preview.encodeCount)
	}
}

func TestMetadataReporter_NoPreviewEncoderSkipsPreviewPath(t *testing.T) {
	media := &fakeMediaStatter{keyframe: []*ingestrtp.Packet{samplePacket(1)}}
	registry := &fakeRegistry{}

	metadata := MediaMetadata{HasVideo: true}
	r := NewMetadataReporter(
		ServerConfig{MetadataReportInterval: 1},
		ChannelID(1), StreamID(1), metadata,
		media, registry, nil, discardLogger(),
	)

	r.tick()

	if len(registry.updates) != 1 {
		t.Fatalf("expected metadata update even without a preview encoder")
	}
	if len(registry.previews) != 0 {
		t.Fatalf("expected no preview submission without a preview encoder")
	}
}
