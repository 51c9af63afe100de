package ingestrtp

import (
	"testing"
	"time"
)

func testTrackerConfig() SequenceTrackerConfig {
	return SequenceTrackerConfig{
		ReorderBufferSize:    4,
		ReorderBufferTimeout: time.Hour, // size-driven eviction only, in these tests
		ReceiveBufferSize:    64,
		ReceiveBufferTimeout: time.Hour,
		MaxOutstandingNacks:  16,
	}
}

func TestSequenceTracker_InOrderNoMissing(t *testing.T) {
	tr := NewSequenceTracker(testTrackerConfig())
	now := time.Now()

	for seq := uint16(0); seq < 8; seq++ {
		tr.Track(seq, now)
	}
	if len(tr.GetMissing(now)) != 0 {
		t.Fatalf("expected no missing packets for a fully in-order run")
	}
	if tr.PacketsLost != 0 {
		t.Fatalf("PacketsLost = %d, want 0", tr.PacketsLost)
	}
}

func TestSequenceTracker_DetectsGap(t *testing.T) {
	tr := NewSequenceTracker(testTrackerConfig())
	now := time.Now()

	// Seed enough packets past the gap to force reorder-buffer eviction
	// (size 4), which is what triggers checkForMissing.
	seqs := []uint16{0, 1, 3, 4, 5, 6}
	for _, seq := range seqs {
		tr.Track(seq, now)
	}

	missing := tr.GetMissing(now)
	if len(missing) != 1 || missing[0] != 2 {
		t.Fatalf("missing = %v, want [2]", missing)
	}
	if tr.PacketsMissed != 1 {
		t.Fatalf("PacketsMissed = %d, want 1", tr.PacketsMissed)
	}
}

func TestSequenceTracker_RetransmitClearsLoss(t *testing.T) {
	tr := NewSequenceTracker(testTrackerConfig())
	now := time.Now()

	for _, seq := range []uint16{0, 1, 3, 4, 5, 6} {
		tr.Track(seq, now)
	}
	missing := tr.GetMissing(now)
	if len(missing) != 1 {
		t.Fatalf("expected exactly one missing seq, got %v", missing)
	}
	tr.NackSent(missing[0], now)

	lostBefore := tr.PacketsLost
	tr.Track(2, now.Add(time.Millisecond))
	if tr.PacketsLost != lostBefore-1 {
		t.Fatalf("PacketsLost after retransmit = %d, want %d", tr.PacketsLost, lostBefore-1)
	}
	if len(tr.GetMissing(now)) != 0 {
		t.Fatalf("expected no missing packets after retransmit arrives")
	}
}

func TestSequenceTracker_GetMissingRespectsOutstandingCap(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.MaxOutstandingNacks = 2
	cfg.ReorderBufferSize = 2
	tr := NewSequenceTracker(cfg)
	now := time.Now()

	// Leave a gap at every odd seq; each arrival forces the previous packet
	// out of the (size-2) reorder buffer, so gaps 1, 3, 5 and 7 are detected.
	seqs := []uint16{0, 2, 4, 6, 8, 10}
	for _, seq := range seqs {
		tr.Track(seq, now)
	}

	missing := tr.GetMissing(now)
	if len(missing) > cfg.MaxOutstandingNacks {
		t.Fatalf("GetMissing returned %d entries, want at most %d", len(missing), cfg.MaxOutstandingNacks)
	}
}

func TestSequenceTracker_DuplicatePacketIgnored(t *testing.T) {
	tr := NewSequenceTracker(testTrackerConfig())
	now := time.Now()

	tr.Track(5, now)
	before := tr.PacketsReceived
	tr.Track(5, now)
	if tr.PacketsReceived != before+1 {
		t.Fatalf("PacketsReceived should still increment on a duplicate, got %d want %d", tr.PacketsReceived, before+1)
	}
	// Duplicate must not appear twice in the receive buffer bookkeeping.
	if len(tr.receiveBuffer) != 1 {
		t.Fatalf("receiveBuffer length = %d, want 1 after duplicate", len(tr.receiveBuffer))
	}
}
