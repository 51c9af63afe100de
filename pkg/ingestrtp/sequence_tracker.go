package ingestrtp

import (
	"sort"
	"time"
)

// Default tunables for the reorder/receive buffers and NACK bookkeeping.
const (
	DefaultReorderBufferSize    = 256
	DefaultReorderBufferTimeout = 20 * time.Millisecond
	DefaultReceiveBufferSize    = 2048
	DefaultReceiveBufferTimeout = 2 * time.Second
	DefaultMaxOutstandingNacks  = 64
)

// SequenceTrackerConfig carries the tunables so tests can shrink the
// buffers/timeouts instead of waiting on wall-clock defaults.
type SequenceTrackerConfig struct {
	ReorderBufferSize    int
	ReorderBufferTimeout time.Duration
	ReceiveBufferSize    int
	ReceiveBufferTimeout time.Duration
	MaxOutstandingNacks  int
}

// DefaultSequenceTrackerConfig returns the production defaults.
func DefaultSequenceTrackerConfig() SequenceTrackerConfig {
	return SequenceTrackerConfig{
		ReorderBufferSize:    DefaultReorderBufferSize,
		ReorderBufferTimeout: DefaultReorderBufferTimeout,
		ReceiveBufferSize:    DefaultReceiveBufferSize,
		ReceiveBufferTimeout: DefaultReceiveBufferTimeout,
		MaxOutstandingNacks:  DefaultMaxOutstandingNacks,
	}
}

type bufEntry struct {
	seq uint64
	at  time.Time
}

// SequenceTracker decides the extended sequence number for an incoming raw
// RTP seq, which extended sequence numbers are currently missing and due a
// NACK, and when to give up on an outstanding NACK.
type SequenceTracker struct {
	cfg     SequenceTrackerConfig
	counter *ExtendedSequenceCounter

	// reorderBuffer and receiveBuffer are ordered ascending by seq;
	// insertion is near the tail in the steady state, eviction is always
	// from the head.
	reorderBuffer []bufEntry
	receiveBuffer []bufEntry

	missing           map[uint64]struct{}
	nacksOutstanding  map[uint64]time.Time
	retransmitMapping map[uint16]uint64 // raw seq -> extended seq, for packets we've NACKed

	maxSeq      uint64
	initialized bool

	PacketsReceived        uint64
	PacketsMissed          uint64
	PacketsLost            int64
	PacketsSinceLastMissed uint64
}

// NewSequenceTracker builds a tracker with the given config. A nil-valued
// zero Config is invalid; use DefaultSequenceTrackerConfig for production
// defaults.
func NewSequenceTracker(cfg SequenceTrackerConfig) *SequenceTracker {
	return &SequenceTracker{
		cfg:               cfg,
		counter:           NewExtendedSequenceCounter(),
		missing:           make(map[uint64]struct{}),
		nacksOutstanding:  make(map[uint64]time.Time),
		retransmitMapping: make(map[uint16]uint64),
	}
}

// Track assigns an extended sequence number to seq, given the wall-clock
// instant it arrived. It runs reorder/receive buffer bookkeeping and
// missing-packet detection inline.
func (t *SequenceTracker) Track(seq uint16, now time.Time) uint64 {
	t.PacketsReceived++

	if extSeq, ok := t.retransmitMapping[seq]; ok {
		// Retransmission of a packet we'd already given up as missing and
		// NACKed for.
		delete(t.retransmitMapping, seq)
		t.PacketsLost--
		t.insert(extSeq, now)
		return extSeq
	}

	result := t.counter.Extend(seq)
	if result.Reset {
		t.resync()
	}
	// Even when result.Valid is false the extended value is still used, so
	// downstream monitoring can see what the source is doing.

	t.insert(result.ExtendedSeq, now)
	return result.ExtendedSeq
}

func (t *SequenceTracker) insert(extSeq uint64, now time.Time) {
	if !t.insertOrdered(&t.receiveBuffer, extSeq, now) {
		// Duplicate packet, nothing further to do.
		return
	}
	t.insertOrdered(&t.reorderBuffer, extSeq, now)

	// Evict from the reorder buffer once it's over-size or its head is
	// stale, checking each evicted seq for gaps.
	for len(t.reorderBuffer) > 0 {
		head := t.reorderBuffer[0]
		if len(t.reorderBuffer) >= t.cfg.ReorderBufferSize || now.Sub(head.at) >= t.cfg.ReorderBufferTimeout {
			t.reorderBuffer = t.reorderBuffer[1:]
			t.checkForMissing(head.seq)
			continue
		}
		break
	}

	// Evict from the receive buffer once it's over-size, forgetting any
	// missing/NACK state for what falls off the back.
	for len(t.receiveBuffer) > t.cfg.ReceiveBufferSize {
		head := t.receiveBuffer[0]
		t.receiveBuffer = t.receiveBuffer[1:]
		delete(t.missing, head.seq)
		delete(t.nacksOutstanding, head.seq)
		for raw, ext := range t.retransmitMapping {
			if ext == head.seq {
				delete(t.retransmitMapping, raw)
			}
		}
	}
}

// insertOrdered inserts (seq, at) into buf kept in ascending seq order,
// returning false if seq is already present (duplicate).
func (t *SequenceTracker) insertOrdered(buf *[]bufEntry, seq uint64, at time.Time) bool {
	b := *buf
	i := len(b)
	for i > 0 && b[i-1].seq > seq {
		i--
	}
	if i > 0 && b[i-1].seq == seq {
		return false
	}
	if i < len(b) && b[i].seq == seq {
		return false
	}
	b = append(b, bufEntry{})
	copy(b[i+1:], b[i:])
	b[i] = bufEntry{seq: seq, at: at}
	*buf = b
	return true
}

func (t *SequenceTracker) checkForMissing(seq uint64) {
	if !t.initialized {
		t.maxSeq = seq - 1
		t.initialized = true
	}

	delete(t.missing, seq)
	delete(t.nacksOutstanding, seq)

	gap := int64(seq) - int64(t.maxSeq)
	switch {
	case gap == 1:
		t.PacketsSinceLastMissed++
	case gap < 0:
		// Out of order; already removed from missing above if present.
	case gap > MaxDropout:
		// Catastrophic loss; refuse to NACK.
	default:
		for i := int64(1); i < gap; i++ {
			t.missedPacket(seq - uint64(i))
		}
	}

	if gap > 0 {
		t.maxSeq = seq
	}
}

func (t *SequenceTracker) missedPacket(seq uint64) {
	t.missing[seq] = struct{}{}
	t.PacketsMissed++
	t.PacketsLost++
	t.PacketsSinceLastMissed = 0
}

// NackSent records that a NACK for extSeq has just gone out, and arms
// retransmission recognition for its raw 16-bit form.
func (t *SequenceTracker) NackSent(extSeq uint64, now time.Time) {
	t.nacksOutstanding[extSeq] = now
	t.retransmitMapping[uint16(extSeq)] = extSeq
}

// GetMissing returns the extended sequence numbers due a NACK, newest
// first, trimmed to respect MaxOutstandingNacks.
func (t *SequenceTracker) GetMissing(now time.Time) []uint64 {
	var toNack []uint64
	for seq := range t.missing {
		if _, outstanding := t.nacksOutstanding[seq]; !outstanding {
			toNack = append(toNack, seq)
		}
	}
	sort.Slice(toNack, func(i, j int) bool { return toNack[i] > toNack[j] })

	if len(toNack)+len(t.nacksOutstanding) > t.cfg.MaxOutstandingNacks {
		for seq, sentAt := range t.nacksOutstanding {
			if now.Sub(sentAt) >= t.cfg.ReceiveBufferTimeout {
				delete(t.missing, seq)
				delete(t.nacksOutstanding, seq)
			}
		}
	}

	if len(toNack)+len(t.nacksOutstanding) > t.cfg.MaxOutstandingNacks {
		limit := t.cfg.MaxOutstandingNacks - len(t.nacksOutstanding)
		if limit < 0 {
			limit = 0
		}
		toNack = toNack[:limit]
	}

	return toNack
}

func (t *SequenceTracker) resync() {
	t.initialized = false
	t.reorderBuffer = nil
	t.receiveBuffer = nil
	t.missing = make(map[uint64]struct{})
	t.nacksOutstanding = make(map[uint64]time.Time)
	t.retransmitMapping = make(map[uint16]uint64)
	t.maxSeq = 0
	t.PacketsSinceLastMissed = 0
}
