// Package ledger correlates sent probe packets with their echoes.
//
// A Ledger is not safe for concurrent use; the owning probe session
// serializes every call.
package ledger

import (
	"sort"

	"github.com/NodePath81/pltester/internal/util"
)

const (
	// LostLatency is the latency recorded for a packet declared lost.
	LostLatency = -1.0
	// DefaultWindowMs is the retention horizon of sliding-window mode.
	DefaultWindowMs = 10_000.0
)

// Mode selects the retention policy.
type Mode int

const (
	// FullHistory keeps every packet of the run and finalizes loss at the end.
	FullHistory Mode = iota
	// SlidingWindow keeps only packets sent within the last window.
	SlidingWindow
)

func (m Mode) String() string {
	if m == SlidingWindow {
		return "sliding_window"
	}
	return "full_history"
}

// Status is the resolution state of a packet.
type Status int

const (
	Pending Status = iota
	Received
	Lost
)

// Packet is one probe packet. SentAt and Latency are milliseconds on the
// session's monotonic clock. Latency is only meaningful once Status is
// Received, and equals LostLatency once Status is Lost.
type Packet struct {
	Seq     uint64
	SentAt  float64
	Status  Status
	Latency float64
}

// HasLatency reports whether p carries a measured latency.
func (p Packet) HasLatency() bool {
	return p.Status == Received
}

// Counts summarizes ledger contents.
type Counts struct {
	// Sent and Received are run totals, including evicted packets.
	Sent     uint64
	Received uint64
	// Retained and RetainedReceived only cover packets still held.
	Retained         int
	RetainedReceived int
	Lost             int
}

type Ledger struct {
	mode     Mode
	windowMs float64
	logger   util.Logger

	packets map[uint64]*Packet
	// order holds retained seqs in send order; head is the oldest.
	order []uint64
	head  int

	sent             uint64
	received         uint64
	retainedReceived int
	lost             int
}

// New returns an empty ledger. A nil logger disables duplicate reporting.
func New(mode Mode, logger util.Logger) *Ledger {
	return &Ledger{
		mode:     mode,
		windowMs: DefaultWindowMs,
		logger:   logger,
		packets:  make(map[uint64]*Packet),
	}
}

// SetWindow overrides the sliding-window horizon.
func (l *Ledger) SetWindow(ms float64) {
	if ms > 0 {
		l.windowMs = ms
	}
}

func (l *Ledger) Mode() Mode {
	return l.mode
}

// RecordSent registers a newly sent packet. In sliding-window mode every
// entry older than sentAt minus the window is evicted first. A duplicate
// seq is ignored and reported as false.
func (l *Ledger) RecordSent(seq uint64, sentAt float64) bool {
	if l.mode == SlidingWindow {
		l.evictBefore(sentAt - l.windowMs)
	}
	if _, ok := l.packets[seq]; ok {
		if l.logger != nil {
			l.logger.Debug("duplicate probe sequence ignored", "seq", seq)
		}
		return false
	}
	l.packets[seq] = &Packet{Seq: seq, SentAt: sentAt}
	l.order = append(l.order, seq)
	l.sent++
	return true
}

// RecordReceived resolves seq with latency receivedAt - SentAt. Unknown,
// evicted and already resolved sequences are ignored.
func (l *Ledger) RecordReceived(seq uint64, receivedAt float64) (float64, bool) {
	p, ok := l.packets[seq]
	if !ok || p.Status != Pending {
		return 0, false
	}
	p.Status = Received
	p.Latency = receivedAt - p.SentAt
	l.received++
	l.retainedReceived++
	return p.Latency, true
}

// Finalize marks every unresolved packet as lost and returns how many were
// marked. Sliding-window ledgers are never finalized.
func (l *Ledger) Finalize() int {
	if l.mode != FullHistory {
		return 0
	}
	marked := 0
	for _, p := range l.packets {
		if p.Status == Pending {
			p.Status = Lost
			p.Latency = LostLatency
			marked++
		}
	}
	l.lost += marked
	return marked
}

// Get returns a copy of the packet for seq.
func (l *Ledger) Get(seq uint64) (Packet, bool) {
	p, ok := l.packets[seq]
	if !ok {
		return Packet{}, false
	}
	return *p, true
}

// Len is the number of retained packets.
func (l *Ledger) Len() int {
	return len(l.packets)
}

// Seqs returns the retained sequence numbers in ascending order.
func (l *Ledger) Seqs() []uint64 {
	seqs := make([]uint64, 0, len(l.packets))
	for seq := range l.packets {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

// Oldest returns the send time of the oldest retained packet.
func (l *Ledger) Oldest() (float64, bool) {
	for i := l.head; i < len(l.order); i++ {
		if p, ok := l.packets[l.order[i]]; ok {
			return p.SentAt, true
		}
	}
	return 0, false
}

func (l *Ledger) Counts() Counts {
	return Counts{
		Sent:             l.sent,
		Received:         l.received,
		Retained:         len(l.packets),
		RetainedReceived: l.retainedReceived,
		Lost:             l.lost,
	}
}

// LossPercent returns the loss percentage. Full-history ledgers use run
// totals. Sliding-window ledgers only consider retained packets, so packets
// evicted before their echo arrived no longer count.
func (l *Ledger) LossPercent() float64 {
	if l.mode == SlidingWindow {
		if len(l.packets) == 0 {
			return 0
		}
		return float64(len(l.packets)-l.retainedReceived) / float64(len(l.packets)) * 100
	}
	if l.sent == 0 {
		return 0
	}
	return float64(l.sent-l.received) / float64(l.sent) * 100
}

func (l *Ledger) evictBefore(horizon float64) {
	for l.head < len(l.order) {
		seq := l.order[l.head]
		p, ok := l.packets[seq]
		if ok && p.SentAt >= horizon {
			break
		}
		if ok {
			if p.Status == Received {
				l.retainedReceived--
			}
			delete(l.packets, seq)
		}
		l.head++
	}
	if l.head > 1024 && l.head*2 > len(l.order) {
		l.order = append([]uint64(nil), l.order[l.head:]...)
		l.head = 0
	}
}
