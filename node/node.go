// Package node holds the per-sensor data model: everything the hardware
// interface learns about one RF node at discovery plus the mutable sample
// state the polling loop maintains. Nodes are created once at startup and
// live for the process.
package node

import "time"

// Protocol is the node's capability revision, derived from the API level it
// reports. Frame layout, frame size, and RSSI wire width all key off it.
type Protocol uint8

const (
	ProtoLegacy Protocol = iota // api < 10
	ProtoV10                    // 10..12
	ProtoV13                    // 13..16
	ProtoV17                    // exactly 17: timed reads, pre-18 layout
	ProtoV18                    // 18 and up
)

// ProtocolFor maps a reported API level onto its Protocol variant.
func ProtocolFor(apiLevel uint8) Protocol {
	switch {
	case apiLevel >= 18:
		return ProtoV18
	case apiLevel == 17:
		return ProtoV17
	case apiLevel >= 13:
		return ProtoV13
	case apiLevel >= 10:
		return ProtoV10
	}
	return ProtoLegacy
}

// LapStatsSize is the payload size of a READ_LAP_STATS frame, excluding the
// trailing checksum byte the transactor adds on the wire.
func (p Protocol) LapStatsSize() int {
	switch p {
	case ProtoV18:
		return 19
	case ProtoV17:
		return 28
	case ProtoV13:
		return 20
	case ProtoV10:
		return 18
	}
	return 17
}

// RSSIBytes is the wire width of one RSSI value.
func (p Protocol) RSSIBytes() int {
	if p == ProtoV18 {
		return 1
	}
	return 2
}

// TimedRead reports whether lap-stats reads are latency-compensated
// (request/response timestamps feed the readtime computation).
func (p Protocol) TimedRead() bool { return p >= ProtoV17 }

// HasHistory reports whether the frame carries the peak/nadir history pair.
func (p Protocol) HasHistory() bool { return p == ProtoV18 }

func (p Protocol) String() string {
	switch p {
	case ProtoV18:
		return "v18+"
	case ProtoV17:
		return "v17"
	case ProtoV13:
		return "v13-16"
	case ProtoV10:
		return "v10-12"
	}
	return "legacy"
}

// Capture is the transient state of one enter-at or exit-at threshold
// capture window. It is reset when a capture starts and cleared by the poll
// cycle that observes the deadline.
type Capture struct {
	Active     bool
	Total      int64
	Count      int64
	DeadlineMs int64
}

// Node is one discovered sensor board.
type Node struct {
	Index int    // dense, 0-based, assigned in discovery order
	Addr  uint16 // 7-bit bus address from the probe set

	APILevel uint8
	APIValid bool // APILevel >= 10
	Proto    Protocol

	FrequencyKHz uint16 // 0 means disabled

	// Thresholds are ints: a read-back after a sign-extended write can echo
	// values like 65535 and the stored value follows the echo.
	EnterAtLevel int
	ExitAtLevel  int

	NodePeakRSSI  uint16
	NodeNadirRSSI uint16

	CurrentRSSI   uint16
	PassPeakRSSI  uint16
	PassNadirRSSI uint16
	LoopTimeUs    uint32

	CrossingFlag    bool
	LastLapID       int // -1 until the first lap id is observed
	LapMsSinceStart int64

	CapEnterAt Capture
	CapExitAt  Capture

	historyValues []uint16
	historyTimes  []time.Time
}

// New returns a Node at the given bus address with the lap sentinel set.
func New(index int, addr uint16) *Node {
	return &Node{Index: index, Addr: addr, LastLapID: -1}
}

// SetAPILevel records the reported level and derives the dependent fields.
func (n *Node) SetAPILevel(level uint8) {
	n.APILevel = level
	n.APIValid = level >= 10
	n.Proto = ProtocolFor(level)
}

// AppendHistory adds one RSSI sample with its host-frame timestamp. The two
// buffers always grow in lockstep.
func (n *Node) AppendHistory(rssi uint16, at time.Time) {
	n.historyValues = append(n.historyValues, rssi)
	n.historyTimes = append(n.historyTimes, at)
}

// HistoryLen returns the number of buffered samples.
func (n *Node) HistoryLen() int { return len(n.historyValues) }

// DrainHistory hands the paired buffers to the caller and starts fresh ones.
// The interface calls this under its lock for snapshot consistency.
func (n *Node) DrainHistory() ([]uint16, []time.Time) {
	v, t := n.historyValues, n.historyTimes
	n.historyValues, n.historyTimes = nil, nil
	return v, t
}
