package timing

import "time"

// Read registers. Sizes are payload bytes; the transactor adds one more on
// the wire for the trailing checksum.
const (
	ReadAddress       = 0x00 // presence probe (1 byte)
	ReadFrequency     = 0x03 // u16 kHz
	ReadLapStats      = 0x05 // size depends on protocol revision
	ReadFilterRatio   = 0x20
	ReadRevisionCode  = 0x22 // high byte 0x25 validates; low byte is the API level
	ReadNodeRSSIPeak  = 0x23 // rssi-width
	ReadNodeRSSINadir = 0x24 // rssi-width, api >= 13
	ReadEnterAtLevel  = 0x31 // rssi-width
	ReadExitAtLevel   = 0x32 // rssi-width
	ReadTimeMillis    = 0x33 // u32
)

// Write registers.
const (
	WriteFrequency    = 0x51 // u16
	WriteFilterRatio  = 0x70
	WriteEnterAtLevel = 0x71 // rssi-width
	WriteExitAtLevel  = 0x72 // rssi-width
	ForceEndCrossing  = 0x78 // u8; kills the current crossing regardless of RSSI

	// WriteMarkStartTime tracks the node firmware's start-time register; it
	// is not part of the documented read table.
	WriteMarkStartTime = 0x77 // u32 ms
)

const (
	// UpdateSleep is the polling cadence.
	UpdateSleep = 100 * time.Millisecond

	// MinRSSI and MaxRSSI bound the accepted sample window; anything outside
	// is rejected and skips the node for that cycle.
	MinRSSI = 1
	MaxRSSI = 999

	// CapEnterExitAtMs is the length of a threshold capture window.
	CapEnterExitAtMs = 3000

	// EnterAtPeakMargin is the closest a captured enter-at level may sit to
	// the node's lifetime peak.
	EnterAtPeakMargin = 5

	revisionMagic = 0x25
	broadcastAddr = 0x00
	maxLapMs      = 9_999_999
)

// probeAddrs is the fixed probe set; the bus is software-limited to 8 nodes.
var probeAddrs = []uint16{8, 10, 12, 14, 16, 18, 20, 22}
