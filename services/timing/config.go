package timing

import (
	"math"

	"laptimer-go/codec"
	"laptimer-go/i2cbus"
	"laptimer-go/node"
	"laptimer-go/types"
)

// defaultFrequency is written to a node being disabled so its receiver
// parks on a known channel.
const defaultFrequency = 5800

// ------------------------------------------------------------------------
// Single-value reads
// ------------------------------------------------------------------------

func (itf *Interface) getValue8(n *node.Node, cmd byte) (uint8, bool) {
	data, ok := itf.bus.ReadBlock(n.Addr, cmd, 1)
	if !ok {
		return 0, false
	}
	return codec.UnpackU8(data), true
}

func (itf *Interface) getValue16(n *node.Node, cmd byte) (uint16, bool) {
	data, ok := itf.bus.ReadBlock(n.Addr, cmd, 2)
	if !ok {
		return 0, false
	}
	return codec.UnpackU16(data), true
}

func (itf *Interface) getValue32(n *node.Node, cmd byte) (uint32, bool) {
	data, ok := itf.bus.ReadBlock(n.Addr, cmd, 4)
	if !ok {
		return 0, false
	}
	return codec.UnpackU32(data), true
}

func (itf *Interface) getValueRSSI(n *node.Node, cmd byte) (uint16, bool) {
	if n.Proto.RSSIBytes() == 1 {
		v, ok := itf.getValue8(n, cmd)
		return uint16(v), ok
	}
	return itf.getValue16(n, cmd)
}

// ------------------------------------------------------------------------
// Set-and-validate
// ------------------------------------------------------------------------

// setAndValidate writes in, reads it back, and compares. Equality also
// holds when the read-back equals in + 2^bits: the node sign-extends
// negative values. Retries up to the bus retry count; on exhaustion the
// last echoed value (or in, if nothing was ever read) is returned.
func (itf *Interface) setAndValidate(n *node.Node, writeCmd, readCmd byte, in int64, bits uint) int64 {
	wrap := int64(1) << bits
	var lastOut int64
	haveOut := false

	for attempt := 1; attempt <= i2cbus.RetryCount; attempt++ {
		itf.bus.WriteBlock(n.Addr, writeCmd, packBits(in, bits))

		var out int64
		var ok bool
		switch bits {
		case 8:
			v, o := itf.getValue8(n, readCmd)
			out, ok = int64(v), o
		case 16:
			v, o := itf.getValue16(n, readCmd)
			out, ok = int64(v), o
		default:
			v, o := itf.getValue32(n, readCmd)
			out, ok = int64(v), o
		}
		if ok {
			lastOut, haveOut = out, true
			if out == in || out == in+wrap {
				return out
			}
		}
		itf.logf("Value Not Set (%d): 0x%02x/%d/node %d", attempt, writeCmd, in, n.Index+1)
	}
	if haveOut {
		return lastOut
	}
	return in
}

func packBits(v int64, bits uint) []byte {
	switch bits {
	case 8:
		return codec.PackU8(uint8(v))
	case 16:
		return codec.PackU16(uint16(v))
	default:
		return codec.PackU32(uint32(v))
	}
}

func (itf *Interface) setAndValidateRSSI(n *node.Node, writeCmd, readCmd byte, level int) int {
	bits := uint(16)
	if n.Proto.RSSIBytes() == 1 {
		bits = 8
	}
	return int(itf.setAndValidate(n, writeCmd, readCmd, int64(level), bits))
}

// ------------------------------------------------------------------------
// Unvalidated writes and broadcasts
// ------------------------------------------------------------------------

func (itf *Interface) setValue8(n *node.Node, cmd byte, v uint8) bool {
	return itf.writeRetry(n.Addr, cmd, codec.PackU8(v), int64(v))
}

func (itf *Interface) setValue32(n *node.Node, cmd byte, v uint32) bool {
	return itf.writeRetry(n.Addr, cmd, codec.PackU32(v), int64(v))
}

func (itf *Interface) broadcast8(cmd byte, v uint8) bool {
	return itf.writeRetry(broadcastAddr, cmd, codec.PackU8(v), int64(v))
}

func (itf *Interface) broadcast32(cmd byte, v uint32) bool {
	return itf.writeRetry(broadcastAddr, cmd, codec.PackU32(v), int64(v))
}

func (itf *Interface) writeRetry(addr uint16, cmd byte, payload []byte, v int64) bool {
	for attempt := 1; attempt <= i2cbus.RetryCount; attempt++ {
		if itf.bus.WriteBlock(addr, cmd, payload) {
			return true
		}
		itf.logf("Value Not Set (%d): 0x%02x/%d/addr %d", attempt, cmd, v, addr)
	}
	return false
}

// ------------------------------------------------------------------------
// Public configuration operations
// ------------------------------------------------------------------------

// SetFrequency tunes the node. A zero frequency disables the node locally
// while parking the hardware on the default channel.
func (itf *Interface) SetFrequency(nodeIndex int, freqKHz uint16) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok {
		return
	}
	if freqKHz != 0 {
		n.FrequencyKHz = uint16(itf.setAndValidate(n, WriteFrequency, ReadFrequency, int64(freqKHz), 16))
	} else {
		itf.setAndValidate(n, WriteFrequency, ReadFrequency, defaultFrequency, 16)
		n.FrequencyKHz = 0
	}
}

func (itf *Interface) transmitEnterAtLevel(n *node.Node, level int) int {
	return itf.setAndValidateRSSI(n, WriteEnterAtLevel, ReadEnterAtLevel, level)
}

func (itf *Interface) transmitExitAtLevel(n *node.Node, level int) int {
	return itf.setAndValidateRSSI(n, WriteExitAtLevel, ReadExitAtLevel, level)
}

// SetEnterAtLevel pushes an enter-at threshold and stores the echoed value.
// Ignored on pre-capability nodes.
func (itf *Interface) SetEnterAtLevel(nodeIndex, level int) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || !n.APIValid {
		return
	}
	n.EnterAtLevel = itf.transmitEnterAtLevel(n, level)
}

// SetExitAtLevel is the exit-at counterpart of SetEnterAtLevel.
func (itf *Interface) SetExitAtLevel(nodeIndex, level int) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || !n.APIValid {
		return
	}
	n.ExitAtLevel = itf.transmitExitAtLevel(n, level)
}

// MarkStartTimeNode writes the start-time origin to one node.
func (itf *Interface) MarkStartTimeNode(nodeIndex int, startMs int64) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || !n.APIValid {
		return
	}
	itf.setValue32(n, WriteMarkStartTime, uint32(startMs))
}

// MarkStartTime distributes the start-time origin to every node. When the
// first node speaks level 15 or newer, a single broadcast covers the bus;
// older fleets get per-node writes.
func (itf *Interface) MarkStartTime(piTimeSec float64) {
	startMs := int64(math.Round(piTimeSec * 1000))

	itf.mu.Lock()
	defer itf.mu.Unlock()
	if len(itf.nodes) == 0 {
		return
	}
	if itf.nodes[0].APILevel >= 15 {
		itf.broadcast32(WriteMarkStartTime, uint32(startMs))
		return
	}
	for _, n := range itf.nodes {
		if n.APIValid {
			itf.setValue32(n, WriteMarkStartTime, uint32(startMs))
		}
	}
}

// ForceEndCrossing asks the node to end its current crossing regardless of
// RSSI. Requires level 14.
func (itf *Interface) ForceEndCrossing(nodeIndex int) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || n.APILevel < 14 {
		return
	}
	itf.setValue8(n, ForceEndCrossing, 0)
}

// SimulateLap injects a manual lap for the node and emits it immediately.
func (itf *Interface) SimulateLap(nodeIndex int, msVal int64) {
	itf.mu.Lock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok {
		itf.mu.Unlock()
		return
	}
	n.LapMsSinceStart = msVal
	itf.mu.Unlock()

	itf.sink.PassRecord(n, 100, types.LapSourceManual)
	itf.publishPass(n, 100, types.LapSourceManual)
}
