package timing

import (
	"time"

	"laptimer-go/codec"
	"laptimer-go/node"
)

// lapStats is one decoded READ_LAP_STATS frame. Which fields are populated
// depends on the protocol revision that produced the frame.
type lapStats struct {
	lapID int
	rssi  uint16

	// lapTimeMs is the raw u32 lap time for pre-18 protocols (also the
	// emitted lap time on those paths). msSinceStart is the same value
	// clamped into [0, maxLapMs] for storage.
	lapTimeMs    int64
	msSinceStart int64

	// lapDifferentialMs is the u16 ms-ago differential at v18+; the emitted
	// lap time adds the one-way bus latency.
	lapDifferentialMs uint16

	nodePeak  uint16
	passPeak  uint16
	passNadir uint16
	nodeNadir uint16
	loopTime  uint32
	crossing  bool

	hist histFields
}

// histFields is the per-sample peak/nadir history pair carried by v18+
// frames. All time fields are milliseconds before readtime.
type histFields struct {
	peakRSSI  uint16
	peakFirst uint16
	peakLast  uint16
	nadirRSSI uint16
	nadirTime uint16
}

// decodeLapStats extracts the frame for the node's protocol revision.
// data must be exactly p.LapStatsSize() bytes (checksum already stripped).
func decodeLapStats(p node.Protocol, level uint8, data []byte) lapStats {
	st := lapStats{lapID: int(data[0])}

	if p == node.ProtoV18 {
		st.lapDifferentialMs = codec.UnpackU16(data[1:])
		st.rssi = codec.UnpackRSSI(level, data[3:])
		st.nodePeak = codec.UnpackRSSI(level, data[4:])
		st.passPeak = codec.UnpackRSSI(level, data[5:])
		st.loopTime = uint32(codec.UnpackU16(data[6:]))
		st.crossing = data[8] != 0
		st.passNadir = codec.UnpackRSSI(level, data[9:])
		st.nodeNadir = codec.UnpackRSSI(level, data[10:])
		st.hist = histFields{
			peakRSSI:  codec.UnpackRSSI(level, data[11:]),
			peakFirst: codec.UnpackU16(data[12:]),
			peakLast:  codec.UnpackU16(data[14:]),
			nadirRSSI: codec.UnpackRSSI(level, data[16:]),
			nadirTime: codec.UnpackU16(data[17:]),
		}
		return st
	}

	st.lapTimeMs = int64(codec.UnpackU32(data[1:]))
	st.msSinceStart = st.lapTimeMs
	if st.msSinceStart < 0 || st.msSinceStart > maxLapMs {
		st.msSinceStart = 0
	}

	if p == node.ProtoLegacy {
		// The legacy frame keeps the old field placement: a u16 pass peak at
		// offset 11 and a u32 loop time at 13.
		st.rssi = codec.UnpackU16(data[5:])
		st.passPeak = codec.UnpackU16(data[11:])
		st.loopTime = codec.UnpackU32(data[13:])
		return st
	}

	st.rssi = codec.UnpackRSSI(level, data[5:])
	st.nodePeak = codec.UnpackRSSI(level, data[7:])
	st.passPeak = codec.UnpackRSSI(level, data[9:])
	st.loopTime = uint32(codec.UnpackU16(data[11:]))
	st.crossing = data[15] != 0
	st.passNadir = codec.UnpackRSSI(level, data[16:])
	if p >= node.ProtoV13 {
		st.nodeNadir = codec.UnpackRSSI(level, data[18:])
	}
	return st
}

// appendHistory pushes the frame's peak/nadir samples into the node's
// history buffers, ordered newest-first. Time fields are ms before
// readtime, so a larger value is an older sample.
func appendHistory(n *node.Node, h histFields, readtime time.Time) {
	at := func(msAgo uint16) time.Time {
		return readtime.Add(-time.Duration(msAgo) * time.Millisecond)
	}
	emitPeak := func() {
		if h.peakFirst < h.peakLast {
			n.AppendHistory(h.peakRSSI, at(h.peakFirst))
			n.AppendHistory(h.peakRSSI, at(h.peakLast))
		} else {
			n.AppendHistory(h.peakRSSI, at(h.peakLast))
		}
	}
	emitNadir := func() {
		n.AppendHistory(h.nadirRSSI, at(h.nadirTime))
	}

	switch {
	case h.peakRSSI > 0 && h.nadirRSSI > 0:
		if h.peakLast < h.nadirTime {
			emitPeak()
			emitNadir()
		} else {
			emitNadir()
			emitPeak()
		}
	case h.peakRSSI > 0:
		emitPeak()
	case h.nadirRSSI > 0:
		emitNadir()
	}
}
