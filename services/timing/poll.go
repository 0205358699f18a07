package timing

import (
	"context"
	"sort"
	"time"

	"laptimer-go/i2cbus"
	"laptimer-go/node"
	"laptimer-go/types"
	"laptimer-go/x/mathx"
)

// Run drives the polling loop until ctx is cancelled. One update per
// UpdateSleep on average; quiet-time waits can stretch individual cycles.
func (itf *Interface) Run(ctx context.Context) {
	itf.logf("Starting background thread.")
	itf.publishState("polling", "started")
	for {
		itf.update()
		select {
		case <-ctx.Done():
			itf.publishState("stopped", "context_cancelled")
			return
		case <-time.After(UpdateSleep):
		}
	}
}

type lapUpdate struct {
	n         *node.Node
	lapID     int
	lapTimeMs int64
}

// update runs one poll cycle: read and decode every active node, advance
// capture windows, append history, then dispatch accumulated events in
// contract order (captures, then crossings, then laps).
func (itf *Interface) update() {
	var crossings []*node.Node
	var laps []lapUpdate
	var captures []captureDone
	var emits []lapUpdate

	itf.mu.Lock()
	for _, n := range itf.nodes {
		if n.FrequencyKHz == 0 {
			continue
		}

		size := n.Proto.LapStatsSize()
		var data []byte
		var tm i2cbus.Timing
		var ok bool
		if n.Proto.TimedRead() {
			data, tm, ok = itf.bus.ReadBlockTimed(n.Addr, ReadLapStats, size)
		} else {
			data, ok = itf.bus.ReadBlock(n.Addr, ReadLapStats, size)
		}
		if !ok {
			continue // node skipped this cycle; state untouched
		}

		st := decodeLapStats(n.Proto, n.APILevel, data)
		if !mathx.Between(int(st.rssi), MinRSSI, MaxRSSI) {
			itf.logf("RSSI reading (%d) out of range on Node %d; rejected", st.rssi, n.Index+1)
			continue
		}

		n.CurrentRSSI = st.rssi
		var lapTimeMs int64
		if n.APIValid {
			if n.Proto == node.ProtoV18 {
				lapTimeMs = int64(st.lapDifferentialMs) + tm.RoundTrip().Milliseconds()/2
			} else {
				n.LapMsSinceStart = st.msSinceStart
				lapTimeMs = st.lapTimeMs
			}
			n.NodePeakRSSI = st.nodePeak
			n.PassPeakRSSI = st.passPeak
			n.LoopTimeUs = st.loopTime
			if st.crossing != n.CrossingFlag {
				n.CrossingFlag = st.crossing
				crossings = append(crossings, n)
			}
			n.PassNadirRSSI = st.passNadir
			if n.APILevel >= 13 {
				n.NodeNadirRSSI = st.nodeNadir
			}
		} else {
			lapTimeMs = st.lapTimeMs
			n.PassPeakRSSI = st.passPeak
			n.LoopTimeUs = st.loopTime
		}

		if st.lapID != n.LastLapID {
			laps = append(laps, lapUpdate{n: n, lapID: st.lapID, lapTimeMs: lapTimeMs})
		}

		captures = append(captures, itf.advanceCaptures(n)...)

		if n.Proto.HasHistory() {
			appendHistory(n, st.hist, tm.ReadTime())
		}

		itf.publishRSSI(n)
	}

	// Lap bookkeeping happens under the lock; a cycle with multiple laps
	// emits in ascending lap_ms_since_start order. The first observed lap id
	// only latches the sentinel.
	if len(laps) > 1 {
		sort.SliceStable(laps, func(i, j int) bool {
			return laps[i].n.LapMsSinceStart < laps[j].n.LapMsSinceStart
		})
	}
	for _, u := range laps {
		if u.n.LastLapID != -1 {
			emits = append(emits, u)
		}
		u.n.LastLapID = u.lapID
	}
	itf.mu.Unlock()

	for _, c := range captures {
		itf.sink.NewEnterOrExitAt(c.n, c.isEnter)
	}
	for _, n := range crossings {
		itf.sink.NodeCrossing(n)
		itf.publishCrossing(n)
	}
	for _, u := range emits {
		itf.sink.PassRecord(u.n, u.lapTimeMs, types.LapSourceRealtime)
		itf.publishPass(u.n, u.lapTimeMs, types.LapSourceRealtime)
	}
}
