package node

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestProtocolFor(t *testing.T) {
	cases := []struct {
		level uint8
		want  Protocol
		size  int
		rssiB int
	}{
		{0, ProtoLegacy, 17, 2},
		{5, ProtoLegacy, 17, 2},
		{9, ProtoLegacy, 17, 2},
		{10, ProtoV10, 18, 2},
		{12, ProtoV10, 18, 2},
		{13, ProtoV13, 20, 2},
		{16, ProtoV13, 20, 2},
		{17, ProtoV17, 28, 2},
		{18, ProtoV18, 19, 1},
		{25, ProtoV18, 19, 1},
	}
	for _, c := range cases {
		p := ProtocolFor(c.level)
		assert.Equal(t, c.want, p, "level %d", c.level)
		assert.Equal(t, c.size, p.LapStatsSize(), "level %d", c.level)
		assert.Equal(t, c.rssiB, p.RSSIBytes(), "level %d", c.level)
	}
}

func TestTimedReadGate(t *testing.T) {
	assert.Assert(t, !ProtoV13.TimedRead())
	assert.Assert(t, ProtoV17.TimedRead())
	assert.Assert(t, ProtoV18.TimedRead())
	assert.Assert(t, !ProtoV17.HasHistory())
	assert.Assert(t, ProtoV18.HasHistory())
}

func TestSetAPILevel(t *testing.T) {
	n := New(0, 8)
	assert.Equal(t, -1, n.LastLapID)

	n.SetAPILevel(9)
	assert.Assert(t, !n.APIValid)

	n.SetAPILevel(10)
	assert.Assert(t, n.APIValid)
	assert.Equal(t, ProtoV10, n.Proto)
}

func TestHistoryPairing(t *testing.T) {
	n := New(0, 8)
	now := time.Now()
	n.AppendHistory(120, now)
	n.AppendHistory(80, now.Add(10*time.Millisecond))
	assert.Equal(t, 2, n.HistoryLen())

	v, ts := n.DrainHistory()
	assert.Equal(t, len(v), len(ts))
	assert.Equal(t, uint16(120), v[0])
	assert.Equal(t, uint16(80), v[1])
	assert.Equal(t, 0, n.HistoryLen())
}
