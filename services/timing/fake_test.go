package timing

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/drivers"

	"laptimer-go/codec"
	"laptimer-go/node"
	"laptimer-go/types"
)

var _ drivers.I2C = (*fakeWire)(nil)

// fakeNode emulates one sensor board behind the wire.
type fakeNode struct {
	apiLevel  uint8
	frequency uint16
	nodePeak  uint16
	nodeNadir uint16
	enterAt   uint16
	exitAt    uint16
	startMs   uint32
	forceEnd  bool

	// lapFrames is a queue of READ_LAP_STATS payloads; the last one repeats.
	lapFrames [][]byte
	lapDelay  time.Duration // simulated transfer latency for lap reads
}

func (n *fakeNode) popLapFrame() []byte {
	f := n.lapFrames[0]
	if len(n.lapFrames) > 1 {
		n.lapFrames = n.lapFrames[1:]
	}
	return f
}

func (n *fakeNode) rssiWide() bool { return n.apiLevel < 18 }

func (n *fakeNode) packRSSI(v uint16) []byte {
	if n.rssiWide() {
		return codec.PackU16(v)
	}
	return codec.PackU8(uint8(v))
}

type wireWrite struct {
	addr    uint16
	reg     byte
	payload []byte
}

// fakeWire is a drivers.I2C with a population of fake nodes. It understands
// the node register map and the write frame convention, and answers reads
// with checksummed frames.
type fakeWire struct {
	mu     sync.Mutex
	nodes  map[uint16]*fakeNode
	writes []wireWrite
}

func newFakeWire() *fakeWire {
	return &fakeWire{nodes: map[uint16]*fakeNode{}}
}

func (f *fakeWire) node(addr uint16, n *fakeNode) *fakeNode {
	f.nodes[addr] = n
	return n
}

// writesTo returns the recorded payloads written to (addr, reg).
func (f *fakeWire) writesTo(addr uint16, reg byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, w := range f.writes {
		if w.addr == addr && w.reg == reg {
			out = append(out, w.payload)
		}
	}
	return out
}

func (f *fakeWire) Tx(addr uint16, w, r []byte) error {
	if len(r) == 0 {
		return f.handleWrite(addr, w)
	}
	return f.handleRead(addr, w, r)
}

func (f *fakeWire) handleWrite(addr uint16, w []byte) error {
	// Wire layout: reg, payload..., reg, checksum.
	reg := w[0]
	payload := append([]byte{}, w[1:len(w)-2]...)

	f.mu.Lock()
	f.writes = append(f.writes, wireWrite{addr: addr, reg: reg, payload: payload})
	f.mu.Unlock()

	if addr == broadcastAddr {
		return nil
	}
	n, ok := f.nodes[addr]
	if !ok {
		return errors.New("no ack")
	}

	switch reg {
	case WriteFrequency:
		n.frequency = codec.UnpackU16(payload)
	case WriteEnterAtLevel:
		n.enterAt = codec.UnpackRSSI(n.apiLevel, payload)
	case WriteExitAtLevel:
		n.exitAt = codec.UnpackRSSI(n.apiLevel, payload)
	case WriteMarkStartTime:
		n.startMs = codec.UnpackU32(payload)
	case ForceEndCrossing:
		n.forceEnd = true
	}
	return nil
}

func (f *fakeWire) handleRead(addr uint16, w, r []byte) error {
	n, ok := f.nodes[addr]
	if !ok {
		return errors.New("no ack")
	}
	reg := w[0]

	var payload []byte
	switch reg {
	case ReadAddress:
		payload = []byte{byte(addr)}
	case ReadFrequency:
		payload = codec.PackU16(n.frequency)
	case ReadRevisionCode:
		payload = codec.PackU16(uint16(revisionMagic)<<8 | uint16(n.apiLevel))
	case ReadNodeRSSIPeak:
		payload = n.packRSSI(n.nodePeak)
	case ReadNodeRSSINadir:
		payload = n.packRSSI(n.nodeNadir)
	case ReadEnterAtLevel:
		payload = n.packRSSI(n.enterAt)
	case ReadExitAtLevel:
		payload = n.packRSSI(n.exitAt)
	case ReadLapStats:
		if n.lapDelay > 0 {
			time.Sleep(n.lapDelay)
		}
		payload = n.popLapFrame()
	default:
		return errors.New("unknown register")
	}

	copy(r, payload)
	if len(r) > len(payload) {
		r[len(payload)] = codec.Checksum(payload)
	}
	return nil
}

// ------------------------------------------------------------------------
// Frame builders
// ------------------------------------------------------------------------

type v18Opts struct {
	lapID     uint8
	diffMs    uint16
	rssi      uint8
	nodePeak  uint8
	passPeak  uint8
	loopTime  uint16
	crossing  bool
	passNadir uint8
	nodeNadir uint8
	histPeak  uint8
	peakFirst uint16
	peakLast  uint16
	histNadir uint8
	nadirTime uint16
}

func buildV18(o v18Opts) []byte {
	b := make([]byte, 19)
	b[0] = o.lapID
	copy(b[1:], codec.PackU16(o.diffMs))
	b[3] = o.rssi
	b[4] = o.nodePeak
	b[5] = o.passPeak
	copy(b[6:], codec.PackU16(o.loopTime))
	if o.crossing {
		b[8] = 1
	}
	b[9] = o.passNadir
	b[10] = o.nodeNadir
	b[11] = o.histPeak
	copy(b[12:], codec.PackU16(o.peakFirst))
	copy(b[14:], codec.PackU16(o.peakLast))
	b[16] = o.histNadir
	copy(b[17:], codec.PackU16(o.nadirTime))
	return b
}

type v13Opts struct {
	lapID     uint8
	lapTimeMs uint32
	rssi      uint16
	nodePeak  uint16
	passPeak  uint16
	loopTime  uint16
	crossing  bool
	passNadir uint16
	nodeNadir uint16
}

func buildV13(o v13Opts) []byte {
	b := make([]byte, 20)
	b[0] = o.lapID
	copy(b[1:], codec.PackU32(o.lapTimeMs))
	copy(b[5:], codec.PackU16(o.rssi))
	copy(b[7:], codec.PackU16(o.nodePeak))
	copy(b[9:], codec.PackU16(o.passPeak))
	copy(b[11:], codec.PackU16(o.loopTime))
	if o.crossing {
		b[15] = 1
	}
	copy(b[16:], codec.PackU16(o.passNadir))
	copy(b[18:], codec.PackU16(o.nodeNadir))
	return b
}

// ------------------------------------------------------------------------
// Event sink recorder
// ------------------------------------------------------------------------

type passRec struct {
	nodeIndex int
	lapTimeMs int64
	source    int
}

type capRec struct {
	nodeIndex int
	isEnter   bool
}

type recordSink struct {
	mu        sync.Mutex
	passes    []passRec
	logs      []string
	crossings []int
	captures  []capRec
	events    []string // ordered trace across all callback kinds
}

func (s *recordSink) PassRecord(n *node.Node, lapTimeMs int64, source types.LapSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes = append(s.passes, passRec{nodeIndex: n.Index, lapTimeMs: lapTimeMs, source: int(source)})
	s.events = append(s.events, fmt.Sprintf("pass:%d", n.Index))
}

func (s *recordSink) HardwareLog(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
}

func (s *recordSink) NewEnterOrExitAt(n *node.Node, isEnter bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, capRec{nodeIndex: n.Index, isEnter: isEnter})
	s.events = append(s.events, fmt.Sprintf("capture:%d", n.Index))
}

func (s *recordSink) NodeCrossing(n *node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossings = append(s.crossings, n.Index)
	s.events = append(s.events, fmt.Sprintf("crossing:%d", n.Index))
}

func (s *recordSink) logContaining(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
