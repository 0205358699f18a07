// Package timing is the hardware interface core: it discovers sensor nodes
// on the I2C bus, polls them for RSSI and lap data on a fixed cadence,
// derives enter/exit trigger thresholds, and pushes validated configuration
// back to the nodes. Events reach the rest of the system through an
// EventSink (synchronous, ordered) and a telemetry bus (best-effort).
package timing

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"laptimer-go/bus"
	"laptimer-go/i2cbus"
	"laptimer-go/node"
	"laptimer-go/types"
	"laptimer-go/x/timex"
)

const defaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// EventSink receives the interface's ordered callbacks. Poll-cycle events
// are invoked from the polling goroutine; SimulateLap and the configuration
// operations invoke PassRecord and HardwareLog from the caller's goroutine.
// Implementations must not block.
type EventSink interface {
	// PassRecord reports a completed lap.
	PassRecord(n *node.Node, lapTimeMs int64, source types.LapSource)
	// HardwareLog carries operator-facing interface messages.
	HardwareLog(message string)
	// NewEnterOrExitAt reports a capture-derived threshold now on the node.
	NewEnterOrExitAt(n *node.Node, isEnter bool)
	// NodeCrossing reports a crossing-flag change; read the flag off the node.
	NodeCrossing(n *node.Node)
}

// nopSink stands in when no subscriber is attached.
type nopSink struct{}

func (nopSink) PassRecord(*node.Node, int64, types.LapSource) {}
func (nopSink) HardwareLog(string)                            {}
func (nopSink) NewEnterOrExitAt(*node.Node, bool)             {}
func (nopSink) NodeCrossing(*node.Node)                       {}

// Options configures construction. Bus is required.
type Options struct {
	Bus             *i2cbus.Bus
	Log             logrus.FieldLogger
	Telemetry       *bus.Bus  // optional
	Sink            EventSink // optional
	ThermalZonePath string    // defaults to the Pi's thermal_zone0
}

// Interface owns the bus handle and the node registry. The registry is
// immutable after discovery; per-node sample state is guarded by mu.
type Interface struct {
	bus         *i2cbus.Bus
	log         logrus.FieldLogger
	tel         *bus.Bus
	sink        EventSink
	thermalPath string

	mu       sync.Mutex
	nodes    []*node.Node
	env      []*envSensor
	coreTemp float64
}

// New probes the bus, builds the node registry, and scans for environmental
// sensors. Discovery never fails the process: an empty registry is valid.
func New(opts Options) *Interface {
	itf := &Interface{
		bus:         opts.Bus,
		log:         opts.Log,
		tel:         opts.Telemetry,
		sink:        opts.Sink,
		thermalPath: opts.ThermalZonePath,
	}
	if itf.log == nil {
		itf.log = logrus.StandardLogger()
	}
	if itf.sink == nil {
		itf.sink = nopSink{}
	}
	if itf.thermalPath == "" {
		itf.thermalPath = defaultThermalZone
	}

	itf.discover()
	itf.refreshCoreTemp()
	itf.probeEnv()
	itf.publishState("ready", "discovered")
	return itf
}

// discover probes the fixed address set and latches per-node configuration.
// The transactor's quiet-time discipline paces consecutive probes.
func (itf *Interface) discover() {
	for _, addr := range probeAddrs {
		if itf.bus.Probe(addr, ReadAddress) {
			n := node.New(len(itf.nodes), addr)
			itf.nodes = append(itf.nodes, n)
			itf.logf("Node %d found at address %d", n.Index+1, addr)
		} else {
			itf.log.Debugf("no node at address %d", addr)
		}
	}

	for _, n := range itf.nodes {
		if v, ok := itf.getValue16(n, ReadFrequency); ok {
			n.FrequencyKHz = v
		}
		rev, ok := itf.getValue16(n, ReadRevisionCode)
		if ok && rev>>8 == revisionMagic {
			n.SetAPILevel(uint8(rev & 0xFF))
		} else {
			n.SetAPILevel(0)
		}
		if n.APIValid {
			if v, ok := itf.getValueRSSI(n, ReadNodeRSSIPeak); ok {
				n.NodePeakRSSI = v
			}
			if n.APILevel >= 13 {
				if v, ok := itf.getValueRSSI(n, ReadNodeRSSINadir); ok {
					n.NodeNadirRSSI = v
				}
			}
			if v, ok := itf.getValueRSSI(n, ReadEnterAtLevel); ok {
				n.EnterAtLevel = int(v)
			}
			if v, ok := itf.getValueRSSI(n, ReadExitAtLevel); ok {
				n.ExitAtLevel = int(v)
			}
			itf.logf("Node %d: API_level=%d, Freq=%d, EnterAt=%d, ExitAt=%d",
				n.Index+1, n.APILevel, n.FrequencyKHz, n.EnterAtLevel, n.ExitAtLevel)
		} else {
			itf.logf("Node %d: API_level=%d", n.Index+1, n.APILevel)
		}
	}
}

// Nodes returns the registry. The slice is owned by the interface; callers
// must not mutate it.
func (itf *Interface) Nodes() []*node.Node { return itf.nodes }

// NodeStatus is a copy of one node's scrape-relevant state.
type NodeStatus struct {
	Index           int
	Addr            uint16
	APILevel        uint8
	FrequencyKHz    uint16
	CurrentRSSI     uint16
	NodePeakRSSI    uint16
	NodeNadirRSSI   uint16
	Crossing        bool
	LastLapID       int
	LapMsSinceStart int64
}

// Snapshot copies the mutable per-node state for external consumers.
func (itf *Interface) Snapshot() []NodeStatus {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	out := make([]NodeStatus, 0, len(itf.nodes))
	for _, n := range itf.nodes {
		out = append(out, NodeStatus{
			Index:           n.Index,
			Addr:            n.Addr,
			APILevel:        n.APILevel,
			FrequencyKHz:    n.FrequencyKHz,
			CurrentRSSI:     n.CurrentRSSI,
			NodePeakRSSI:    n.NodePeakRSSI,
			NodeNadirRSSI:   n.NodeNadirRSSI,
			Crossing:        n.CrossingFlag,
			LastLapID:       n.LastLapID,
			LapMsSinceStart: n.LapMsSinceStart,
		})
	}
	return out
}

// DrainHistory swaps out a node's paired history buffers under the lock.
func (itf *Interface) DrainHistory(nodeIndex int) ([]uint16, []float64, bool) {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok {
		return nil, nil, false
	}
	values, times := n.DrainHistory()
	secs := make([]float64, len(times))
	for i, t := range times {
		secs[i] = float64(t.UnixNano()) / 1e9
	}
	return values, secs, true
}

func (itf *Interface) nodeAt(i int) (*node.Node, bool) {
	if i < 0 || i >= len(itf.nodes) {
		return nil, false
	}
	return itf.nodes[i], true
}

// logf mirrors interface messages to the structured log and the hardware
// log sink.
func (itf *Interface) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	itf.log.Info(msg)
	itf.sink.HardwareLog("Interface: " + msg)
}

func (itf *Interface) publishState(level, status string) {
	if itf.tel == nil {
		return
	}
	itf.tel.Publish("timing/state", types.InterfaceState{
		Level:  level,
		Status: status,
		Nodes:  len(itf.nodes),
		TS:     timex.NowMs(),
	}, true)
}

func (itf *Interface) publishRSSI(n *node.Node) {
	if itf.tel == nil {
		return
	}
	itf.tel.Publish(fmt.Sprintf("timing/node/%d/rssi", n.Index), types.RSSISample{
		NodeIndex: n.Index,
		RSSI:      n.CurrentRSSI,
		TS:        timex.NowMs(),
	}, false)
}

func (itf *Interface) publishPass(n *node.Node, lapTimeMs int64, src types.LapSource) {
	if itf.tel == nil {
		return
	}
	itf.tel.Publish(fmt.Sprintf("timing/node/%d/pass", n.Index), types.PassEvent{
		NodeIndex: n.Index,
		LapTimeMs: lapTimeMs,
		Source:    src,
		TS:        timex.NowMs(),
	}, false)
}

func (itf *Interface) publishCrossing(n *node.Node) {
	if itf.tel == nil {
		return
	}
	itf.tel.Publish(fmt.Sprintf("timing/node/%d/crossing", n.Index), types.CrossingEvent{
		NodeIndex: n.Index,
		Crossing:  n.CrossingFlag,
		TS:        timex.NowMs(),
	}, false)
}

// refreshCoreTemp reads the host CPU temperature from sysfs. Failure is
// logged and leaves the previous value in place.
func (itf *Interface) refreshCoreTemp() {
	b, err := os.ReadFile(itf.thermalPath)
	if err != nil {
		itf.log.WithError(err).Warn("core temperature read failed")
		return
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
	if err != nil {
		itf.log.WithError(err).Warn("core temperature parse failed")
		return
	}
	itf.coreTemp = v / 1000
	if itf.tel != nil {
		itf.tel.Publish("env/core_temp", types.CoreTemp{Celsius: itf.coreTemp, TS: timex.NowMs()}, true)
	}
}

// CoreTemp returns the last host CPU temperature reading in Celsius.
func (itf *Interface) CoreTemp() float64 {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	return itf.coreTemp
}
