package timing

import (
	"laptimer-go/node"
	"laptimer-go/x/mathx"
	"laptimer-go/x/timex"
)

type captureDone struct {
	n       *node.Node
	isEnter bool
}

// StartCaptureEnterAt opens a 3-second enter-at capture window on the node.
// Returns false if the node is unknown, pre-capability, or already capturing.
func (itf *Interface) StartCaptureEnterAt(nodeIndex int) bool {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || !n.APIValid || n.CapEnterAt.Active {
		return false
	}
	n.CapEnterAt = node.Capture{Active: true, DeadlineMs: timex.NowMs() + CapEnterExitAtMs}
	return true
}

// StartCaptureExitAt is the exit-at counterpart of StartCaptureEnterAt.
func (itf *Interface) StartCaptureExitAt(nodeIndex int) bool {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	n, ok := itf.nodeAt(nodeIndex)
	if !ok || !n.APIValid || n.CapExitAt.Active {
		return false
	}
	n.CapExitAt = node.Capture{Active: true, DeadlineMs: timex.NowMs() + CapEnterExitAtMs}
	return true
}

// advanceCaptures feeds the node's accepted RSSI sample into any open
// capture window and, once the deadline has elapsed, derives the averaged
// threshold, transmits it to the node, and reports the completion. Called
// from the poll cycle with the lock held.
func (itf *Interface) advanceCaptures(n *node.Node) []captureDone {
	var done []captureDone

	if n.CapEnterAt.Active {
		n.CapEnterAt.Total += int64(n.CurrentRSSI)
		n.CapEnterAt.Count++
		if timex.NowMs() >= n.CapEnterAt.DeadlineMs {
			level := int(mathx.RoundDiv(n.CapEnterAt.Total, n.CapEnterAt.Count))
			n.CapEnterAt.Active = false
			// Keep the threshold at least the margin below the lifetime peak.
			if n.NodePeakRSSI > 0 && int(n.NodePeakRSSI)-level < EnterAtPeakMargin {
				level = int(n.NodePeakRSSI) - EnterAtPeakMargin
			}
			n.EnterAtLevel = level
			itf.transmitEnterAtLevel(n, level)
			done = append(done, captureDone{n: n, isEnter: true})
		}
	}

	if n.CapExitAt.Active {
		n.CapExitAt.Total += int64(n.CurrentRSSI)
		n.CapExitAt.Count++
		if timex.NowMs() >= n.CapExitAt.DeadlineMs {
			level := int(mathx.RoundDiv(n.CapExitAt.Total, n.CapExitAt.Count))
			n.CapExitAt.Active = false
			n.ExitAtLevel = level
			itf.transmitExitAtLevel(n, level)
			done = append(done, captureDone{n: n, isEnter: false})
		}
	}
	return done
}
