// Package i2cbus owns the wire. Every transaction against the sensor bus is
// funneled through one Bus value: a binary semaphore serializes access, a
// quiet period separates consecutive transactions so slave firmware can
// recover, and failed or corrupt frames are retried a bounded number of
// times. Callers get back either a validated payload or a clean false.
package i2cbus

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"tinygo.org/x/drivers"

	"laptimer-go/codec"
	"laptimer-go/errcode"
)

const (
	// ChillTime is the minimum gap between the end of one transaction and
	// the start of the next.
	ChillTime = 75 * time.Millisecond

	// RetryCount bounds the underlying operations per block read or write.
	RetryCount = 5
)

// Timing carries the host monotonic timestamps captured around one read.
type Timing struct {
	Request  time.Time
	Response time.Time
}

// RoundTrip is the bus round-trip latency of the transaction.
func (t Timing) RoundTrip() time.Duration { return t.Response.Sub(t.Request) }

// ReadTime is the transaction midpoint: the host timestamp assigned to the
// data the node reported.
func (t Timing) ReadTime() time.Time { return t.Response.Add(-t.RoundTrip() / 2) }

// Counters is a snapshot of transaction accounting, read by the metrics
// collector.
type Counters struct {
	Reads    uint64
	Writes   uint64
	Retries  uint64
	Failures uint64
}

// Bus serializes framed transactions over one I2C device.
type Bus struct {
	dev drivers.I2C
	log logrus.FieldLogger

	sem          chan struct{}
	lastActivity time.Time // owned by the semaphore holder; zero until first use

	reads    atomic.Uint64
	writes   atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
}

// New wraps dev. A nil log falls back to the standard logger.
func New(dev drivers.I2C, log logrus.FieldLogger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{dev: dev, log: log, sem: make(chan struct{}, 1)}
}

func (b *Bus) acquire() { b.sem <- struct{}{} }
func (b *Bus) release() { <-b.sem }

// chill waits out the remainder of the quiet period. Called with the
// semaphore held. The first transaction has no quiet-time obligation.
func (b *Bus) chill() {
	if b.lastActivity.IsZero() {
		return
	}
	if remaining := ChillTime - time.Since(b.lastActivity); remaining > 0 {
		time.Sleep(remaining)
	}
}

// Counters returns a consistent-enough snapshot for scraping.
func (b *Bus) Counters() Counters {
	return Counters{
		Reads:    b.reads.Load(),
		Writes:   b.writes.Load(),
		Retries:  b.retries.Load(),
		Failures: b.failures.Load(),
	}
}

// Probe issues a single raw 1-byte read with no checksum requirement and no
// retry. Any successful transfer means a device answered at addr.
func (b *Bus) Probe(addr uint16, reg byte) bool {
	var buf [1]byte
	b.acquire()
	b.chill()
	err := b.dev.Tx(addr, []byte{reg}, buf[:])
	b.lastActivity = time.Now()
	b.release()
	b.reads.Add(1)
	return err == nil
}

// Tx is a guarded raw passthrough implementing drivers.I2C, so chip drivers
// (the BME280) share the semaphore and quiet-time discipline.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	b.acquire()
	b.chill()
	err := b.dev.Tx(addr, w, r)
	b.lastActivity = time.Now()
	b.release()
	if err != nil {
		return &errcode.E{C: errcode.BusIO, Op: "tx", Msg: fmt.Sprintf("addr=0x%02x", addr), Err: err}
	}
	return nil
}

// ReadBlock reads size payload bytes from (addr, reg). See ReadBlockTimed.
func (b *Bus) ReadBlock(addr uint16, reg byte, size int) ([]byte, bool) {
	data, _, ok := b.ReadBlockTimed(addr, reg, size)
	return data, ok
}

// ReadBlockTimed reads size payload bytes plus the trailing checksum byte
// from (addr, reg), validating the trailer. The returned Timing brackets the
// transfer on the last attempt. ok is false after RetryCount attempts.
func (b *Bus) ReadBlockTimed(addr uint16, reg byte, size int) ([]byte, Timing, bool) {
	var tm Timing
	for attempt := 1; attempt <= RetryCount; attempt++ {
		buf := make([]byte, size+1)

		b.acquire()
		b.chill()
		tm.Request = time.Now()
		err := b.dev.Tx(addr, []byte{reg}, buf)
		tm.Response = time.Now()
		b.lastActivity = tm.Response
		b.release()
		b.reads.Add(1)

		if err != nil {
			b.log.WithError(errors.Wrap(err, "read")).
				Warnf("read error: addr=0x%02x reg=0x%02x", addr, reg)
			b.noteRetry("io", "read_block", addr, reg, size, attempt)
			continue
		}
		if codec.Validate(buf) {
			return buf[:size], tm, true
		}
		b.noteRetry("checksum", "read_block", addr, reg, size, attempt)
	}
	b.failures.Add(1)
	return nil, tm, false
}

// WriteBlock writes payload to (addr, reg). The wire frame mirrors the node
// firmware's convention: the payload is followed by the register byte and a
// checksum over both.
func (b *Bus) WriteBlock(addr uint16, reg byte, payload []byte) bool {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, payload...)
	frame = append(frame, reg)
	frame = append(frame, codec.Checksum(frame))
	w := append([]byte{reg}, frame...)

	for attempt := 1; attempt <= RetryCount; attempt++ {
		b.acquire()
		b.chill()
		err := b.dev.Tx(addr, w, nil)
		b.lastActivity = time.Now()
		b.release()
		b.writes.Add(1)

		if err == nil {
			return true
		}
		b.log.WithError(errors.Wrap(err, "write")).
			Warnf("write error: addr=0x%02x reg=0x%02x", addr, reg)
		b.noteRetry("io", "write_block", addr, reg, len(payload), attempt)
	}
	b.failures.Add(1)
	return false
}

// noteRetry accounts and logs a failed attempt. The occasional single retry
// is not logged; exhausting the limit is logged distinctly.
func (b *Bus) noteRetry(kind, op string, addr uint16, reg byte, size, attempt int) {
	b.retries.Add(1)
	switch {
	case attempt >= RetryCount:
		b.log.Warnf("retry (%s) limit reached in %s: addr=0x%02x reg=0x%02x size=%d retry=%d",
			kind, op, addr, reg, size, attempt)
	case attempt > 1:
		b.log.Warnf("retry (%s) in %s: addr=0x%02x reg=0x%02x size=%d retry=%d",
			kind, op, addr, reg, size, attempt)
	}
}
