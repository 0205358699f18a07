package i2cbus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	"tinygo.org/x/drivers"

	"laptimer-go/codec"
)

var (
	_ drivers.I2C = (*fakeDev)(nil)
	_ drivers.I2C = (*Bus)(nil) // chip drivers ride the guarded passthrough
)

// fakeDev is a scriptable drivers.I2C. It records every transfer and checks
// that transactions never overlap and that consecutive transactions honor
// the quiet period.
type fakeDev struct {
	mu       sync.Mutex
	inFlight bool
	overlaps int
	lastEnd  time.Time
	minGap   time.Duration
	gaps     int

	delay time.Duration
	calls []fakeCall
	// respond fills r and returns the transfer error for one call.
	respond func(call int, addr uint16, w, r []byte) error
}

type fakeCall struct {
	addr uint16
	w    []byte
	rlen int
}

func (f *fakeDev) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	if f.inFlight {
		f.overlaps++
	}
	f.inFlight = true
	start := time.Now()
	if !f.lastEnd.IsZero() {
		gap := start.Sub(f.lastEnd)
		if f.gaps == 0 || gap < f.minGap {
			f.minGap = gap
		}
		f.gaps++
	}
	call := len(f.calls)
	f.calls = append(f.calls, fakeCall{addr: addr, w: append([]byte{}, w...), rlen: len(r)})
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	var err error
	if f.respond != nil {
		err = f.respond(call, addr, w, r)
	}

	f.mu.Lock()
	f.inFlight = false
	f.lastEnd = time.Now()
	f.mu.Unlock()
	return err
}

// frame fills r with payload plus a valid trailing checksum.
func frame(r, payload []byte) {
	copy(r, payload)
	r[len(payload)] = codec.Checksum(payload)
}

func TestReadBlockStripsChecksum(t *testing.T) {
	dev := &fakeDev{respond: func(_ int, _ uint16, _ []byte, r []byte) error {
		frame(r, []byte{0x12, 0x34})
		return nil
	}}
	b := New(dev, nil)

	data, ok := b.ReadBlock(8, 0x03, 2)
	assert.Assert(t, ok)
	assert.DeepEqual(t, []byte{0x12, 0x34}, data)
	assert.Equal(t, 1, len(dev.calls))
	assert.Equal(t, 3, dev.calls[0].rlen, "reads size+1 for the checksum byte")
	assert.DeepEqual(t, []byte{0x03}, dev.calls[0].w)
}

func TestReadBlockRetriesChecksum(t *testing.T) {
	dev := &fakeDev{respond: func(call int, _ uint16, _ []byte, r []byte) error {
		frame(r, []byte{0x12, 0x34})
		if call == 0 {
			r[2] ^= 0xFF // corrupt the trailer once
		}
		return nil
	}}
	b := New(dev, nil)

	data, ok := b.ReadBlock(8, 0x03, 2)
	assert.Assert(t, ok)
	assert.DeepEqual(t, []byte{0x12, 0x34}, data)
	assert.Equal(t, 2, len(dev.calls))
	assert.Equal(t, uint64(1), b.Counters().Retries)
}

func TestReadBlockRetryBound(t *testing.T) {
	dev := &fakeDev{respond: func(int, uint16, []byte, []byte) error {
		return errors.New("no ack")
	}}
	b := New(dev, nil)

	_, ok := b.ReadBlock(8, 0x05, 19)
	assert.Assert(t, !ok)
	assert.Equal(t, RetryCount, len(dev.calls))
	assert.Equal(t, uint64(1), b.Counters().Failures)
}

func TestWriteBlockFraming(t *testing.T) {
	dev := &fakeDev{}
	b := New(dev, nil)

	ok := b.WriteBlock(10, 0x51, []byte{0x16, 0xA8}) // 5800 kHz
	assert.Assert(t, ok)
	assert.Equal(t, 1, len(dev.calls))

	// Wire layout: reg, payload..., reg, checksum(payload+reg).
	want := []byte{0x51, 0x16, 0xA8, 0x51, codec.Checksum([]byte{0x16, 0xA8, 0x51})}
	assert.DeepEqual(t, want, dev.calls[0].w)
	assert.Equal(t, 0, dev.calls[0].rlen)
}

func TestWriteBlockRetryBound(t *testing.T) {
	dev := &fakeDev{respond: func(int, uint16, []byte, []byte) error {
		return errors.New("no ack")
	}}
	b := New(dev, nil)

	assert.Assert(t, !b.WriteBlock(10, 0x51, []byte{0x00, 0x01}))
	assert.Equal(t, RetryCount, len(dev.calls))
}

func TestProbe(t *testing.T) {
	dev := &fakeDev{respond: func(_ int, addr uint16, _ []byte, r []byte) error {
		if addr != 8 {
			return errors.New("no device")
		}
		r[0] = byte(addr) // raw byte, deliberately no checksum
		return nil
	}}
	b := New(dev, nil)

	assert.Assert(t, b.Probe(8, 0x00))
	assert.Assert(t, !b.Probe(10, 0x00))
}

func TestSerializationAndQuietTime(t *testing.T) {
	dev := &fakeDev{respond: func(_ int, _ uint16, _ []byte, r []byte) error {
		frame(r, []byte{0x00, 0x01})
		return nil
	}}
	b := New(dev, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.ReadBlock(8, 0x03, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, dev.overlaps, "no two transactions may overlap")
	assert.Equal(t, 3, dev.gaps)
	// Allow a small epsilon for timer granularity.
	assert.Assert(t, dev.minGap >= ChillTime-5*time.Millisecond,
		"gap %v shorter than quiet time", dev.minGap)
}

func TestTimingBracketsTransfer(t *testing.T) {
	dev := &fakeDev{delay: 20 * time.Millisecond, respond: func(_ int, _ uint16, _ []byte, r []byte) error {
		frame(r, make([]byte, 19))
		return nil
	}}
	b := New(dev, nil)

	_, tm, ok := b.ReadBlockTimed(8, 0x05, 19)
	assert.Assert(t, ok)
	assert.Assert(t, tm.RoundTrip() >= 20*time.Millisecond)

	rt := tm.ReadTime()
	assert.Assert(t, rt.After(tm.Request) && rt.Before(tm.Response))
}
