package timing

import (
	"fmt"

	"tinygo.org/x/drivers/bme280"

	"laptimer-go/types"
	"laptimer-go/x/timex"
)

// Environmental sensing is adjacent to timing: the same serialized bus, the
// same quiet-time discipline, none of the correctness stakes. All failures
// here are logged and non-fatal.

var bme280Addrs = []uint16{0x76, 0x77}

type envSensor struct {
	addr uint16
	dev  bme280.Device
	last types.EnvReading
}

// probeEnv scans the supported BME280 addresses and remembers respondents.
// The driver shares the transactor's guarded Tx, so probing and sampling
// stay inside the bus discipline.
func (itf *Interface) probeEnv() {
	for _, addr := range bme280Addrs {
		d := bme280.New(itf.bus)
		d.Address = addr
		if !d.Connected() {
			itf.log.Debugf("no BME280 at address 0x%02x", addr)
			continue
		}
		d.Configure()
		itf.logf("BME280 found at address 0x%02x", addr)
		s := &envSensor{addr: addr, dev: d}
		itf.env = append(itf.env, s)
		itf.sampleEnv(s)
	}
}

func (itf *Interface) sampleEnv(s *envSensor) bool {
	t, err := s.dev.ReadTemperature()
	if err != nil {
		itf.logf("BME280 Read Error: %v", err)
		return false
	}
	p, err := s.dev.ReadPressure()
	if err != nil {
		itf.logf("BME280 Read Error: %v", err)
		return false
	}
	h, err := s.dev.ReadHumidity()
	if err != nil {
		itf.logf("BME280 Read Error: %v", err)
		return false
	}
	s.last = types.EnvReading{
		Addr:         s.addr,
		TempMilliC:   t,
		PressMilliPa: p,
		HumCentiPct:  h,
		TS:           timex.NowMs(),
	}
	return true
}

// UpdateEnvironmentalData resamples every discovered BME280 and refreshes
// the host core temperature.
func (itf *Interface) UpdateEnvironmentalData() {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	for i, s := range itf.env {
		if itf.sampleEnv(s) && itf.tel != nil {
			itf.tel.Publish(fmt.Sprintf("env/bme280/%d", i), s.last, true)
		}
	}
	itf.refreshCoreTemp()
}

// EnvReadings returns the latest sample per discovered sensor.
func (itf *Interface) EnvReadings() []types.EnvReading {
	itf.mu.Lock()
	defer itf.mu.Unlock()
	out := make([]types.EnvReading, 0, len(itf.env))
	for _, s := range itf.env {
		out = append(out, s.last)
	}
	return out
}
