//go:build linux

package i2cbus

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Linux i2c-dev userspace interface, <linux/i2c-dev.h>.
const (
	ioctlI2CRdwr = 0x0707
	i2cMsgRead   = 0x0001
)

type i2cMsg struct {
	addr  uint16
	flags uint16
	len   uint16
	_     uint16
	buf   uintptr
}

type i2cRdwrData struct {
	msgs  uintptr
	nmsgs uint32
}

// Dev is a drivers.I2C over a /dev/i2c-N character device. A combined
// write+read is issued as one I2C_RDWR ioctl so the read follows the write
// with a repeated start, never releasing the bus in between.
type Dev struct {
	f *os.File
}

// OpenDev opens an i2c-dev node, e.g. /dev/i2c-1.
func OpenDev(path string) (*Dev, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return &Dev{f: f}, nil
}

func (d *Dev) Close() error { return d.f.Close() }

// Tx implements drivers.I2C.
func (d *Dev) Tx(addr uint16, w, r []byte) error {
	var msgs [2]i2cMsg
	n := 0
	if len(w) > 0 {
		msgs[n] = i2cMsg{addr: addr, len: uint16(len(w)), buf: uintptr(unsafe.Pointer(&w[0]))}
		n++
	}
	if len(r) > 0 {
		msgs[n] = i2cMsg{addr: addr, flags: i2cMsgRead, len: uint16(len(r)), buf: uintptr(unsafe.Pointer(&r[0]))}
		n++
	}
	if n == 0 {
		return nil
	}
	data := i2cRdwrData{msgs: uintptr(unsafe.Pointer(&msgs[0])), nmsgs: uint32(n)}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), ioctlI2CRdwr, uintptr(unsafe.Pointer(&data)))
	runtime.KeepAlive(w)
	runtime.KeepAlive(r)
	runtime.KeepAlive(&msgs)
	if errno != 0 {
		return errors.Wrapf(errno, "i2c rdwr addr=0x%02x", addr)
	}
	return nil
}
