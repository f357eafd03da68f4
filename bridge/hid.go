//go:build cgo

package bridge

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sstallion/go-hid"
)

// hidDevice adapts *hid.Device to HIDDevice, reporting timeouts as empty
// reads and retrying interrupted system calls.
type hidDevice struct {
	*hid.Device
}

func (d hidDevice) ReadWithTimeout(p []byte, timeout time.Duration) (int, error) {
	for {
		n, err := d.Device.ReadWithTimeout(p, timeout)
		switch {
		case errors.Is(err, hid.ErrTimeout):
			return 0, nil
		case err != nil && err.Error() == "Interrupted system call":
			continue
		}
		return n, err
	}
}

// Open finds the first bridge matching cfg and starts it.
func Open(cfg Config, log *logrus.Entry) (*Bridge, error) {
	if err := hid.Init(); err != nil {
		return nil, errors.Wrap(err, "hid init")
	}
	dev, err := hid.OpenFirst(cfg.VendorID, cfg.ProductID)
	if err != nil {
		_ = hid.Exit()
		return nil, errors.Wrapf(err, "open bridge %04X:%04X", cfg.VendorID, cfg.ProductID)
	}
	b := New(hidDevice{Device: dev}, cfg, log)
	b.onClose = func() { _ = hid.Exit() }
	if cfg.I2CClockKHz != 0 {
		if err := b.SetI2CClock(cfg.I2CClockKHz); err != nil {
			_ = b.Close()
			return nil, err
		}
	}
	return b, nil
}

// Enumerate lists the paths of attached bridges.
func Enumerate(cfg Config) ([]string, error) {
	if err := hid.Init(); err != nil {
		return nil, errors.Wrap(err, "hid init")
	}
	var paths []string
	err := hid.Enumerate(cfg.VendorID, cfg.ProductID, func(info *hid.DeviceInfo) error {
		paths = append(paths, info.Path)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "enumerate bridges")
	}
	return paths, nil
}
