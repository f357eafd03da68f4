//go:build !cgo

package bridge

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errNoCgo = errors.New("bridge: USB HID support requires cgo")

func Open(cfg Config, log *logrus.Entry) (*Bridge, error) {
	return nil, errNoCgo
}

func Enumerate(cfg Config) ([]string, error) {
	return nil, errNoCgo
}
