//go:build !linux

package canbus

import (
	"context"
	"errors"
)

// DialSocketCAN is only available on Linux.
func DialSocketCAN(ctx context.Context, iface string) (Bus, error) {
	return nil, errors.New("canbus: socketcan is only supported on linux")
}
