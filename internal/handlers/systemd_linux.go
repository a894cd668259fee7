//go:build linux

package handlers

import (
	"context"

	"github.com/coreos/go-systemd/v22/dbus"
)

func dialSystemBus(ctx context.Context) (UnitController, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
