//go:build !linux

package handlers

import (
	"context"

	"github.com/cockroachdb/errors"
)

func dialSystemBus(context.Context) (UnitController, error) {
	return nil, errors.New("systemd: unsupported OS (linux only)")
}
