//go:build !linux

package main

import (
	"errors"

	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/hal"
)

var errNoHardware = errors.New("hardware mode needs linux; use -sim")

func openBank(config.InstanceSpec) (hal.RegisterBank, error) {
	return nil, errNoHardware
}

func openLine(string) (hal.InterruptLine, error) {
	return nil, errNoHardware
}
