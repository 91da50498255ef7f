//go:build linux

package main

import (
	"github.com/corebus/xmbox/kernel/config"
	"github.com/corebus/xmbox/kernel/hal"
)

func openBank(inst config.InstanceSpec) (hal.RegisterBank, error) {
	return hal.OpenDevice(hal.DeviceOptions{Base: inst.Base, Size: inst.Size})
}

func openLine(path string) (hal.InterruptLine, error) {
	return hal.OpenUIO(path)
}
