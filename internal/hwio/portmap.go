package hwio

import (
	"fmt"
	"log/slog"
	"sync"
)

// PortDevice is an emulated device claiming a set of I/O ports. The PIC and
// adapter emulations implement this so tests and the bench tools can wire a
// whole bus together.
type PortDevice interface {
	IOPorts() []uint16
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortMap dispatches Bus accesses to registered PortDevices. Reads from
// unclaimed ports float high like an undriven ISA bus.
type PortMap struct {
	mu      sync.Mutex
	devices map[uint16]PortDevice
}

func NewPortMap() *PortMap {
	return &PortMap{devices: make(map[uint16]PortDevice)}
}

// Register claims every port the device reports. Overlapping claims are an
// assembly mistake, not a runtime condition, so they fail loudly.
func (m *PortMap) Register(dev PortDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, port := range dev.IOPorts() {
		if prev, ok := m.devices[port]; ok {
			return fmt.Errorf("hwio: port 0x%04x already claimed by %T", port, prev)
		}
		m.devices[port] = dev
	}
	return nil
}

func (m *PortMap) device(port uint16) PortDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[port]
}

func (m *PortMap) In8(port uint16) uint8 {
	dev := m.device(port)
	if dev == nil {
		return 0xff
	}
	var data [1]byte
	if err := dev.ReadIOPort(port, data[:]); err != nil {
		slog.Warn("hwio: port read failed", "port", fmt.Sprintf("0x%04x", port), "err", err)
		return 0xff
	}
	return data[0]
}

func (m *PortMap) Out8(port uint16, value uint8) {
	dev := m.device(port)
	if dev == nil {
		return
	}
	if err := dev.WriteIOPort(port, []byte{value}); err != nil {
		slog.Warn("hwio: port write failed", "port", fmt.Sprintf("0x%04x", port), "err", err)
	}
}

func (m *PortMap) In16(port uint16) uint16 {
	dev := m.device(port)
	if dev == nil {
		return 0xffff
	}
	var data [2]byte
	if err := dev.ReadIOPort(port, data[:]); err != nil {
		slog.Warn("hwio: port read failed", "port", fmt.Sprintf("0x%04x", port), "err", err)
		return 0xffff
	}
	return uint16(data[0]) | uint16(data[1])<<8
}

func (m *PortMap) Out16(port uint16, value uint16) {
	dev := m.device(port)
	if dev == nil {
		return
	}
	if err := dev.WriteIOPort(port, []byte{byte(value), byte(value >> 8)}); err != nil {
		slog.Warn("hwio: port write failed", "port", fmt.Sprintf("0x%04x", port), "err", err)
	}
}

var _ Bus = (*PortMap)(nil)
