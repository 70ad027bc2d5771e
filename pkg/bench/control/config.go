package control

import (
	"fmt"

	"github.com/NAOC-pulsar/spead2/pkg/bench/spec"
)

// TrialConfig is the configuration of a single trial, sent by the master in
// the Start command. The same record configures the sender on the master and
// the receiver on the slave.
type TrialConfig struct {
	// Version must equal spec.ConfigVersion.
	Version int `json:"version"`
	// TrialID identifies the trial in the logs of both ends.
	TrialID string `json:"trial_id,omitempty"`
	// Transport selects the data plane.
	Transport spec.TransportKind `json:"transport"`
	// Port is the data-plane port. Zero selects the transport's default.
	Port int `json:"port"`

	Packet     int `json:"packet"`
	HeapSize   int `json:"heap_size"`
	AddrBits   int `json:"addr_bits"`
	SendBuffer int `json:"send_buffer"`
	RecvBuffer int `json:"recv_buffer"`
	Burst      int `json:"burst"`
	Heaps      int `json:"heaps"`
	MemMaxFree int `json:"mem_max_free"`
	MemInitial int `json:"mem_initial"`
}

// DefaultTrialConfig returns a TrialConfig populated with the defaults.
func DefaultTrialConfig() TrialConfig {
	return TrialConfig{
		Version:    spec.ConfigVersion,
		Transport:  spec.TransportUDP,
		Packet:     spec.DefaultPacket,
		HeapSize:   spec.DefaultHeapSize,
		AddrBits:   spec.DefaultAddrBits,
		SendBuffer: spec.DefaultSendBuffer,
		RecvBuffer: spec.DefaultRecvBuffer,
		Burst:      spec.DefaultBurst,
		Heaps:      spec.DefaultHeaps,
		MemMaxFree: spec.DefaultMemMaxFree,
		MemInitial: spec.DefaultMemInitial,
	}
}

// DataPort returns the data-plane port for a slave listening for control
// connections on controlPort.
func (c *TrialConfig) DataPort(controlPort int) int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Transport == spec.TransportWebSocket {
		return controlPort + 1
	}
	return controlPort
}

// Validate checks the record for values that neither end could use.
func (c *TrialConfig) Validate() error {
	if c.Version != spec.ConfigVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, c.Version, spec.ConfigVersion)
	}
	switch c.Transport {
	case spec.TransportUDP, spec.TransportWebSocket:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrMalformed, c.Transport)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrMalformed, c.Port)
	}
	if c.AddrBits < 8 || c.AddrBits > 64 || c.AddrBits%8 != 0 {
		return fmt.Errorf("%w: addr_bits must be a multiple of 8 in [8, 64], got %d", ErrMalformed, c.AddrBits)
	}
	if c.AddrBits < 64 && uint64(c.HeapSize) >= uint64(1)<<uint(c.AddrBits) {
		return fmt.Errorf("%w: heap_size %d does not fit in %d address bits", ErrMalformed, c.HeapSize, c.AddrBits)
	}
	for _, f := range []struct {
		name  string
		value int
	}{
		{"packet", c.Packet},
		{"heap_size", c.HeapSize},
		{"send_buffer", c.SendBuffer},
		{"recv_buffer", c.RecvBuffer},
		{"burst", c.Burst},
		{"heaps", c.Heaps},
	} {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrMalformed, f.name, f.value)
		}
	}
	if c.MemMaxFree < 0 || c.MemInitial < 0 || c.MemInitial > c.MemMaxFree {
		return fmt.Errorf("%w: invalid memory pool bounds (initial %d, max free %d)",
			ErrMalformed, c.MemInitial, c.MemMaxFree)
	}
	return nil
}
