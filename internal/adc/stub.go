//go:build !linux

package adc

import "errors"

// RealSampler is not available on non-Linux platforms.
type RealSampler struct{}

// Pins describes the GPIO wiring of the ADC and mux address lines.
type Pins struct {
	SCLK, MOSI, MISO, CS   int
	MuxA, MuxB, MuxC, MuxD int
}

// DefaultPins returns the default wiring.
func DefaultPins() Pins { return Pins{} }

// NewRealSampler returns an error on non-Linux platforms.
func NewRealSampler(Pins, int) (*RealSampler, error) {
	return nil, errors.New("adc: not supported on this platform (requires Linux)")
}

// Read is not implemented on non-Linux platforms.
func (s *RealSampler) Read(uint8) (uint16, error) {
	return 0, errors.New("adc: not supported")
}

// Task is not implemented on non-Linux platforms.
func (s *RealSampler) Task() error {
	return errors.New("adc: not supported")
}

// Close is not implemented on non-Linux platforms.
func (s *RealSampler) Close() error { return nil }
