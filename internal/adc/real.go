//go:build linux

package adc

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealSampler reads Hall-effect sensors through an MCP3208 SPI ADC
// behind 74HC4067 analog multiplexers, bit-banged over the Linux GPIO
// character device. Key n maps to mux address n%16 on ADC channel
// n/16.
type RealSampler struct {
	chip *gpiocdev.Chip

	sclk *gpiocdev.Line
	mosi *gpiocdev.Line
	miso *gpiocdev.Line
	cs   *gpiocdev.Line

	mux [4]*gpiocdev.Line

	numKeys int
	cache   []uint16
}

// Pins describes the GPIO wiring of the ADC and mux address lines.
type Pins struct {
	SCLK, MOSI, MISO, CS int
	MuxA, MuxB, MuxC, MuxD int
}

// DefaultPins returns the default wiring.
func DefaultPins() Pins {
	return Pins{
		SCLK: DefaultPinSCLK, MOSI: DefaultPinMOSI, MISO: DefaultPinMISO, CS: DefaultPinCS,
		MuxA: DefaultPinMuxA, MuxB: DefaultPinMuxB, MuxC: DefaultPinMuxC, MuxD: DefaultPinMuxD,
	}
}

// NewRealSampler opens the GPIO chip and claims the bus and mux lines.
func NewRealSampler(pins Pins, numKeys int) (*RealSampler, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	s := &RealSampler{chip: chip, numKeys: numKeys, cache: make([]uint16, numKeys)}

	out := func(pin, initial int, name string) (*gpiocdev.Line, error) {
		l, err := chip.RequestLine(pin, gpiocdev.AsOutput(initial))
		if err != nil {
			return nil, fmt.Errorf("request %s pin %d: %w", name, pin, err)
		}
		return l, nil
	}

	if s.sclk, err = out(pins.SCLK, 0, "SCLK"); err == nil {
		if s.mosi, err = out(pins.MOSI, 0, "MOSI"); err == nil {
			if s.cs, err = out(pins.CS, 1, "CS"); err == nil {
				s.miso, err = chip.RequestLine(pins.MISO, gpiocdev.AsInput)
				if err != nil {
					err = fmt.Errorf("request MISO pin %d: %w", pins.MISO, err)
				}
			}
		}
	}
	if err == nil {
		muxPins := [4]int{pins.MuxA, pins.MuxB, pins.MuxC, pins.MuxD}
		for i := 0; i < 4 && err == nil; i++ {
			s.mux[i], err = out(muxPins[i], 0, "mux")
		}
	}
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Task samples every key once into the cache. The mux needs no settle
// delay beyond the bit-bang clock period at character-device speeds.
func (s *RealSampler) Task() error {
	for key := 0; key < s.numKeys; key++ {
		if err := s.selectKey(uint8(key)); err != nil {
			return fmt.Errorf("select key %d: %w", key, err)
		}
		v, err := s.readChannel(uint8(key) / 16)
		if err != nil {
			return fmt.Errorf("read key %d: %w", key, err)
		}
		s.cache[key] = v
	}
	return nil
}

// Read returns the cached value for key.
func (s *RealSampler) Read(key uint8) (uint16, error) {
	if int(key) >= s.numKeys {
		return 0, fmt.Errorf("key %d out of range", key)
	}
	return s.cache[key], nil
}

func (s *RealSampler) selectKey(key uint8) error {
	addr := key % 16
	for bit := 0; bit < 4; bit++ {
		if err := s.mux[bit].SetValue(int(addr >> bit & 1)); err != nil {
			return err
		}
	}
	return nil
}

// readChannel performs one MCP3208 single-ended conversion.
func (s *RealSampler) readChannel(ch uint8) (uint16, error) {
	if err := s.cs.SetValue(0); err != nil {
		return 0, err
	}
	defer s.cs.SetValue(1)

	// Start bit, single-ended mode, 3-bit channel address.
	cmd := []int{1, 1, int(ch >> 2 & 1), int(ch >> 1 & 1), int(ch & 1)}
	for _, bit := range cmd {
		if err := s.clockOut(bit); err != nil {
			return 0, err
		}
	}
	// One sample period plus a null bit before data.
	if _, err := s.clockIn(); err != nil {
		return 0, err
	}
	if _, err := s.clockIn(); err != nil {
		return 0, err
	}

	var v uint16
	for i := 0; i < 12; i++ {
		bit, err := s.clockIn()
		if err != nil {
			return 0, err
		}
		v = v<<1 | uint16(bit)
	}
	return v, nil
}

func (s *RealSampler) clockOut(bit int) error {
	if err := s.mosi.SetValue(bit); err != nil {
		return err
	}
	if err := s.sclk.SetValue(1); err != nil {
		return err
	}
	return s.sclk.SetValue(0)
}

func (s *RealSampler) clockIn() (int, error) {
	if err := s.sclk.SetValue(1); err != nil {
		return 0, err
	}
	bit, err := s.miso.Value()
	if err != nil {
		return 0, err
	}
	return bit, s.sclk.SetValue(0)
}

// Close releases all claimed lines. Lines are reconfigured to inputs
// first so external hardware sees a quiet bus across restarts.
func (s *RealSampler) Close() error {
	var firstErr error
	closeLine := func(l *gpiocdev.Line) {
		if l == nil {
			return
		}
		if err := l.Reconfigure(gpiocdev.AsInput); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	closeLine(s.sclk)
	closeLine(s.mosi)
	closeLine(s.cs)
	if s.miso != nil {
		if err := s.miso.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, l := range s.mux {
		closeLine(l)
	}
	if s.chip != nil {
		if err := s.chip.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Sampler = (*RealSampler)(nil)
