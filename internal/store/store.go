// Package store persists the configuration image. The on-disk format
// is the same packed little-endian record the embedded firmware keeps
// in wear-levelled EEPROM, so a host image can be copied to a board
// unchanged. Writes go through a WearLeveler so the flush policy stays
// with the storage backend.
package store

import (
	"fmt"

	"github.com/sweeney/hall-keyboard/internal/profile"
)

// WearLeveler writes a byte range of the persistent image. A false
// return means the write did not happen; callers retry on their next
// inactivity window rather than failing the tick loop.
type WearLeveler interface {
	// Write stores data at the given image offset.
	Write(addr int, data []byte) bool

	// ReadAll returns the full image bytes, or nil if none stored.
	ReadAll() []byte

	// Close releases storage resources.
	Close() error
}

// Store exposes semantic saves over a WearLeveler using the packed
// image layout.
type Store struct {
	wl WearLeveler
}

// New creates a Store over the given backend.
func New(wl WearLeveler) *Store {
	return &Store{wl: wl}
}

// Load reads and decodes the stored image. Returns an error if nothing
// is stored or the record is short.
func (s *Store) Load() (*profile.Image, error) {
	raw := s.wl.ReadAll()
	if raw == nil {
		return nil, fmt.Errorf("store: no image")
	}
	im := &profile.Image{}
	if err := UnmarshalImage(raw, im); err != nil {
		return nil, err
	}
	return im, nil
}

// SaveImage writes the complete image.
func (s *Store) SaveImage(im *profile.Image) bool {
	return s.wl.Write(0, MarshalImage(im))
}

// SaveBottomOutThresholds writes only the per-key bottom-out deltas.
func (s *Store) SaveBottomOutThresholds(vals *[profile.NumKeys]uint16) bool {
	buf := make([]byte, profile.NumKeys*2)
	for i, v := range vals {
		putU16(buf[i*2:], v)
	}
	return s.wl.Write(OffBottomOutThreshold, buf)
}

// SaveCurrentProfile writes the active profile index.
func (s *Store) SaveCurrentProfile(p uint8) bool {
	return s.wl.Write(OffCurrentProfile, []byte{p})
}

// SaveLastNonDefaultProfile writes the profile used for profile swap.
func (s *Store) SaveLastNonDefaultProfile(p uint8) bool {
	return s.wl.Write(OffLastNonDefaultProfile, []byte{p})
}

// SaveProfile writes one profile record.
func (s *Store) SaveProfile(im *profile.Image, idx uint8) bool {
	if int(idx) >= profile.NumProfiles {
		return false
	}
	return s.wl.Write(OffProfiles+int(idx)*ProfileSize, MarshalProfile(&im.Profiles[idx]))
}

// SaveMacros writes the macro bank.
func (s *Store) SaveMacros(im *profile.Image) bool {
	buf := make([]byte, profile.NumMacros*MacroSize)
	for i := range im.Macros {
		marshalMacro(buf[i*MacroSize:], &im.Macros[i])
	}
	return s.wl.Write(OffMacros, buf)
}

// SaveTickRate writes the scan tick rate.
func (s *Store) SaveTickRate(rate uint8) bool {
	return s.wl.Write(OffTickRate, []byte{rate})
}

// SaveOptions writes the global option bitfield.
func (s *Store) SaveOptions(o profile.Options) bool {
	return s.wl.Write(OffOptions, []byte{packOptions(o)})
}

// SaveCalibration writes the global calibration record.
func (s *Store) SaveCalibration(c profile.Calibration) bool {
	buf := make([]byte, 4)
	putU16(buf, c.InitialRestValue)
	putU16(buf[2:], c.InitialBottomOutThreshold)
	return s.wl.Write(OffCalibration, buf)
}

// Close closes the backend.
func (s *Store) Close() error { return s.wl.Close() }
