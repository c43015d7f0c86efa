// Package proto implements the raw-HID configuration protocol: 64-byte
// packets, byte 0 the command id, little-endian packed payloads.
// Responses echo the command id, or CmdFailure when the request was
// rejected. Large records are paged by a 16-bit offset (plus a length
// byte on writes).
package proto

import (
	"github.com/sweeney/hall-keyboard/internal/layout"
	"github.com/sweeney/hall-keyboard/internal/matrix"
	"github.com/sweeney/hall-keyboard/internal/profile"
	"github.com/sweeney/hall-keyboard/internal/store"
)

// PacketSize is the fixed request and response length.
const PacketSize = 64

// FirmwareVersion reported by CmdVersion.
const FirmwareVersion = 0x0106

// Command ids.
const (
	CmdVersion          = 0
	CmdReboot           = 1
	CmdBootloader       = 2
	CmdFactoryReset     = 3
	CmdRecalibrate      = 4
	CmdAnalogInfo       = 5
	CmdGetCalibration   = 6
	CmdSetCalibration   = 7
	CmdGetProfile       = 8
	CmdGetOptions       = 9
	CmdSetOptions       = 10
	CmdResetProfile     = 11
	CmdDuplicateProfile = 12
	CmdGetMetadata      = 13
	CmdGetSerial        = 14

	CmdGetKeymap         = 128
	CmdSetKeymap         = 129
	CmdGetActuationMap   = 130
	CmdSetActuationMap   = 131
	CmdGetAdvancedKeys   = 132
	CmdSetAdvancedKeys   = 133
	CmdGetTickRate       = 134
	CmdSetTickRate       = 135
	CmdGetGamepadButtons = 136
	CmdSetGamepadButtons = 137
	CmdGetGamepadOptions = 138
	CmdSetGamepadOptions = 139
	CmdGetMacros         = 140
	CmdSetMacros         = 141

	// CmdFailure is the response id for a rejected request.
	CmdFailure = 0xFF
)

// maxChunk is the payload room left after the command id and the
// offset/length header.
const maxChunk = PacketSize - 4

// Handler dispatches configuration packets against the shared image
// and the runtime engines.
type Handler struct {
	image *profile.Image
	st    *store.Store
	lay   *layout.Engine
	mat   *matrix.Engine

	// Reboot and Bootloader, if set, are invoked by the matching
	// commands after the response is produced.
	Reboot     func()
	Bootloader func()

	// Metadata is the JSON device description served in chunks.
	Metadata []byte

	// Serial is the device serial string.
	Serial string
}

// NewHandler creates a protocol handler.
func NewHandler(image *profile.Image, st *store.Store, lay *layout.Engine, mat *matrix.Engine) *Handler {
	return &Handler{image: image, st: st, lay: lay, mat: mat}
}

func fail() [PacketSize]byte {
	var resp [PacketSize]byte
	resp[0] = CmdFailure
	return resp
}

// Handle processes one request packet and returns the response.
func (h *Handler) Handle(req []byte) [PacketSize]byte {
	if len(req) < PacketSize {
		return fail()
	}
	var resp [PacketSize]byte
	resp[0] = req[0]

	switch req[0] {
	case CmdVersion:
		resp[1] = byte(FirmwareVersion & 0xff)
		resp[2] = byte((FirmwareVersion >> 8) & 0xff)

	case CmdReboot:
		if h.Reboot != nil {
			defer h.Reboot()
		}

	case CmdBootloader:
		if h.Bootloader != nil {
			defer h.Bootloader()
		}

	case CmdFactoryReset:
		h.lay.ClearAdvanced()
		*h.image = *profile.Default()
		h.lay.LoadAdvancedKeys()
		if h.st != nil && !h.st.SaveImage(h.image) {
			return fail()
		}

	case CmdRecalibrate:
		h.mat.Recalibrate(req[1] != 0)

	case CmdAnalogInfo:
		return h.analogInfo(req)

	case CmdGetCalibration:
		putU16(resp[1:], h.image.Calibration.InitialRestValue)
		putU16(resp[3:], h.image.Calibration.InitialBottomOutThreshold)

	case CmdSetCalibration:
		h.image.Calibration.InitialRestValue = getU16(req[1:])
		h.image.Calibration.InitialBottomOutThreshold = getU16(req[3:])
		if h.st != nil && !h.st.SaveCalibration(h.image.Calibration) {
			return fail()
		}

	case CmdGetProfile:
		resp[1] = h.image.CurrentProfile

	case CmdGetOptions:
		if h.image.Options.XInputEnabled {
			resp[1] |= 1 << 0
		}
		if h.image.Options.SaveBottomOutThreshold {
			resp[1] |= 1 << 1
		}

	case CmdSetOptions:
		h.image.Options.XInputEnabled = req[1]&(1<<0) != 0
		h.image.Options.SaveBottomOutThreshold = req[1]&(1<<1) != 0
		if h.st != nil && !h.st.SaveOptions(h.image.Options) {
			return fail()
		}

	case CmdResetProfile:
		idx := req[1]
		if int(idx) >= profile.NumProfiles {
			return fail()
		}
		h.lay.ClearAdvanced()
		h.image.Profiles[idx] = profile.Default().Profiles[idx]
		h.lay.LoadAdvancedKeys()
		if h.st != nil && !h.st.SaveProfile(h.image, idx) {
			return fail()
		}

	case CmdDuplicateProfile:
		src, dst := req[1], req[2]
		if int(src) >= profile.NumProfiles || int(dst) >= profile.NumProfiles {
			return fail()
		}
		h.lay.ClearAdvanced()
		h.image.Profiles[dst] = h.image.Profiles[src]
		h.lay.LoadAdvancedKeys()
		if h.st != nil && !h.st.SaveProfile(h.image, dst) {
			return fail()
		}

	case CmdGetMetadata:
		return pagedRead(req, h.Metadata)

	case CmdGetSerial:
		return pagedRead(req, []byte(h.Serial))

	case CmdGetKeymap, CmdGetActuationMap, CmdGetAdvancedKeys,
		CmdGetGamepadButtons, CmdGetGamepadOptions:
		section, _ := h.profileSection(req[0])
		return pagedRead(req, section)

	case CmdSetKeymap, CmdSetActuationMap, CmdSetAdvancedKeys,
		CmdSetGamepadButtons, CmdSetGamepadOptions:
		return h.profileWrite(req)

	case CmdGetTickRate:
		resp[1] = h.image.TickRate

	case CmdSetTickRate:
		if req[1] == 0 {
			return fail()
		}
		h.image.TickRate = req[1]
		if h.st != nil && !h.st.SaveTickRate(req[1]) {
			return fail()
		}

	case CmdGetMacros:
		return pagedRead(req, store.MarshalMacroBank(h.image))

	case CmdSetMacros:
		raw := store.MarshalMacroBank(h.image)
		if !patch(raw, req) {
			return fail()
		}
		h.lay.ClearAdvanced()
		store.UnmarshalMacroBank(raw, h.image)
		h.lay.LoadAdvancedKeys()
		if h.st != nil && !h.st.SaveMacros(h.image) {
			return fail()
		}

	default:
		return fail()
	}
	return resp
}

// profileSection returns the packed bytes and base offset of the
// profile section a command addresses.
func (h *Handler) profileSection(cmd byte) ([]byte, int) {
	raw := store.MarshalProfile(h.image.Current())
	switch cmd &^ 1 { // get/set pairs share bits above the low one
	case CmdGetKeymap:
		return raw[store.ProfileOffKeymap:store.ProfileOffActuationMap], store.ProfileOffKeymap
	case CmdGetActuationMap:
		return raw[store.ProfileOffActuationMap:store.ProfileOffAdvancedKeys], store.ProfileOffActuationMap
	case CmdGetAdvancedKeys:
		return raw[store.ProfileOffAdvancedKeys:store.ProfileOffGamepadButtons], store.ProfileOffAdvancedKeys
	case CmdGetGamepadButtons:
		return raw[store.ProfileOffGamepadButtons:store.ProfileOffGamepadOptions], store.ProfileOffGamepadButtons
	case CmdGetGamepadOptions:
		return raw[store.ProfileOffGamepadOptions:], store.ProfileOffGamepadOptions
	}
	return nil, 0
}

// profileWrite patches a section of the active profile, runs the
// advanced-key reset invariant around the mutation, and persists.
func (h *Handler) profileWrite(req []byte) [PacketSize]byte {
	section, base := h.profileSection(req[0])
	if section == nil || !patch(section, req) {
		return fail()
	}

	raw := store.MarshalProfile(h.image.Current())
	copy(raw[base:], section)

	prev := *h.image.Current()
	h.lay.ClearAdvanced()
	store.UnmarshalProfile(raw, h.image.Current())
	if err := h.image.Validate(); err != nil {
		// Restore the previous profile rather than keep a bad image.
		*h.image.Current() = prev
		h.lay.LoadAdvancedKeys()
		return fail()
	}
	h.lay.LoadAdvancedKeys()

	if h.st != nil && !h.st.SaveProfile(h.image, h.image.CurrentProfile) {
		return fail()
	}

	var resp [PacketSize]byte
	resp[0] = req[0]
	return resp
}

// analogInfo pages filtered ADC values and distances, four bytes per
// key.
func (h *Handler) analogInfo(req []byte) [PacketSize]byte {
	buf := make([]byte, profile.NumKeys*4)
	for i := 0; i < profile.NumKeys; i++ {
		s := h.mat.State(uint8(i))
		putU16(buf[i*4:], s.ADCFiltered)
		buf[i*4+2] = s.Distance
		if s.IsPressed {
			buf[i*4+3] = 1
		}
	}
	return pagedRead(req, buf)
}

// pagedRead serves data[offset:offset+n] with the chunk length in
// byte 1 and the payload from byte 2.
func pagedRead(req []byte, data []byte) [PacketSize]byte {
	var resp [PacketSize]byte
	resp[0] = req[0]
	off := int(getU16(req[1:]))
	if off > len(data) {
		return fail()
	}
	n := len(data) - off
	if n > PacketSize-2 {
		n = PacketSize - 2
	}
	resp[1] = byte(n)
	copy(resp[2:], data[off:off+n])
	return resp
}

// patch applies a paged write (offset at bytes 1-2, length at byte 3,
// data from byte 4) to data in place.
func patch(data []byte, req []byte) bool {
	off := int(getU16(req[1:]))
	n := int(req[3])
	if n == 0 || n > maxChunk || off+n > len(data) {
		return false
	}
	copy(data[off:], req[4:4+n])
	return true
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func getU16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
