package hid

import (
	"fmt"
	"os"

	"github.com/sweeney/hall-keyboard/internal/keycode"
)

// DefaultGadgetPath is the conventional hidg function device exposed
// by a configfs keyboard gadget.
const DefaultGadgetPath = "/dev/hidg0"

// GadgetDevice writes boot-protocol reports to a USB HID gadget
// character device.
type GadgetDevice struct {
	f    *os.File
	cur  report
	last report
	sent bool
}

// OpenGadget opens the gadget device at path.
func OpenGadget(path string) (*GadgetDevice, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open hid gadget: %w", err)
	}
	return &GadgetDevice{f: f}, nil
}

// KeycodeAdd stages kc into the report.
func (g *GadgetDevice) KeycodeAdd(kc keycode.Code) { g.cur.add(kc) }

// KeycodeRemove stages kc out of the report.
func (g *GadgetDevice) KeycodeRemove(kc keycode.Code) { g.cur.remove(kc) }

// Send writes the report if it changed since the last Send.
func (g *GadgetDevice) Send() error {
	if g.sent && g.cur == g.last {
		return nil
	}
	b := g.cur.bytes()
	if _, err := g.f.Write(b[:]); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	g.last = g.cur
	g.sent = true
	return nil
}

// Close releases the gadget device, sending an empty report first so
// no key is left stuck on the host.
func (g *GadgetDevice) Close() error {
	g.cur = report{}
	if err := g.Send(); err != nil {
		g.f.Close()
		return err
	}
	return g.f.Close()
}

var _ Device = (*GadgetDevice)(nil)
