package adapter

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoDevice is returned when discovery finds no matching tty.
var ErrNoDevice = errors.New("serial device not found")

const usbSerialSysfs = "/sys/bus/usb-serial/devices"

// Discover resolves the adapter's device node. A non-empty explicit
// path is returned when it exists and yields ErrNoDevice when it does
// not; no enumeration is done then. Without one the USB serial devices
// are enumerated and
// matched against vid and pid independently (hex strings as sysfs
// reports them, e.g. "0403"); empty vid/pid match anything, so with
// all three arguments empty the first USB tty is taken.
//
// Discovery never touches an open descriptor; the reopen loop calls
// it concurrently with serial teardown.
func Discover(path, vid, pid string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", ErrNoDevice
		}
		return path, nil
	}
	entries, err := os.ReadDir(usbSerialSysfs)
	if err != nil {
		return "", ErrNoDevice
	}
	for _, e := range entries {
		name := e.Name()
		devdir, err := filepath.EvalSymlinks(filepath.Join(usbSerialSysfs, name))
		if err != nil {
			continue
		}
		// The USB device directory holding idVendor/idProduct is two
		// levels above the tty node, one above the interface it hangs off.
		usbdir := filepath.Dir(filepath.Dir(devdir))
		if vid != "" && !sysattrEqual(filepath.Join(usbdir, "idVendor"), vid) {
			continue
		}
		if pid != "" && !sysattrEqual(filepath.Join(usbdir, "idProduct"), pid) {
			continue
		}
		dev := "/dev/" + name
		if _, err := os.Stat(dev); err == nil {
			return dev, nil
		}
	}
	return "", ErrNoDevice
}

func sysattrEqual(path, want string) bool {
	b, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(string(b)), strings.TrimSpace(want))
}
