// Package transport wraps a single claimed libusb device handle and
// exposes the three primitives the boot protocol needs: sending a
// 4-byte size, reading a fixed number of bytes back, and writing a
// payload in bulk-transfer-sized chunks with stall retry.
package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/deadsy/libusb"

	"github.com/balena-io-modules/usbboot-go/internal/memlog"
)

const (
	controlTimeoutMs = 10000
	bulkTimeoutMs    = 10000

	// bulkChunkSize caps a single bulk write, matching the 1 MiB chunk
	// boundary used by the reference loader implementations.
	bulkChunkSize = 1 << 20

	// maxAttempts bounds the number of times a single chunk write is
	// attempted in total (the first try plus retries) before giving up.
	maxAttempts = 3

	reqVendorOut uint8 = 0x40 // host-to-device, vendor, device recipient
	reqVendorIn  uint8 = 0xC0 // device-to-host, vendor, device recipient
	bRequest     uint8 = 0

	transferTypeMask = 0x03
	transferTypeBulk = 0x02
)

// ErrEndpointMismatch is returned when a device's descriptors don't
// expose the bulk-OUT vendor endpoint this protocol requires.
var ErrEndpointMismatch = errors.New("transport: no usable bulk-out endpoint")

// ErrTransferStall is returned by WritePayload after a chunk has
// stalled maxAttempts times in a row.
var ErrTransferStall = errors.New("transport: transfer stalled")

// Device is a claimed USB device ready for boot-protocol transfers.
type Device struct {
	handle libusb.Device_Handle
	raw    libusb.Device
	iface  int
	epOut  uint8
	mw     *memlog.Writer
}

// Open claims the appropriate interface on dev and validates it
// exposes a bulk-OUT endpoint, returning a ready-to-use Device.
//
// Devices with a single interface use interface 0 endpoint 1;
// devices with more than one interface (seen on some CM4 boot-mode
// enumerations) use interface 1 endpoint 3.
func Open(dev libusb.Device, mw *memlog.Writer) (*Device, error) {
	cfg, err := libusb.Get_Active_Config_Descriptor(dev)
	if err != nil {
		cfg, err = libusb.Get_Config_Descriptor(dev, 0)
		if err != nil {
			return nil, fmt.Errorf("transport: config descriptor: %w", err)
		}
	}

	iface, epOut := 0, uint8(1)
	if len(cfg.Interface) > 1 {
		iface, epOut = 1, uint8(3)
	}
	if !isBulkOut(cfg, iface, epOut) {
		return nil, ErrEndpointMismatch
	}

	handle, err := libusb.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("transport: open: %w", err)
	}

	if err := claim(handle, iface); err != nil {
		libusb.Close(handle)
		return nil, err
	}

	d := &Device{handle: handle, raw: dev, iface: iface, epOut: epOut, mw: mw}
	d.logf("opened iface=%d epOut=%d", iface, epOut)
	return d, nil
}

func claim(handle libusb.Device_Handle, iface int) error {
	active, err := libusb.Kernel_Driver_Active(handle, iface)
	if err == nil && active {
		if err := libusb.Detach_Kernel_Driver(handle, iface); err != nil {
			return fmt.Errorf("transport: detach kernel driver: %w", err)
		}
	}
	if err := libusb.Claim_Interface(handle, iface); err != nil {
		return fmt.Errorf("transport: claim interface: %w", err)
	}
	return nil
}

func isBulkOut(cfg *libusb.Config_Descriptor, iface int, ep uint8) bool {
	if iface >= len(cfg.Interface) {
		return false
	}
	for _, alt := range cfg.Interface[iface].Altsetting {
		for _, e := range alt.Endpoint {
			if e.BEndpointAddress != ep {
				continue
			}
			if e.BmAttributes&transferTypeMask == transferTypeBulk {
				return true
			}
		}
	}
	return false
}

// Close releases the claimed interface and closes the handle.
func (d *Device) Close() error {
	libusb.Cancel_Sync_Transfers_On_Device(d.raw)
	if err := libusb.Release_Interface(d.handle, d.iface); err != nil {
		d.logf("release interface: %v", err)
	}
	libusb.Close(d.handle)
	return nil
}

// SendSize tells the device the size of the payload about to follow
// (or 0 to mean "absent") via a zero-length vendor OUT control
// transfer, with the size itself carried in wValue/wIndex rather than
// the data stage.
func (d *Device) SendSize(n uint32) error {
	wValue := uint16(n & 0xFFFF)
	wIndex := uint16(n >> 16)
	_, err := libusb.Control_Transfer(d.handle, reqVendorOut, bRequest, wValue, wIndex, nil, controlTimeoutMs)
	if err != nil {
		return fmt.Errorf("transport: send size: %w", err)
	}
	return nil
}

// Read reads exactly n bytes back via a vendor IN control transfer.
func (d *Device) Read(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := libusb.Control_Transfer(d.handle, reqVendorIn, bRequest, 0, 0, buf, controlTimeoutMs)
	if err != nil {
		return nil, fmt.Errorf("transport: read: %w", err)
	}
	return got, nil
}

// WritePayload announces payload's length via SendSize, then (for a
// non-empty payload) bulk-writes it to the device's bulk-OUT endpoint
// in bulkChunkSize chunks, retrying a stalled chunk up to maxAttempts
// times in total before giving up with ErrTransferStall.
func (d *Device) WritePayload(payload []byte) error {
	if err := d.SendSize(uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	for _, bounds := range chunkBoundaries(len(payload), bulkChunkSize) {
		chunk := payload[bounds[0]:bounds[1]]
		if err := d.writeChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) writeChunk(chunk []byte) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		_, err := libusb.Bulk_Transfer(d.handle, d.epOut, chunk, bulkTimeoutMs)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isStall(err) {
			return fmt.Errorf("transport: bulk write: %w", err)
		}
		d.logf("bulk write stall attempt %d/%d: %v", attempt, maxAttempts, err)
	}
	return fmt.Errorf("%w: %v", ErrTransferStall, lastErr)
}

// Nudge best-effort releases and re-claims the interface. The file
// server calls it once its loop has ended, so a later re-enumeration
// of the same physical device isn't left holding a stale host-side
// claim.
func (d *Device) Nudge() {
	_ = libusb.Release_Interface(d.handle, d.iface)
	time.Sleep(50 * time.Millisecond)
	_ = libusb.Claim_Interface(d.handle, d.iface)
}

func (d *Device) logf(format string, args ...interface{}) {
	if d.mw == nil {
		return
	}
	d.mw.Log(fmt.Sprintf(format, args...))
}

// IsDeviceGone reports whether err indicates the device physically
// disappeared mid-transfer (unplugged): exactly ERROR_NO_DEVICE or
// ERROR_IO, per the two-code definition the file-server loop's
// clean-exit path relies on (§7). Any other error, including
// ERROR_OTHER, is left to the loop's transient-retry path rather than
// being treated as a clean disconnect. Errors from this package are
// wrapped with fmt.Errorf("...: %w", ...), so the comparison is made
// against the innermost cause rather than err itself.
func IsDeviceGone(err error) bool {
	msg := rootErrorMessage(err)
	if msg == "" {
		return false
	}
	return msg == libusb.Error_Name(int(libusb.ERROR_NO_DEVICE)) ||
		msg == libusb.Error_Name(int(libusb.ERROR_IO))
}

func isStall(err error) bool {
	msg := rootErrorMessage(err)
	if msg == "" {
		return false
	}
	return msg == libusb.Error_Name(int(libusb.ERROR_PIPE))
}

// rootErrorMessage unwraps err down to its innermost cause and
// returns its message, or "" for a nil error.
func rootErrorMessage(err error) string {
	for err != nil {
		if next := errors.Unwrap(err); next != nil {
			err = next
			continue
		}
		return err.Error()
	}
	return ""
}

// chunkBoundaries splits a totalLen-byte payload into chunkSize-sized
// [start, end) boundaries, with the final chunk taking the remainder.
// A zero-length payload yields a single empty chunk. WritePayload
// never asks for that case: an empty payload ends after SendSize(0)
// with no bulk write.
func chunkBoundaries(totalLen, chunkSize int) [][2]int {
	if totalLen == 0 {
		return [][2]int{{0, 0}}
	}
	var out [][2]int
	for start := 0; start < totalLen; start += chunkSize {
		end := start + chunkSize
		if end > totalLen {
			end = totalLen
		}
		out = append(out, [2]int{start, end})
	}
	return out
}
