// Package protocol drives the two-phase usbboot handshake over a
// transport.Device: the stage-1 bootcode upload and the stage-2
// file-server loop, with the same stage-based dispatch and
// error-to-session-removal policy used throughout this repo's other
// long-running protocol runs.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/balena-io-modules/usbboot-go/blobstore"
	"github.com/balena-io-modules/usbboot-go/frame"
	"github.com/balena-io-modules/usbboot-go/identity"
	"github.com/balena-io-modules/usbboot-go/internal/memlog"
)

const (
	// fileServerStartStep is the step value the file-server phase
	// begins at (§4.5); steps 0 and 1 belong to stage-1 and its
	// intervening detach.
	fileServerStartStep = 2

	transientBackoff = 100 * time.Millisecond
	settleDelay      = 2 * time.Second
)

// BootcodeRejectedError reports a non-zero return code from the ROM
// after a stage-1 bootcode upload.
type BootcodeRejectedError struct {
	Code uint32
}

func (e *BootcodeRejectedError) Error() string {
	return fmt.Sprintf("protocol: bootcode rejected, code %d", e.Code)
}

// USBDevice is the narrow transport surface the protocol needs. A
// *transport.Device satisfies it structurally; tests supply fakes.
type USBDevice interface {
	SendSize(n uint32) error
	Read(n int) ([]byte, error)
	WritePayload(payload []byte) error
	Nudge()
}

// SessionUpdater receives step advances as the protocol progresses.
// A *scanner.Session satisfies it structurally.
type SessionUpdater interface {
	SetStep(step int)
}

// SecondStageBoot uploads bootcode.bin for family and validates the
// ROM's return code. It is fatal (returns a non-nil error) if the
// blob is absent, the upload stalls out, or the ROM rejects it.
func SecondStageBoot(dev USBDevice, family identity.Family, blobs blobstore.Provider, mw *memlog.Writer) error {
	bootcode, err := blobs.ReadBlob(family, "bootcode.bin")
	if err != nil {
		return fmt.Errorf("protocol: stage 1 bootcode: %w", err)
	}

	header := frame.EncodeBootHeader(uint32(len(bootcode)), frame.SignatureZero)
	if err := dev.WritePayload(header[:]); err != nil {
		return fmt.Errorf("protocol: stage 1 header: %w", err)
	}
	if err := dev.WritePayload(bootcode); err != nil {
		return fmt.Errorf("protocol: stage 1 upload: %w", err)
	}

	raw, err := dev.Read(frame.ReturnCodeSize)
	if err != nil {
		return fmt.Errorf("protocol: stage 1 return code: %w", err)
	}
	var buf [frame.ReturnCodeSize]byte
	copy(buf[:], raw)
	if code := frame.DecodeReturnCode(buf); code != 0 {
		return &BootcodeRejectedError{Code: code}
	}

	logf(mw, "stage-1 bootcode upload accepted, family=%s", family)
	return nil
}

// IsDeviceGoneFunc classifies a transport error as the expected
// "device rebooted" condition, vs. a transient error worth retrying.
// transport.IsDeviceGone satisfies this; tests supply fakes.
type IsDeviceGoneFunc func(err error) bool

// FileServer runs the stage-2 file-server loop, starting the session
// at step 2 and advancing by one on every file-request message that
// is read and parsed, before it is dispatched. It returns nil when
// the device signals Done or disconnects as expected (DeviceGone).
// Other read errors are retried after a short backoff; a parse or
// dispatch failure is returned as an error.
func FileServer(dev USBDevice, family identity.Family, blobs blobstore.Provider, session SessionUpdater, isGone IsDeviceGoneFunc, mw *memlog.Writer) error {
	session.SetStep(fileServerStartStep)
	step := fileServerStartStep

loop:
	for {
		raw, err := dev.Read(frame.FileMessageSize)
		if err != nil {
			if isGone(err) {
				logf(mw, "file server: device gone, clean exit")
				break
			}
			logf(mw, "file server: transient read error, retrying: %v", err)
			time.Sleep(transientBackoff)
			continue
		}

		var buf [frame.FileMessageSize]byte
		copy(buf[:], raw)
		msg, err := frame.ParseFileMessage(buf)
		if err != nil {
			return fmt.Errorf("protocol: file server: %w", err)
		}

		step++
		session.SetStep(step)

		switch msg.Command {
		case frame.CommandDone:
			break loop
		case frame.CommandGetFileSize:
			if err := dispatchGetFileSize(dev, family, blobs, msg.Filename); err != nil {
				return err
			}
		case frame.CommandReadFile:
			if err := dispatchReadFile(dev, family, blobs, msg.Filename); err != nil {
				return err
			}
		}
	}

	time.Sleep(settleDelay)
	dev.Nudge() // some hosts need this to release a stale handle

	return nil
}

func dispatchGetFileSize(dev USBDevice, family identity.Family, blobs blobstore.Provider, filename string) error {
	data, err := blobs.ReadBlob(family, filename)
	if errors.Is(err, blobstore.ErrBlobAbsent) {
		return dev.SendSize(0)
	}
	if err != nil {
		return fmt.Errorf("protocol: get file size %q: %w", filename, err)
	}
	return dev.SendSize(uint32(len(data)))
}

func dispatchReadFile(dev USBDevice, family identity.Family, blobs blobstore.Provider, filename string) error {
	data, err := blobs.ReadBlob(family, filename)
	if errors.Is(err, blobstore.ErrBlobAbsent) {
		return dev.SendSize(0)
	}
	if err != nil {
		return fmt.Errorf("protocol: read file %q: %w", filename, err)
	}
	return dev.WritePayload(data)
}

func logf(mw *memlog.Writer, format string, args ...interface{}) {
	if mw == nil {
		return
	}
	mw.Log(fmt.Sprintf(format, args...))
}
