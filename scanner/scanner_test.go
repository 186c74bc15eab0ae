package scanner

import (
	"errors"
	"testing"
	"time"

	"github.com/balena-io-modules/usbboot-go/blobstore"
	"github.com/balena-io-modules/usbboot-go/frame"
	"github.com/balena-io-modules/usbboot-go/identity"
	"github.com/balena-io-modules/usbboot-go/internal/memlog"
	"github.com/balena-io-modules/usbboot-go/scanner/usbwatch"
)

type fakeWatcher struct {
	sweep    []usbwatch.RawDevice
	attachCh chan usbwatch.RawDevice
	detachCh chan usbwatch.RawDevice
	closed   bool
}

func newFakeWatcher(sweep []usbwatch.RawDevice) *fakeWatcher {
	return &fakeWatcher{
		sweep:    sweep,
		attachCh: make(chan usbwatch.RawDevice, 16),
		detachCh: make(chan usbwatch.RawDevice, 16),
	}
}

func (w *fakeWatcher) Sweep() ([]usbwatch.RawDevice, error) { return w.sweep, nil }
func (w *fakeWatcher) Subscribe() (<-chan usbwatch.RawDevice, <-chan usbwatch.RawDevice) {
	return w.attachCh, w.detachCh
}
func (w *fakeWatcher) Close() error { w.closed = true; return nil }

type fakeSink struct {
	attach   chan SessionView
	detach   chan SessionView
	progress chan SessionView
	errs     chan error
	ready    chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		attach:   make(chan SessionView, 64),
		detach:   make(chan SessionView, 64),
		progress: make(chan SessionView, 256),
		errs:     make(chan error, 64),
		ready:    make(chan struct{}, 1),
	}
}

func (s *fakeSink) Attach(v SessionView)   { s.attach <- v }
func (s *fakeSink) Detach(v SessionView)   { s.detach <- v }
func (s *fakeSink) Progress(v SessionView) { s.progress <- v }
func (s *fakeSink) Error(err error)        { s.errs <- err }
func (s *fakeSink) Ready()                 { s.ready <- struct{}{} }

type fakeBlobs struct {
	files map[string][]byte
}

func (f *fakeBlobs) ReadBlob(family identity.Family, filename string) ([]byte, error) {
	if data, ok := f.files[filename]; ok {
		return data, nil
	}
	return nil, blobAbsentErr
}

var blobAbsentErr = blobstore.ErrBlobAbsent

// fakeDevice implements the scanner.Device interface (protocol.USBDevice
// plus Close) entirely in memory: no real transport or libusb involved.
type fakeDevice struct {
	readQueue [][]byte
	readErrs  []error
	closed    bool
}

func (d *fakeDevice) SendSize(n uint32) error { return nil }

func (d *fakeDevice) Read(n int) ([]byte, error) {
	if len(d.readErrs) > 0 {
		err := d.readErrs[0]
		d.readErrs = d.readErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(d.readQueue) == 0 {
		return make([]byte, n), nil
	}
	next := d.readQueue[0]
	d.readQueue = d.readQueue[1:]
	return next, nil
}

func (d *fakeDevice) WritePayload(payload []byte) error { return nil }
func (d *fakeDevice) Nudge()                            {}
func (d *fakeDevice) Close() error                      { d.closed = true; return nil }

var errDeviceGone = errors.New("device gone")

func recvView(t *testing.T, ch chan SessionView, what string) SessionView {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return SessionView{}
	}
}

// stage1Opener serves a stage-1 bootcode upload (return code 0) when
// opened for the stage-1 serial index, and an immediately-gone file
// server otherwise.
func stage1Opener() func(usbwatch.RawDevice, *memlog.Writer) (Device, error) {
	return func(raw usbwatch.RawDevice, mw *memlog.Writer) (Device, error) {
		if raw.SerialIndex == 0 || raw.SerialIndex == 3 {
			return &fakeDevice{readQueue: [][]byte{returnCodeBytes(0)}}, nil
		}
		return &fakeDevice{readErrs: []error{errDeviceGone}}, nil
	}
}

func returnCodeBytes(code uint32) []byte {
	buf := frame.EncodeReturnCode(code)
	return buf[:]
}

func TestScannerCm3HappyPath(t *testing.T) {
	stage1 := usbwatch.RawDevice{Bus: 1, Address: 1, Ports: []int{1, 2}, VendorID: 0x0a5c, ProductID: 0x2763, SerialIndex: 0}
	watcher := newFakeWatcher([]usbwatch.RawDevice{stage1})
	sink := newFakeSink()
	blobs := &fakeBlobs{files: map[string][]byte{"bootcode.bin": []byte("BOOT")}}

	sc := New(watcher, blobs, sink, nil, 60*time.Millisecond)
	sc.openDevice = stage1Opener()
	sc.isDeviceGone = func(err error) bool { return errors.Is(err, errDeviceGone) }

	if err := sc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sc.Stop()

	<-sink.ready

	view := recvView(t, sink.attach, "attach")
	if view.PortID != "1-1.2" || view.Family != identity.FamilyCm3Like || view.LastStep != 40 {
		t.Fatalf("attach view = %+v, want port 1-1.2 family Cm3Like lastStep 40", view)
	}
	p0 := recvView(t, sink.progress, "progress 0")
	if p0.Step != 0 || p0.Progress != 0 {
		t.Fatalf("progress view = %+v, want step 0 progress 0", p0)
	}

	// device physically detaches after stage-1 finishes uploading.
	watcher.detachCh <- stage1
	p1 := recvView(t, sink.progress, "progress after detach")
	if p1.Step != 1 || p1.Progress != 2 {
		t.Fatalf("progress after detach = %+v, want step 1 progress 2", p1)
	}

	// device re-enumerates in file-server mode on the same port; our
	// fake serves no requests, so the loop observes the device gone
	// almost immediately and settles without error.
	fileServer := stage1
	fileServer.SerialIndex = 1
	watcher.attachCh <- fileServer

	p2 := recvView(t, sink.progress, "progress at file-server start")
	if p2.Step != 2 {
		t.Fatalf("progress at file-server start = %+v, want step 2", p2)
	}

	select {
	case err := <-sink.errs:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	// device re-enumerates as mass storage via the reused NetChip id
	// (the CM3-family path): session reaches last_step.
	massStorage := usbwatch.RawDevice{Bus: 1, Address: 2, Ports: []int{1, 2}, VendorID: 0x0525, ProductID: 0xa4a5}
	watcher.attachCh <- massStorage

	final := recvView(t, sink.progress, "terminal progress")
	if final.Progress != 100 || final.Step != 40 {
		t.Fatalf("terminal progress = %+v, want step 40 progress 100", final)
	}
	d := recvView(t, sink.detach, "detach")
	if d.PortID != "1-1.2" {
		t.Fatalf("detach view = %+v, want port 1-1.2", d)
	}
}

func TestScannerMissingBlobDuringFileServerIsNotFatal(t *testing.T) {
	dev := usbwatch.RawDevice{Bus: 2, Address: 5, Ports: []int{3}, VendorID: 0x0a5c, ProductID: 0x2711, SerialIndex: 3}
	watcher := newFakeWatcher([]usbwatch.RawDevice{dev})
	sink := newFakeSink()
	blobs := &fakeBlobs{files: map[string][]byte{"bootcode.bin": []byte("BOOT")}}

	req := frame.EncodeFileMessage(frame.CommandReadFile, "missing.dat")
	done := frame.EncodeFileMessage(frame.CommandDone, "")

	sc := New(watcher, blobs, sink, nil, time.Second)
	sc.openDevice = func(raw usbwatch.RawDevice, mw *memlog.Writer) (Device, error) {
		if raw.SerialIndex == 0 || raw.SerialIndex == 3 {
			return &fakeDevice{readQueue: [][]byte{returnCodeBytes(0)}}, nil
		}
		return &fakeDevice{readQueue: [][]byte{req[:], done[:]}}, nil
	}

	if err := sc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sc.Stop()
	<-sink.ready
	recvView(t, sink.attach, "attach")
	recvView(t, sink.progress, "progress 0")

	// re-attach in file-server mode; re-enumeration assigns a new bus
	// address, so the attach is not deduplicated.
	fileServer := dev
	fileServer.Address = 6
	fileServer.SerialIndex = 1
	watcher.attachCh <- fileServer

	select {
	case err := <-sink.errs:
		t.Fatalf("unexpected error for missing blob: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestScannerUnplugDuringStage1RemovesSession(t *testing.T) {
	dev := usbwatch.RawDevice{Bus: 3, Address: 1, Ports: []int{4}, VendorID: 0x0a5c, ProductID: 0x2763, SerialIndex: 0}
	watcher := newFakeWatcher([]usbwatch.RawDevice{dev})
	sink := newFakeSink()
	blobs := &fakeBlobs{files: map[string][]byte{"bootcode.bin": []byte("BOOT")}}

	sc := New(watcher, blobs, sink, nil, 40*time.Millisecond)
	sc.openDevice = stage1Opener()

	if err := sc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sc.Stop()
	<-sink.ready
	recvView(t, sink.attach, "attach")
	recvView(t, sink.progress, "progress 0")

	watcher.detachCh <- dev
	recvView(t, sink.progress, "progress after detach")

	// no reattach follows: the grace timer should fire and remove the
	// session, emitting detach exactly once.
	d := recvView(t, sink.detach, "detach after unplug timeout")
	if d.PortID != "3-4" {
		t.Fatalf("detach view = %+v, want port 3-4", d)
	}
}
