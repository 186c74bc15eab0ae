// Package scanner owns the session-tracking state machine: it
// subscribes to USB enumeration events, classifies each device,
// drives the two-phase boot protocol per physical port, and emits
// attach/detach/progress events to an EventSink. Sessions are
// long-running and protocol-driving, tracked in mutex-guarded maps
// for the lifetime of a physical device's boot sequence.
package scanner

import (
	"fmt"
	"sync"
	"time"

	"github.com/balena-io-modules/usbboot-go/blobstore"
	"github.com/balena-io-modules/usbboot-go/identity"
	"github.com/balena-io-modules/usbboot-go/internal/memlog"
	"github.com/balena-io-modules/usbboot-go/protocol"
	"github.com/balena-io-modules/usbboot-go/scanner/usbwatch"
	"github.com/balena-io-modules/usbboot-go/transport"
)

// detachGraceDefault is the wait before a detach-without-reattach is
// treated as a physical unplug (§4.6).
const detachGraceDefault = 5 * time.Second

// Device is the per-session transport surface the scanner needs: the
// protocol's I/O primitives plus lifecycle close. *transport.Device
// satisfies it structurally.
type Device interface {
	protocol.USBDevice
	Close() error
}

// SessionView is a read-only snapshot of a Session, safe to hand to
// an EventSink or render on a status page without exposing the
// session's internal mutex.
type SessionView struct {
	PortID   string
	Family   identity.Family
	Step     int
	LastStep int
	Progress int
}

// EventSink receives the scanner's public event stream (§6).
type EventSink interface {
	Attach(view SessionView)
	Detach(view SessionView)
	Progress(view SessionView)
	Error(err error)
	Ready()
}

// Session is the per-port-id tracking record described in §3. Its
// step counter is monotone non-decreasing and bounded by LastStep;
// reaching LastStep marks the session terminal.
type Session struct {
	portID   string
	family   identity.Family
	lastStep int
	sink     EventSink

	mu            sync.Mutex
	step          int
	terminalFired bool
	onTerminal    func(portID string)
}

func newSession(portID string, family identity.Family, sink EventSink, onTerminal func(string)) *Session {
	return &Session{
		portID:     portID,
		family:     family,
		lastStep:   family.LastStep(),
		sink:       sink,
		onTerminal: onTerminal,
	}
}

// SetStep advances the session's step counter and emits a progress
// event. A step value that would move the counter backwards is
// silently ignored (§9: guards the detach handler's race with an
// in-flight file-server advancing the step first). Reaching
// LastStep fires the terminal callback exactly once.
func (s *Session) SetStep(step int) {
	s.mu.Lock()
	if step < s.step {
		s.mu.Unlock()
		return
	}
	s.step = step
	terminal := step == s.lastStep && !s.terminalFired
	if terminal {
		s.terminalFired = true
	}
	view := s.viewLocked()
	s.mu.Unlock()

	s.sink.Progress(view)
	if terminal {
		s.onTerminal(s.portID)
	}
}

// Step returns the current step value.
func (s *Session) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

// LastStep returns the family-specific terminal step value.
func (s *Session) LastStep() int { return s.lastStep }

// Family returns the session's device family.
func (s *Session) Family() identity.Family { return s.family }

// PortID returns the session's port id (its map key).
func (s *Session) PortID() string { return s.portID }

// View returns a snapshot safe to hand outside the package.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() SessionView {
	return SessionView{
		PortID:   s.portID,
		Family:   s.family,
		Step:     s.step,
		LastStep: s.lastStep,
		Progress: percentOf(s.step, s.lastStep),
	}
}

// percentOf truncates rather than rounds to nearest: step 1 of 40
// yields 2%, not 3% (the exact 2.5% is truncated). last_step always
// yields exactly 100.
func percentOf(step, lastStep int) int {
	if lastStep == 0 {
		return 0
	}
	return (step * 100) / lastStep
}

// Scanner subscribes to a usbwatch.Watcher, classifies enumerated
// devices, and drives the boot protocol for each bootable one.
type Scanner struct {
	watcher     usbwatch.Watcher
	blobs       blobstore.Provider
	sink        EventSink
	mw          *memlog.Writer
	detachGrace time.Duration

	openDevice   func(raw usbwatch.RawDevice, mw *memlog.Writer) (Device, error)
	isDeviceGone func(err error) bool

	mu           sync.Mutex
	sessions     map[string]*Session
	seenIDs      map[string]bool
	detachTimers map[string]*time.Timer
	stopped      bool

	stopCh chan struct{}
}

// New constructs a Scanner. detachGrace of 0 selects the default 5 s
// grace period.
func New(watcher usbwatch.Watcher, blobs blobstore.Provider, sink EventSink, mw *memlog.Writer, detachGrace time.Duration) *Scanner {
	if detachGrace == 0 {
		detachGrace = detachGraceDefault
	}
	return &Scanner{
		watcher:     watcher,
		blobs:       blobs,
		sink:        sink,
		mw:          mw,
		detachGrace: detachGrace,
		openDevice: func(raw usbwatch.RawDevice, mw *memlog.Writer) (Device, error) {
			return transport.Open(raw.Handle, mw)
		},
		isDeviceGone: transport.IsDeviceGone,
		sessions:     make(map[string]*Session),
		seenIDs:      make(map[string]bool),
		detachTimers: make(map[string]*time.Timer),
		stopCh:       make(chan struct{}),
	}
}

// Start performs the initial enumeration sweep (classifying and
// creating sessions for every already-attached bootable device, and
// backgrounding their protocol runs), emits Ready, then subscribes to
// live attach/detach events.
func (sc *Scanner) Start() error {
	raws, err := sc.watcher.Sweep()
	if err != nil {
		return err
	}
	for _, raw := range raws {
		sc.handleAttach(raw)
	}
	sc.sink.Ready()

	attachCh, detachCh := sc.watcher.Subscribe()
	go sc.loop(attachCh, detachCh)
	return nil
}

func (sc *Scanner) loop(attachCh, detachCh <-chan usbwatch.RawDevice) {
	for {
		select {
		case <-sc.stopCh:
			return
		case raw, ok := <-attachCh:
			if !ok {
				return
			}
			sc.handleAttach(raw)
		case raw, ok := <-detachCh:
			if !ok {
				return
			}
			sc.handleDetach(raw)
		}
	}
}

// Stop unsubscribes from attach/detach, cancels pending detach
// timers, and clears the session table. No Detach events are emitted
// by Stop — it is a hard quiesce (§4.6); any in-flight protocol run
// completes against its by-then-unreferenced session without being
// able to resurrect it (removeSession is a no-op once the table is
// cleared and stopped is set).
func (sc *Scanner) Stop() {
	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		return
	}
	sc.stopped = true
	for _, t := range sc.detachTimers {
		t.Stop()
	}
	sc.detachTimers = make(map[string]*time.Timer)
	sc.sessions = make(map[string]*Session)
	sc.mu.Unlock()

	close(sc.stopCh)
	sc.watcher.Close()
}

// Sessions returns a snapshot of every live session, for the status
// page.
func (sc *Scanner) Sessions() []SessionView {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]SessionView, 0, len(sc.sessions))
	for _, s := range sc.sessions {
		out = append(out, s.View())
	}
	return out
}

func (sc *Scanner) handleAttach(raw usbwatch.RawDevice) {
	id := identity.DeviceID(raw.Bus, raw.Address)

	sc.mu.Lock()
	if sc.seenIDs[id] {
		sc.mu.Unlock()
		return
	}
	sc.seenIDs[id] = true
	sc.mu.Unlock()

	cls := identity.Classify(raw.VendorID, raw.ProductID)
	portID := identity.PortID(raw.Bus, raw.Ports)

	switch cls.Kind {
	case identity.KindMassStorage:
		sc.mu.Lock()
		session, ok := sc.sessions[portID]
		sc.mu.Unlock()
		if ok {
			session.SetStep(session.LastStep())
		}
		return
	case identity.KindBootCapable:
	default:
		return
	}

	session, created := sc.getOrCreateSession(portID, cls.Family)
	if created {
		sc.sink.Attach(session.View())
		sc.logPort(portID, fmt.Sprintf("attach: family=%s", cls.Family))
		session.SetStep(0)
	}

	go sc.runProtocol(session, raw)
}

func (sc *Scanner) handleDetach(raw usbwatch.RawDevice) {
	id := identity.DeviceID(raw.Bus, raw.Address)

	sc.mu.Lock()
	delete(sc.seenIDs, id)
	sc.mu.Unlock()

	cls := identity.Classify(raw.VendorID, raw.ProductID)
	if cls.Kind != identity.KindBootCapable {
		return
	}
	portID := identity.PortID(raw.Bus, raw.Ports)

	session, created := sc.getOrCreateSession(portID, cls.Family)
	if created {
		sc.sink.Attach(session.View())
		sc.logPort(portID, fmt.Sprintf("attach: family=%s", cls.Family))
		session.SetStep(0)
	}

	var target int
	if raw.SerialIndex == 0 {
		target = 1
	} else {
		target = session.LastStep() - 1
	}
	session.SetStep(target)
	sc.logPort(portID, fmt.Sprintf("detach: step advanced to %d, grace timer armed", target))

	sc.armDetachTimer(portID, session, target)
}

func (sc *Scanner) armDetachTimer(portID string, session *Session, target int) {
	var timer *time.Timer
	timer = time.AfterFunc(sc.detachGrace, func() {
		if session.Step() == target {
			sc.removeSession(portID)
		}
	})

	sc.mu.Lock()
	if sc.stopped {
		sc.mu.Unlock()
		timer.Stop()
		return
	}
	sc.detachTimers[portID] = timer
	sc.mu.Unlock()
}

func (sc *Scanner) runProtocol(session *Session, raw usbwatch.RawDevice) {
	dev, err := sc.openDevice(raw, sc.mw)
	if err != nil {
		sc.sink.Error(err)
		sc.removeSession(session.PortID())
		return
	}
	defer dev.Close()

	var runErr error
	if raw.SerialIndex == 0 || raw.SerialIndex == 3 {
		runErr = protocol.SecondStageBoot(dev, session.Family(), sc.blobs, sc.mw)
	} else {
		runErr = protocol.FileServer(dev, session.Family(), sc.blobs, session, sc.isDeviceGone, sc.mw)
	}
	if runErr != nil {
		sc.logPort(session.PortID(), fmt.Sprintf("protocol run failed: %v", runErr))
		sc.sink.Error(runErr)
		sc.removeSession(session.PortID())
	}
}

// logPort records a line tagged with portID, if a log is configured.
func (sc *Scanner) logPort(portID, msg string) {
	if sc.mw != nil {
		sc.mw.LogPort(portID, msg)
	}
}

func (sc *Scanner) getOrCreateSession(portID string, family identity.Family) (*Session, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if s, ok := sc.sessions[portID]; ok {
		return s, false
	}
	s := newSession(portID, family, sc.sink, sc.onSessionTerminal)
	sc.sessions[portID] = s
	return s, true
}

func (sc *Scanner) onSessionTerminal(portID string) {
	sc.removeSession(portID)
}

func (sc *Scanner) removeSession(portID string) {
	sc.mu.Lock()
	s, ok := sc.sessions[portID]
	if ok {
		delete(sc.sessions, portID)
	}
	sc.mu.Unlock()
	if ok {
		sc.logPort(portID, fmt.Sprintf("detach: step=%d/%d", s.Step(), s.LastStep()))
		sc.sink.Detach(s.View())
	}
}
