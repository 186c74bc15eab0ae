// Package usbwatch tracks the set of currently enumerated USB
// devices, diffing each poll against the last known set to surface
// arrivals and departures. It follows a Ref_Device/Unref_Device
// discipline: libusb's device list is only valid between
// Get_Device_List and Free_Device_List, so any device pointer kept
// across that boundary must be ref'd while known and unref'd only
// once discarded.
package usbwatch

import (
	"strconv"
	"sync"
	"time"

	"github.com/deadsy/libusb"
)

// RawDevice is one enumerated device as seen by the poll loop: its
// libusb handle plus the identifying fields classification needs.
type RawDevice struct {
	Handle      libusb.Device
	Bus         int
	Address     int
	Ports       []int
	VendorID    uint16
	ProductID   uint16
	SerialIndex uint8
}

func (d RawDevice) key() string {
	// bus:address uniquely identifies one physical slot for as long
	// as it stays enumerated; it is not stable across re-enumeration,
	// which is exactly the property the diff needs.
	return deviceKey(d.Bus, d.Address)
}

func deviceKey(bus, address int) string {
	return strconv.Itoa(bus) + ":" + strconv.Itoa(address)
}

// Watcher is the poll-driven USB enumeration source a scanner
// subscribes to.
type Watcher interface {
	// Sweep returns every currently enumerated device.
	Sweep() ([]RawDevice, error)
	// Subscribe registers channels that receive every future arrival
	// and departure, relative to the previous poll; a device returned
	// by Sweep may also arrive on the attach channel.
	Subscribe() (attach <-chan RawDevice, detach <-chan RawDevice)
	Close() error
}

// LibUSBWatcher polls libusb's device list on an interval and diffs
// successive snapshots to synthesize attach/detach events, since
// libusb itself has no native hotplug callback on every platform this
// runs on.
type LibUSBWatcher struct {
	ctx          libusb.Context
	pollInterval time.Duration

	mu      sync.Mutex
	known   map[string]RawDevice
	attach  chan RawDevice
	detach  chan RawDevice
	stop    chan struct{}
	stopped bool
}

// NewLibUSBWatcher initializes a libusb context and starts polling at
// pollInterval.
func NewLibUSBWatcher(pollInterval time.Duration) (*LibUSBWatcher, error) {
	var ctx libusb.Context
	if err := libusb.Init(&ctx); err != nil {
		return nil, err
	}
	w := &LibUSBWatcher{
		ctx:          ctx,
		pollInterval: pollInterval,
		known:        make(map[string]RawDevice),
		attach:       make(chan RawDevice, 16),
		detach:       make(chan RawDevice, 16),
		stop:         make(chan struct{}),
	}
	go w.pollLoop()
	return w, nil
}

// Sweep lists every currently enumerated device without touching the
// diff state used by the background poll loop.
func (w *LibUSBWatcher) Sweep() ([]RawDevice, error) {
	return enumerate(w.ctx)
}

// Subscribe returns the watcher's attach/detach channels.
func (w *LibUSBWatcher) Subscribe() (<-chan RawDevice, <-chan RawDevice) {
	return w.attach, w.detach
}

// Close stops the poll loop, unrefs every still-known device, and
// tears down the libusb context.
func (w *LibUSBWatcher) Close() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stop)
	for _, d := range w.known {
		libusb.Unref_Device(d.Handle)
	}
	w.known = nil
	w.mu.Unlock()

	libusb.Exit(w.ctx)
	return nil
}

func (w *LibUSBWatcher) pollLoop() {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *LibUSBWatcher) poll() {
	current, err := enumerate(w.ctx)
	if err != nil {
		return
	}
	currentSet := make(map[string]RawDevice, len(current))
	for _, d := range current {
		currentSet[d.key()] = d
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	arrived, departed := diffDeviceSets(w.known, currentSet)
	for _, d := range arrived {
		libusb.Ref_Device(d.Handle)
		w.known[d.key()] = d
	}
	for _, d := range departed {
		libusb.Unref_Device(d.Handle)
		delete(w.known, d.key())
	}
	w.mu.Unlock()

	for _, d := range arrived {
		w.attach <- d
	}
	for _, d := range departed {
		w.detach <- d
	}
}

// diffDeviceSets is the pure diffing core: given the previously known
// set and the freshly enumerated set (both keyed by bus:address), it
// returns devices newly present and devices newly absent. Extracted
// from the poll loop so the diffing logic is testable without any
// libusb context.
func diffDeviceSets(known, current map[string]RawDevice) (arrived, departed []RawDevice) {
	for key, d := range current {
		if _, ok := known[key]; !ok {
			arrived = append(arrived, d)
		}
	}
	for key, d := range known {
		if _, ok := current[key]; !ok {
			departed = append(departed, d)
		}
	}
	return arrived, departed
}

func enumerate(ctx libusb.Context) ([]RawDevice, error) {
	list, err := libusb.Get_Device_List(ctx)
	if err != nil {
		return nil, err
	}
	defer libusb.Free_Device_List(list, 1)

	out := make([]RawDevice, 0, len(list))
	for _, dev := range list {
		dd, err := libusb.Get_Device_Descriptor(dev)
		if err != nil {
			continue
		}
		path, err := libusb.Get_Port_Numbers(dev, make([]byte, 8))
		if err != nil {
			path = nil
		}
		ports := make([]int, len(path))
		for i, p := range path {
			ports[i] = int(p)
		}
		out = append(out, RawDevice{
			Handle:      dev,
			Bus:         libusb.Get_Bus_Number(dev),
			Address:     libusb.Get_Device_Address(dev),
			Ports:       ports,
			VendorID:    dd.IdVendor,
			ProductID:   dd.IdProduct,
			SerialIndex: dd.ISerialNumber,
		})
	}
	return out, nil
}
