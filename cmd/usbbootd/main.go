// Command usbbootd is the CLI demo program: it wires a libusb-backed
// watcher, a disk-backed blob provider, and the core scanner together,
// logging lifecycle events to stderr (or a rotating file) and
// optionally serving the status page. It uses flag-based config, a lumberjack
// rotating log file behind the -l flag, and a long-lived memlog.Writer
// shared by the event sink, the scanner and the status page.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/balena-io-modules/usbboot-go/blobstore"
	"github.com/balena-io-modules/usbboot-go/internal/memlog"
	"github.com/balena-io-modules/usbboot-go/scanner"
	"github.com/balena-io-modules/usbboot-go/scanner/usbwatch"
	"github.com/balena-io-modules/usbboot-go/statuspage"
)

const version = "0.1.0"

func main() {
	var logfile string
	var blobRoot string
	var statusAddr string
	var pollInterval time.Duration
	var detachGrace time.Duration

	flag.StringVar(&logfile, "l", "", "log into a file, rotating after 5MB")
	flag.StringVar(&blobRoot, "blobs", "/var/lib/usbboot", "root of the blob repository")
	flag.StringVar(&statusAddr, "status", "", "address to serve the status page on, e.g. 127.0.0.1:5005 (disabled if empty)")
	flag.DurationVar(&pollInterval, "poll", 500*time.Millisecond, "USB enumeration poll interval")
	flag.DurationVar(&detachGrace, "detach-grace", 5*time.Second, "grace period before a detach is treated as a physical unplug")
	flag.Parse()

	var stderrWriter io.Writer
	if logfile != "" {
		stderrWriter = &lumberjack.Logger{
			Filename:   logfile,
			MaxSize:    5, // megabytes
			MaxBackups: 3,
		}
	} else {
		stderrWriter = os.Stderr
	}
	stderrLogger := log.New(stderrWriter, "", log.LstdFlags)

	mw := memlog.New(90000, 200, true)
	mw.Log("usbbootd is starting")

	watcher, err := usbwatch.NewLibUSBWatcher(pollInterval)
	if err != nil {
		stderrLogger.Fatalf("usbwatch: %s", err)
	}
	defer watcher.Close()

	blobs := blobstore.NewDiskProvider(blobRoot)
	sink := &loggingSink{stderrLogger: stderrLogger, mw: mw}

	sc := scanner.New(watcher, blobs, sink, mw, detachGrace)
	if err := sc.Start(); err != nil {
		stderrLogger.Fatalf("scanner: %s", err)
	}
	defer sc.Stop()

	stderrLogger.Print("usbbootd is running")

	if statusAddr != "" {
		page := statuspage.New(sc, version, mw)
		handler := page.Handler([]byte(csrfKey), mw)
		go func() {
			if err := http.ListenAndServe(statusAddr, handler); err != nil {
				stderrLogger.Printf("status page: %s", err)
			}
		}()
	}

	select {}
}

// csrfKey is a fixed status-page key: the page only exposes read-only
// session data and a log download, so a per-process random key would
// just break repeated logins for no security gain.
const csrfKey = "u2sk0118h51w2qiw4fhrfyd84f59j81l"

// loggingSink adapts scanner.EventSink to the ambient stderr/memlog
// loggers.
type loggingSink struct {
	stderrLogger *log.Logger
	mw           *memlog.Writer
}

func (s *loggingSink) Attach(v scanner.SessionView) {
	msg := fmt.Sprintf("attach: port=%s family=%s", v.PortID, v.Family)
	s.stderrLogger.Print(msg)
	s.mw.Log(msg)
}

func (s *loggingSink) Detach(v scanner.SessionView) {
	msg := fmt.Sprintf("detach: port=%s step=%d/%d", v.PortID, v.Step, v.LastStep)
	s.stderrLogger.Print(msg)
	s.mw.Log(msg)
}

func (s *loggingSink) Progress(v scanner.SessionView) {
	s.mw.Log(fmt.Sprintf("progress: port=%s %d%%", v.PortID, v.Progress))
}

func (s *loggingSink) Error(err error) {
	s.stderrLogger.Printf("error: %s", err)
	s.mw.Log("error: " + err.Error())
}

func (s *loggingSink) Ready() {
	s.stderrLogger.Print("initial sweep complete")
	s.mw.Log("ready")
}
