// Package memlog is a ring-buffered, in-memory log sink for the
// scanner's session trace. Unlike a flat text log, each line can
// carry the port id of the session that produced it, so a consumer
// (the status page) can pull "what did this session last say"
// without re-parsing rendered text.
package memlog

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxLineLength bounds a single Write call, to keep a runaway caller
// from ballooning memory with one enormous write. Log and LogPort do
// not check it.
const maxLineLength = 500

// entry is one recorded line, optionally tagged with the port id of
// the session that produced it.
type entry struct {
	port string
	line []byte
}

// Writer is a rotating in-memory log sink backed by a fixed-size ring
// buffer: once full, each new line overwrites the oldest in place
// rather than shifting the rest down. A handful of lines from the
// very start of the process are kept outside the ring forever, for
// diagnosing init-time failures. It implements io.Writer so it
// composes with io.MultiWriter and gorilla/handlers.LoggingHandler.
type Writer struct {
	ring  []entry
	head  int
	count int

	startCount int
	startLines []entry

	startTime time.Time
	printTime bool
}

// New creates a Writer whose ring holds at most size rotating lines,
// plus up to startSize lines kept from the very start of the process.
// When printTime is true, every line is prefixed with the elapsed
// time since New was called.
func New(size, startSize int, printTime bool) *Writer {
	return &Writer{
		ring:       make([]entry, size),
		startCount: startSize,
		startLines: make([]entry, 0, startSize),
		startTime:  time.Now(),
		printTime:  printTime,
	}
}

// Log appends s as a line not tied to any particular session.
func (w *Writer) Log(s string) {
	w.record(entry{line: []byte(s + "\n")})
}

// LogPort appends s as a line produced while servicing portID's
// session. LastPortLine later recovers it by port id.
func (w *Writer) LogPort(portID, s string) {
	w.record(entry{port: portID, line: []byte(s + "\n")})
}

// Write implements io.Writer, remembering p as one untagged line.
func (w *Writer) Write(p []byte) (int, error) {
	if len(p) > maxLineLength {
		return 0, errors.New("memlog: input too long")
	}
	line := make([]byte, len(p))
	copy(line, p)
	w.record(entry{line: line})
	return len(p), nil
}

func (w *Writer) record(e entry) {
	if w.printTime {
		elapsed := time.Since(w.startTime)
		e.line = []byte(fmt.Sprintf("[%.6f] %s", elapsed.Seconds(), string(e.line)))
	}

	if len(w.startLines) < w.startCount {
		w.startLines = append(w.startLines, e)
		return
	}

	if len(w.ring) == 0 {
		return
	}
	w.ring[w.head] = e
	w.head = (w.head + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
}

// LastPortLine returns the most recently recorded line tagged with
// portID, with its trailing newline trimmed, or "" if none has been
// recorded (including once rotated out of the ring).
func (w *Writer) LastPortLine(portID string) string {
	for i := 0; i < w.count; i++ {
		idx := (w.head - 1 - i + len(w.ring)) % len(w.ring)
		if w.ring[idx].port == portID {
			return string(bytes.TrimRight(w.ring[idx].line, "\n"))
		}
	}
	return ""
}

// writeTo emits header, then the ring's lines latest-first, then a
// separator, then the kept start-of-process lines latest-first.
func (w *Writer) writeTo(header string, out io.Writer) error {
	if _, err := out.Write([]byte(header)); err != nil {
		return err
	}
	for i := 0; i < w.count; i++ {
		idx := (w.head - 1 - i + len(w.ring)) % len(w.ring)
		if _, err := out.Write(w.ring[idx].line); err != nil {
			return err
		}
	}
	if _, err := out.Write([]byte("...\n")); err != nil {
		return err
	}
	for i := len(w.startLines) - 1; i >= 0; i-- {
		if _, err := out.Write(w.startLines[i].line); err != nil {
			return err
		}
	}
	return nil
}

// String renders the log as a string, with header prefixed.
func (w *Writer) String(header string) (string, error) {
	var b bytes.Buffer
	if err := w.writeTo(header, &b); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Gzip renders the log as gzip-compressed bytes, for the status
// page's log download.
func (w *Writer) Gzip(header string) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	gw.Name = "usbboot.log"

	if err := w.writeTo(header, gw); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
