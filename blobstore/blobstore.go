// Package blobstore resolves stage-2 blob requests against the
// on-disk, read-only, path-addressed byte store described in §4.2.
// The filesystem layout itself is an external collaborator; this
// package only implements the read-only lookup interface over it.
package blobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/balena-io-modules/usbboot-go/identity"
)

// ErrBlobAbsent is returned when the requested blob does not exist.
// This is a normal, expected condition (§4.2) — callers respond with
// send_size(0) rather than treating it as failure.
var ErrBlobAbsent = errors.New("blobstore: blob absent")

// Provider resolves a family + filename to blob bytes.
type Provider interface {
	ReadBlob(family identity.Family, filename string) ([]byte, error)
}

// DiskProvider is the default Provider, reading blobs from a
// configured root directory laid out per §6:
//
//	<root>/raspberrypi/bootcode.bin
//	<root>/cm4/bootcode.bin
type DiskProvider struct {
	root string
}

// NewDiskProvider returns a DiskProvider rooted at root.
func NewDiskProvider(root string) *DiskProvider {
	return &DiskProvider{root: root}
}

func familyDir(f identity.Family) (string, bool) {
	switch f {
	case identity.FamilyCm3Like:
		return "raspberrypi", true
	case identity.FamilyCm4:
		return "cm4", true
	default:
		return "", false
	}
}

// ReadBlob reads a blob's bytes, returning ErrBlobAbsent if it does
// not exist. filename may contain forward-slash-separated components
// as received from the device.
func (p *DiskProvider) ReadBlob(family identity.Family, filename string) ([]byte, error) {
	dir, ok := familyDir(family)
	if !ok {
		return nil, fmt.Errorf("blobstore: unknown family %v", family)
	}

	rel, err := sanitizeFilename(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(p.root, dir, rel))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobAbsent
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// sanitizeFilename joins forward-slash-separated components into a
// filesystem-safe relative path, rejecting any ".." component: a
// malformed or malicious stage-2 loader could otherwise walk the
// blob store outside its root.
func sanitizeFilename(filename string) (string, error) {
	parts := strings.Split(filename, "/")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			return "", fmt.Errorf("blobstore: path traversal in filename %q", filename)
		default:
			clean = append(clean, part)
		}
	}
	if len(clean) == 0 {
		return "", fmt.Errorf("blobstore: empty filename")
	}
	return filepath.Join(clean...), nil
}
