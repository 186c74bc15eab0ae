// Package frame implements the pure binary framing used by the
// usbboot wire protocol: the boot message header sent to the ROM, the
// file-request message received from the stage-2 loader, and the
// return-code message the ROM sends back after a bootcode upload.
//
// Every function here is deterministic and does no I/O: fixed-offset,
// explicit-endianness packet handling, little-endian per the wire
// format this protocol actually uses.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// BootHeaderSize is the size in bytes of the boot message header.
	BootHeaderSize = 24
	// FileMessageSize is the size in bytes of a file-request message.
	FileMessageSize = 260
	// ReturnCodeSize is the size in bytes of a return-code message.
	ReturnCodeSize = 4

	signatureSize = 20
	filenameSize  = FileMessageSize - 4
)

// SignatureZero is the all-zero signature the boot header currently
// uses. The encoder is parameterized on the signature (§9 open
// question) so a future non-zero signature never needs an inline
// zero-fill to be found and replaced.
var SignatureZero [signatureSize]byte

// Command is a file-request command code.
type Command uint32

const (
	CommandGetFileSize Command = 0
	CommandReadFile    Command = 1
	CommandDone        Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandGetFileSize:
		return "GetFileSize"
	case CommandReadFile:
		return "ReadFile"
	case CommandDone:
		return "Done"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// InvalidCommandError reports a file-request command code this
// implementation does not understand.
type InvalidCommandError struct {
	Code uint32
}

func (e *InvalidCommandError) Error() string {
	return fmt.Sprintf("frame: invalid command code %d", e.Code)
}

// FileMessage is a parsed file-request message.
type FileMessage struct {
	Command  Command
	Filename string
}

// EncodeBootHeader encodes the 24-byte boot message header: a 4-byte
// little-endian payload length followed by a 20-byte signature field.
func EncodeBootHeader(payloadLen uint32, signature [signatureSize]byte) [BootHeaderSize]byte {
	var out [BootHeaderSize]byte
	binary.LittleEndian.PutUint32(out[0:4], payloadLen)
	copy(out[4:BootHeaderSize], signature[:])
	return out
}

// ParseFileMessage parses a 260-byte file-request message. An empty
// filename (first byte of the name field is NUL, or the whole field
// decodes to the empty string) is always classified as Done,
// regardless of the raw command code (§3). Any other unrecognized
// command code is rejected with InvalidCommandError.
func ParseFileMessage(buf [FileMessageSize]byte) (FileMessage, error) {
	rawCode := binary.LittleEndian.Uint32(buf[0:4])
	filename := parseFilename(buf[4:])

	if filename == "" {
		return FileMessage{Command: CommandDone}, nil
	}

	cmd := Command(rawCode)
	switch cmd {
	case CommandGetFileSize, CommandReadFile, CommandDone:
		return FileMessage{Command: cmd, Filename: filename}, nil
	default:
		return FileMessage{}, &InvalidCommandError{Code: rawCode}
	}
}

func parseFilename(field []byte) string {
	n := bytes.IndexByte(field, 0)
	if n < 0 {
		n = len(field)
	}
	return string(field[:n])
}

// DecodeReturnCode decodes a 4-byte little-endian return-code message.
func DecodeReturnCode(buf [ReturnCodeSize]byte) uint32 {
	return binary.LittleEndian.Uint32(buf[:])
}

// EncodeReturnCode is the symmetric encoder, used by tests and by
// fakes of the device-to-host direction.
func EncodeReturnCode(code uint32) [ReturnCodeSize]byte {
	var out [ReturnCodeSize]byte
	binary.LittleEndian.PutUint32(out[:], code)
	return out
}

// EncodeFileMessage is the symmetric encoder for a file-request
// message, used by tests to build synthetic device input.
func EncodeFileMessage(cmd Command, filename string) [FileMessageSize]byte {
	var out [FileMessageSize]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(cmd))
	n := copy(out[4:4+filenameSize], filename)
	_ = n // remaining bytes stay zero (NUL padding)
	return out
}
