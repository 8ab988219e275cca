// Package pack implements the trailing, magic-framed metadata record an
// executable can carry declaring the resources it needs at runtime (spec
// §4.E, §6). The wire layout here is project-private (there is no
// standard container format for this), framed in the magic+length-prefix
// style used for object framing in javanhut-IvaldiVCS/internal/pack/pack.go,
// built on stdlib encoding/binary + encoding/json rather than a third-party
// format library (see DESIGN.md for why nothing in the corpus fits).
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// magic marks the trailing frame. It is deliberately distinctive so a file
// that merely happens to end in 15 arbitrary bytes is exceedingly unlikely
// to be mistaken for a pack frame.
var magic = []byte("briochepack\x00v1\x00")

const lengthFieldSize = 8 // little-endian uint64 byte length of the JSON payload

// Pack is the metadata an executable's trailing frame declares. Program and
// Interpreter (when present) are the frame's only resource entry points:
// each is a byte-path relative to the resources directory, and ingestion
// resolves resources by walking from these paths (following any symlinks
// transitively) rather than from an explicit enumerated list.
type Pack struct {
	// Program is the byte-path (relative to the resources directory) of
	// the real program to run.
	Program []byte
	// Interpreter is an optional reference to an interpreter/loader that
	// should be invoked with Program as an argument. Empty if unset.
	Interpreter []byte
}

type wirePack struct {
	Program     []byte `json:"program"`
	Interpreter []byte `json:"interpreter,omitempty"`
}

// Inject appends a trailing pack frame declaring p to content and returns
// the combined bytes. content is never mutated.
func Inject(content []byte, p Pack) ([]byte, error) {
	payload, err := json.Marshal(wirePack{Program: p.Program, Interpreter: p.Interpreter})
	if err != nil {
		return nil, fmt.Errorf("pack: marshal frame: %w", err)
	}

	var lengthField [lengthFieldSize]byte
	binary.LittleEndian.PutUint64(lengthField[:], uint64(len(payload)))

	out := make([]byte, 0, len(content)+len(payload)+len(lengthField)+len(magic))
	out = append(out, content...)
	out = append(out, payload...)
	out = append(out, lengthField[:]...)
	out = append(out, magic...)
	return out, nil
}

// ErrNotPacked indicates the file has no pack frame at all (the magic bytes
// are absent at its trailing offset). Per spec §9's recommendation, this is
// NOT a parse failure: callers should silently fall back to treating the
// file as a plain, unpacked file.
var ErrNotPacked = fmt.Errorf("pack: no trailing pack frame present")

// Parse looks for a trailing pack frame in content and returns the decoded
// Pack.
//
// If the magic bytes are simply absent, Parse returns ErrNotPacked, which
// callers should treat as "not packed" rather than a failure (spec §9).
// If the magic bytes ARE present but the frame body fails to decode (a
// corrupt or truncated length/payload), Parse returns a non-nil error that
// does NOT wrap ErrNotPacked: that case is a genuine parse failure, fatal
// to the caller, because a file that looks packed but isn't parseable
// indicates real data corruption rather than an unpacked file.
func Parse(content []byte) (Pack, error) {
	if len(content) < len(magic) {
		return Pack{}, ErrNotPacked
	}
	trailer := content[len(content)-len(magic):]
	if !bytes.Equal(trailer, magic) {
		return Pack{}, ErrNotPacked
	}

	beforeMagic := content[:len(content)-len(magic)]
	if len(beforeMagic) < lengthFieldSize {
		return Pack{}, fmt.Errorf("pack: magic present but length field truncated")
	}

	lengthFieldStart := len(beforeMagic) - lengthFieldSize
	payloadLen := binary.LittleEndian.Uint64(beforeMagic[lengthFieldStart:])
	beforeLength := beforeMagic[:lengthFieldStart]

	if payloadLen > uint64(len(beforeLength)) {
		return Pack{}, fmt.Errorf("pack: magic present but declared payload length %d exceeds available %d bytes", payloadLen, len(beforeLength))
	}

	payloadStart := uint64(len(beforeLength)) - payloadLen
	payload := beforeLength[payloadStart:]

	var wire wirePack
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Pack{}, fmt.Errorf("pack: magic present but frame payload failed to decode: %w", err)
	}

	return Pack{Program: wire.Program, Interpreter: wire.Interpreter}, nil
}

// ResourceEntryPoints returns the resource paths (relative to the resources
// directory) ingestion should walk from to collect p's resources: its
// program, and its interpreter if one is set.
func (p Pack) ResourceEntryPoints() [][]byte {
	entries := [][]byte{p.Program}
	if len(p.Interpreter) > 0 {
		entries = append(entries, p.Interpreter)
	}
	return entries
}
