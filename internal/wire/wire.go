package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1

	// FlagCompressed marks a data block that must be decompressed before use.
	FlagCompressed byte = 1 << 0
)

var (
	ErrCorrupt = errors.New("netcache: corrupt record")
	magic4     = [...]byte{'N', 'C', 'D', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Frame is one persisted record split into its encoded header and data block.
// RawLen is the data length before compression.
type Frame struct {
	Flags  byte
	Header []byte
	RawLen uint32
	Data   []byte
}

// Compressed reports whether Data holds a compressed block.
func (f Frame) Compressed() bool { return f.Flags&FlagCompressed != 0 }

// Encode lays out a record file:
//
//	magic(4) | ver(1) | flags(1) | hlen(u32 be) | header(hlen) | rawlen(u32 be) | dlen(u32 be) | data(dlen)
func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 4 + len(f.Header) + 4 + 4 + len(f.Data))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Flags)

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Header)))
	buf.Write(u4[:])
	buf.Write(f.Header)

	binary.BigEndian.PutUint32(u4[:], f.RawLen)
	buf.Write(u4[:])
	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Data)))
	buf.Write(u4[:])
	buf.Write(f.Data)

	return buf.Bytes()
}

// Decode parses a record file. The returned slices alias b.
func Decode(b []byte) (Frame, error) {
	const fixed = 4 + 1 + 1 + 4
	if len(b) < fixed || !hasMagic(b) || b[4] != version {
		return Frame{}, ErrCorrupt
	}
	f := Frame{Flags: b[5]}
	if f.Flags&^FlagCompressed != 0 {
		return Frame{}, ErrCorrupt
	}
	off := 6

	hlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if hlen < 0 || hlen > len(b)-off { // overflow-safe bound check
		return Frame{}, ErrCorrupt
	}
	f.Header = b[off : off+hlen]
	off += hlen

	if off+8 > len(b) {
		return Frame{}, ErrCorrupt
	}
	f.RawLen = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	dlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if dlen < 0 || dlen != len(b)-off {
		return Frame{}, ErrCorrupt
	}
	if !f.Compressed() && uint32(dlen) != f.RawLen {
		return Frame{}, ErrCorrupt
	}
	f.Data = b[off : off+dlen]
	return f, nil
}

// PeekHeader returns only the header block, for walks that never need data.
func PeekHeader(b []byte) ([]byte, error) {
	const fixed = 4 + 1 + 1 + 4
	if len(b) < fixed || !hasMagic(b) || b[4] != version {
		return nil, ErrCorrupt
	}
	hlen := int(binary.BigEndian.Uint32(b[6:10]))
	if hlen < 0 || hlen > len(b)-10 {
		return nil, ErrCorrupt
	}
	return b[10 : 10+hlen], nil
}
