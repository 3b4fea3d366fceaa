// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// uleb128 is the data type for unsigned little endian base-128 encoded number
type uleb128 uint64

// sleb128 is the data type for signed little endian base-128 encoded number
type sleb128 int64

// reader provides bounds checked access to an exception frame section and
// its virtual address base. Reads past the end yield zero and leave the
// reader invalid.
type reader struct {
	debugFrame bool

	data  []byte
	base  int
	pos   int
	end   int
	vaddr uint64
}

// newReader returns a reader over the section contents loaded at vaddr.
func newReader(data []byte, vaddr uint64, debugFrame bool) reader {
	if len(data) == 0 {
		return reader{}
	}
	return reader{
		debugFrame: debugFrame,
		data:       data,
		end:        len(data),
		vaddr:      vaddr,
	}
}

func (r *reader) setBase() {
	r.base = r.pos
}

// offset creates a "sub"-reader for the data starting from offset relative to base
func (r *reader) offset(offs int) reader {
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		base:       r.base,
		pos:        r.base + offs,
		end:        r.end,
		vaddr:      r.vaddr,
	}
}

// hasData checks if there is unread data left
func (r *reader) hasData() bool {
	return r.pos < r.end
}

// isValid checks if the reader is still in valid state
func (r *reader) isValid() bool {
	return r.data != nil && r.pos >= 0 && r.pos <= r.end
}

func (r *reader) skip(num int) {
	r.pos += num
}

// take returns the next n bytes, or nil when they are not available.
func (r *reader) take(n int) []byte {
	if r.pos < 0 || n > r.end-r.pos {
		r.pos = r.end + 1
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// u8 reads one unsigned byte.
func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// u16 reads one unsigned word.
func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

// u32 reads one unsigned word.
func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// u64 reads one unsigned word.
func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// uleb reads one unsigned little endian base-128 encoded value
func (r *reader) uleb() uleb128 {
	b := uint8(0x80)
	val := uleb128(0)
	for shift := 0; b&0x80 != 0; shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= uleb128(b&0x7f) << shift
		}
	}
	return val
}

// sleb reads one signed little endian base-128 encoded value
func (r *reader) sleb() sleb128 {
	b := uint8(0x80)
	val := sleb128(0)
	shift := 0
	for ; b&0x80 != 0; shift += 7 {
		b = r.u8()
		if shift < 64 {
			val |= sleb128(b&0x7f) << shift
		}
	}
	if b&0x40 != 0 && shift < 64 {
		// Sign extend
		val |= sleb128(-1) << shift
	}
	return val
}

// str reads one zero-terminated string value. This is used to read the
// augmentation string only.
func (r *reader) str() string {
	if !r.isValid() {
		return ""
	}
	n := bytes.IndexByte(r.data[r.pos:r.end], 0)
	if n < 0 {
		r.pos = r.end + 1
		return ""
	}
	s := string(r.data[r.pos : r.pos+n])
	r.pos += n + 1
	return s
}

// bytes reads one n-length block as a sub-reader
func (r *reader) bytes(num uint64) reader {
	pos := r.pos
	if !r.isValid() || num > uint64(r.end-pos) {
		r.pos = r.end + 1
		return reader{}
	}
	r.pos = pos + int(num)
	return reader{
		debugFrame: r.debugFrame,
		data:       r.data,
		pos:        pos,
		end:        r.pos,
		vaddr:      r.vaddr,
	}
}

// ptr reads one pointer value encoded with enc encoding
func (r *reader) ptr(enc encoding) (uint64, error) {
	if enc == encOmit {
		return 0, nil
	}
	pos := uint64(r.pos)
	var val uint64
	switch enc & (encFormatMask | encSignedMask) {
	case encFormatData2:
		val = uint64(r.u16())
	case encFormatData4:
		val = uint64(r.u32())
	case encFormatData8, encFormatNative, encFormatData8 | encSignedMask:
		val = r.u64()
	case encFormatLeb128:
		val = uint64(r.uleb())
	case encFormatLeb128 | encSignedMask:
		val = uint64(r.sleb())
	case encFormatData2 | encSignedMask:
		val = uint64(int64(int16(r.u16())))
	case encFormatData4 | encSignedMask:
		val = uint64(int64(int32(r.u32())))
	default:
		return 0, fmt.Errorf("unsupported format encoding %#02x", enc)
	}

	switch enc & encAdjustMask {
	case encAdjustAbs:
	case encAdjustPcRel:
		val += pos + r.vaddr
	case encAdjustDataRel:
		val += r.vaddr
	default:
		return 0, fmt.Errorf("unsupported adjust encoding %#02x", enc)
	}

	if enc&encIndirect != 0 {
		return 0, fmt.Errorf("unsupported indirect encoding %#02x", enc)
	}
	if !r.isValid() {
		return 0, errTruncated
	}
	return val, nil
}
