// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutils builds small synthetic ELF images with call frame
// information for tests.
package testutils // import "go.opentelemetry.io/native-sampler/testutils"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"sort"
)

// Section is one section of a synthetic ELF image. The image is laid out so
// that the file offset of every section equals its address.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Data  []byte
	// Link is the index of the linked section. Section indexes start at 1
	// in the order given to BuildELF.
	Link    uint32
	Entsize uint64
}

const (
	headerSize = 64
	progSize   = 56
)

// BuildELF returns a little endian ELF64 shared object containing the given
// sections, covered by one PT_LOAD segment with zero bias. Section addresses
// must be increasing, non-overlapping and above 0x100.
func BuildELF(machine elf.Machine, sections []Section) []byte {
	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(sections)+1)
	for i, sec := range sections {
		names[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(sec.Name)
		shstrtab.WriteByte(0)
	}
	names[len(sections)] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)

	image := make([]byte, headerSize+progSize)
	for _, sec := range sections {
		if sec.Type == elf.SHT_NOBITS {
			continue
		}
		if pad := int(sec.Addr) - len(image); pad > 0 {
			image = append(image, make([]byte, pad)...)
		}
		image = append(image, sec.Data...)
	}
	loadEnd := uint64(len(image))
	shstrOff := uint64(len(image))
	image = append(image, shstrtab.Bytes()...)
	for len(image)%8 != 0 {
		image = append(image, 0)
	}
	shoff := uint64(len(image))

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F',
		byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT)}
	_ = binary.Write(&hdr, binary.LittleEndian, elf.Header64{
		Ident:     ident,
		Type:      uint16(elf.ET_DYN),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Phoff:     headerSize,
		Shoff:     shoff,
		Ehsize:    headerSize,
		Phentsize: progSize,
		Phnum:     1,
		Shentsize: 64,
		Shnum:     uint16(len(sections) + 2),
		Shstrndx:  uint16(len(sections) + 1),
	})
	_ = binary.Write(&hdr, binary.LittleEndian, elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Filesz: loadEnd,
		Memsz:  loadEnd,
		Align:  0x1000,
	})
	copy(image, hdr.Bytes())

	var shdrs bytes.Buffer
	_ = binary.Write(&shdrs, binary.LittleEndian, elf.Section64{})
	for i, sec := range sections {
		_ = binary.Write(&shdrs, binary.LittleEndian, elf.Section64{
			Name:      names[i],
			Type:      uint32(sec.Type),
			Flags:     uint64(sec.Flags),
			Addr:      sec.Addr,
			Off:       sec.Addr,
			Size:      uint64(len(sec.Data)),
			Link:      sec.Link,
			Addralign: 1,
			Entsize:   sec.Entsize,
		})
	}
	_ = binary.Write(&shdrs, binary.LittleEndian, elf.Section64{
		Name:      names[len(sections)],
		Type:      uint32(elf.SHT_STRTAB),
		Off:       shstrOff,
		Size:      uint64(shstrtab.Len()),
		Addralign: 1,
	})
	return append(image, shdrs.Bytes()...)
}

// CIE describes the common information entry of a synthetic .eh_frame.
type CIE struct {
	CodeAlign uint64
	DataAlign int64
	RA        uint8
	// Signal adds the 'S' augmentation.
	Signal bool
	Insns  []byte
}

// DefaultCIE returns the CIE compilers emit for x86-64.
func DefaultCIE() CIE {
	return CIE{
		CodeAlign: 1,
		DataAlign: -8,
		RA:        16,
		Insns:     NewProgram().DefCFA(7, 8).Offset(16, 1).Bytes(),
	}
}

// FDE describes one function of a synthetic .eh_frame.
type FDE struct {
	Start uint64
	Len   uint64
	Insns []byte
}

const pcrelSData4 = 0x1b

func appendULEB(b []byte, v uint64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSLEB(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// pad fills the entry starting at start with DW_CFA_nop to a multiple of 8.
func pad(b []byte, start int) []byte {
	for (len(b)-start)%8 != 0 {
		b = append(b, 0)
	}
	return b
}

// EHFrame encodes a .eh_frame section located at addr with one CIE and the
// given FDEs in the given order. It returns the section data and the section
// offset of each FDE.
func EHFrame(addr uint64, cie CIE, fdes []FDE) (data []byte, offsets []uint64) {
	aug := "zR"
	if cie.Signal {
		aug = "zRS"
	}
	// CIE
	b := appendU32(nil, 0)
	b = appendU32(b, 0)
	b = append(b, 1)
	b = append(b, aug...)
	b = append(b, 0)
	b = appendULEB(b, cie.CodeAlign)
	b = appendSLEB(b, cie.DataAlign)
	b = append(b, cie.RA)
	b = appendULEB(b, 1)
	b = append(b, pcrelSData4)
	b = append(b, cie.Insns...)
	b = pad(b, 4)
	binary.LittleEndian.PutUint32(b, uint32(len(b)-4))

	for _, fde := range fdes {
		start := len(b)
		offsets = append(offsets, uint64(start))
		b = appendU32(b, 0)
		// CIE pointer, relative to its own position
		b = appendU32(b, uint32(len(b)))
		b = appendU32(b, uint32(int32(fde.Start-(addr+uint64(len(b))))))
		b = appendU32(b, uint32(fde.Len))
		b = appendULEB(b, 0)
		b = append(b, fde.Insns...)
		b = pad(b, start+4)
		binary.LittleEndian.PutUint32(b[start:], uint32(len(b)-start-4))
	}
	// Terminator
	b = appendU32(b, 0)
	return b, offsets
}

// DebugFrame encodes a .debug_frame section with one CIE and the given FDEs
// using absolute 8 byte addresses.
func DebugFrame(cie CIE, fdes []FDE) []byte {
	b := appendU32(nil, 0)
	b = appendU32(b, 0xffffffff)
	b = append(b, 1, 0)
	b = appendULEB(b, cie.CodeAlign)
	b = appendSLEB(b, cie.DataAlign)
	b = append(b, cie.RA)
	b = append(b, cie.Insns...)
	b = pad(b, 4)
	binary.LittleEndian.PutUint32(b, uint32(len(b)-4))

	for _, fde := range fdes {
		start := len(b)
		b = appendU32(b, 0)
		b = appendU32(b, 0)
		b = binary.LittleEndian.AppendUint64(b, fde.Start)
		b = binary.LittleEndian.AppendUint64(b, fde.Len)
		b = append(b, fde.Insns...)
		b = pad(b, start+4)
		binary.LittleEndian.PutUint32(b[start:], uint32(len(b)-start-4))
	}
	return b
}

// Symbol is a function symbol of a synthetic symbol table.
type Symbol struct {
	Name  string
	Value uint64
	Size  uint64
	// Section is the index of the section defining the symbol.
	Section uint16
}

// SymbolTable encodes .symtab and .strtab contents for the given functions.
func SymbolTable(syms []Symbol) (symtab, strtab []byte) {
	strtab = []byte{0}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{})
	for _, sym := range syms {
		name := uint32(len(strtab))
		strtab = append(append(strtab, sym.Name...), 0)
		_ = binary.Write(&buf, binary.LittleEndian, elf.Sym64{
			Name:  name,
			Info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_FUNC),
			Shndx: sym.Section,
			Value: sym.Value,
			Size:  sym.Size,
		})
	}
	return buf.Bytes(), strtab
}

// EHFrameHdr encodes the .eh_frame_hdr section at addr indexing the FDEs of
// an .eh_frame at ehFrameAddr.
func EHFrameHdr(addr, ehFrameAddr uint64, fdes []FDE, offsets []uint64) []byte {
	type entry struct{ start, fde uint64 }
	entries := make([]entry, len(fdes))
	for i := range fdes {
		entries[i] = entry{fdes[i].Start, ehFrameAddr + offsets[i]}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].start < entries[j].start })

	b := []byte{1, pcrelSData4, 0x03, 0x3b}
	b = appendU32(b, uint32(int32(ehFrameAddr-(addr+4))))
	b = appendU32(b, uint32(len(entries)))
	for _, e := range entries {
		b = appendU32(b, uint32(int32(e.start-addr)))
		b = appendU32(b, uint32(int32(e.fde-addr)))
	}
	return b
}

// Program assembles DWARF call frame instructions.
type Program struct {
	b []byte
}

// NewProgram returns an empty instruction sequence.
func NewProgram() *Program {
	return &Program{}
}

// Bytes returns the encoded instructions.
func (p *Program) Bytes() []byte {
	return p.b
}

// Raw appends bytes verbatim.
func (p *Program) Raw(b ...byte) *Program {
	p.b = append(p.b, b...)
	return p
}

// AdvanceLoc emits DW_CFA_advance_loc or DW_CFA_advance_loc1/2/4.
func (p *Program) AdvanceLoc(delta uint32) *Program {
	switch {
	case delta < 0x40:
		p.b = append(p.b, 0x40|byte(delta))
	case delta <= 0xff:
		p.b = append(p.b, 0x02, byte(delta))
	case delta <= 0xffff:
		p.b = binary.LittleEndian.AppendUint16(append(p.b, 0x03), uint16(delta))
	default:
		p.b = appendU32(append(p.b, 0x04), delta)
	}
	return p
}

// DefCFA emits DW_CFA_def_cfa.
func (p *Program) DefCFA(reg, off uint64) *Program {
	p.b = appendULEB(appendULEB(append(p.b, 0x0c), reg), off)
	return p
}

// DefCFARegister emits DW_CFA_def_cfa_register.
func (p *Program) DefCFARegister(reg uint64) *Program {
	p.b = appendULEB(append(p.b, 0x0d), reg)
	return p
}

// DefCFAOffset emits DW_CFA_def_cfa_offset.
func (p *Program) DefCFAOffset(off uint64) *Program {
	p.b = appendULEB(append(p.b, 0x0e), off)
	return p
}

// DefCFAOffsetSf emits DW_CFA_def_cfa_offset_sf.
func (p *Program) DefCFAOffsetSf(off int64) *Program {
	p.b = appendSLEB(append(p.b, 0x13), off)
	return p
}

// Offset emits DW_CFA_offset, the register saved at CFA+off*data_align.
func (p *Program) Offset(reg uint8, off uint64) *Program {
	if reg < 0x40 {
		p.b = appendULEB(append(p.b, 0x80|reg), off)
		return p
	}
	p.b = appendULEB(appendULEB(append(p.b, 0x05), uint64(reg)), off)
	return p
}

// RememberState emits DW_CFA_remember_state.
func (p *Program) RememberState() *Program {
	p.b = append(p.b, 0x0a)
	return p
}

// RestoreState emits DW_CFA_restore_state.
func (p *Program) RestoreState() *Program {
	p.b = append(p.b, 0x0b)
	return p
}

// DefCFAExpression emits DW_CFA_def_cfa_expression with the given expression.
func (p *Program) DefCFAExpression(expr []byte) *Program {
	p.b = append(appendULEB(append(p.b, 0x0f), uint64(len(expr))), expr...)
	return p
}

// ValExpression emits DW_CFA_val_expression for reg.
func (p *Program) ValExpression(reg uint64, expr []byte) *Program {
	p.b = append(appendULEB(appendULEB(append(p.b, 0x16), reg), uint64(len(expr))), expr...)
	return p
}

// PLTExpression is the CFA expression GCC emits for x86-64 PLT stubs:
// rsp + 8 + ((rip & 15) >= 11) << 3.
var PLTExpression = []byte{0x77, 0x08, 0x80, 0x00, 0x3f, 0x1a, 0x3b, 0x2a, 0x33, 0x24, 0x22}

// FramePointerFunction returns the instructions of a function with the
// standard `push %rbp; mov %rsp,%rbp` prologue of 1 and 3 bytes.
func FramePointerFunction() []byte {
	return NewProgram().
		AdvanceLoc(1).DefCFAOffset(16).Offset(6, 2).
		AdvanceLoc(3).DefCFARegister(6).
		Bytes()
}
