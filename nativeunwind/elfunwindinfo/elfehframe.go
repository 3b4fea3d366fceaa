// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package elfunwindinfo // import "go.opentelemetry.io/native-sampler/nativeunwind/elfunwindinfo"

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	lru "github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/native-sampler/nativeunwind/framedesc"
)

// Most files have single CIE, and all FDEs use that. But multiple CIEs are needed
// in some cases.
const cieCacheSize = 256

// maxRememberDepth is the nesting limit of remember_state.
const maxRememberDepth = 4

// pltExpressionLen is the encoded length of the CFA expression GCC emits for
// the x86-64 PLT stubs.
const pltExpressionLen = 11

var (
	// errUnexpectedType is used internally to detect inconsistent FDE/CIE types
	errUnexpectedType = errors.New("unexpected FDE/CIE type")
	// errEmptyEntry is used internally to report FDEs/CIEs of length 0.
	errEmptyEntry = errors.New("FDE/CIE empty")
	// errTruncated reports a read beyond the end of an entry.
	errTruncated = errors.New("entry truncated")
	// errSetLoc aborts an FDE program using DW_CFA_set_loc.
	errSetLoc = errors.New("DW_CFA_set_loc not supported")
)

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// DWARF Expression Opcodes
// http://dwarfstd.org/doc/DWARF5.pdf §2.5, §7.7.1
// The subset used to express the caller's PC relative to the current one.
type expressionOpcode uint8

const (
	opConst1U expressionOpcode = 0x08
	opConst1S expressionOpcode = 0x09
	opConst2U expressionOpcode = 0x0a
	opConst2S expressionOpcode = 0x0b
	opConst4U expressionOpcode = 0x0c
	opConst4S expressionOpcode = 0x0d
	opConstU  expressionOpcode = 0x10
	opConstS  expressionOpcode = 0x11
	opMinus   expressionOpcode = 0x1c
	opPlus    expressionOpcode = 0x22
	opBReg0   expressionOpcode = 0x70
)

// DWARF Exception Header Encoding
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type encoding uint8

const (
	encFormatNative  encoding = 0x00
	encFormatLeb128  encoding = 0x01
	encFormatData2   encoding = 0x02
	encFormatData4   encoding = 0x03
	encFormatData8   encoding = 0x04
	encFormatMask    encoding = 0x07
	encSignedMask    encoding = 0x08
	encAdjustAbs     encoding = 0x00
	encAdjustPcRel   encoding = 0x10
	encAdjustTextRel encoding = 0x20
	encAdjustDataRel encoding = 0x30
	encAdjustFuncRel encoding = 0x40
	encAdjustAligned encoding = 0x50
	encAdjustMask    encoding = 0x70
	encIndirect      encoding = 0x80
	encOmit          encoding = 0xff
)

// Exception Frame Header (.eh_frame_hdr section)
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
type ehFrameHdr struct {
	version       uint8
	ehFramePtrEnc encoding
	fdeCountEnc   encoding
	tableEnc      encoding
	// Continued with the following:
	// ehFramePtr    ptr{ehFramePtrEnc}
	// fdeCount      ptr{ehFramePtrEnc}
	// searchTable   [fdeCount]struct {
	//	startIp ptr{tableEnc}
	//	fdeAddr ptr{tableEnc}
	// }
}

// cieInfo describes the contents of one Common Information Entry (CIE)
type cieInfo struct {
	dataAlign       sleb128
	codeAlign       uleb128
	regRA           uleb128
	enc             encoding
	ldsaEnc         encoding
	hasAugmentation bool
	isSignalHandler bool

	// initialState is the virtual machine state after running CIE opcodes
	initialState vmState
}

// fdeInfo contains one Frame Description Entry (FDE)
type fdeInfo struct {
	ciePos  uint64
	ipLen   uint64
	ipStart uint64
}

// sigretCodeMap contains the per-machine trampoline to call rt_sigreturn syscall.
// This is needed to detect signal trampoline functions as the .eh_frame often
// does not contain the proper unwind info due to various reasons.
//
//nolint:lll
var sigretCodeMap = map[elf.Machine][]byte{
	elf.EM_AARCH64: {
		// https://git.kernel.org/pub/scm/linux/kernel/git/torvalds/linux.git/tree/arch/arm64/kernel/vdso/sigreturn.S?h=v6.4#n71
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/aarch64/restore.s?h=v1.2.4#n9
		// movz x8, #0x8b
		0x68, 0x11, 0x80, 0xd2,
		// svc  #0x0
		0x01, 0x00, 0x00, 0xd4,
	},
	elf.EM_X86_64: {
		// https://sourceware.org/git/?p=glibc.git;a=blob;f=sysdeps/unix/sysv/linux/x86_64/libc_sigaction.c;h=afdce87381228f0cf32fa9fa6c8c4efa5179065c;hb=a704fd9a133bfb10510e18702f48a6a9c88dbbd5#l80
		// https://git.musl-libc.org/cgit/musl/tree/src/signal/x86_64/restore.s?h=v1.2.4#n6
		// mov $0xf,%rax
		0x48, 0xc7, 0xc0, 0x0f, 0x00, 0x00, 0x00,
		// syscall
		0x0f, 0x05,
	},
}

// vmState is the part of the DWARF virtual machine state that the frame
// descriptors can express.
type vmState struct {
	cfaReg uint8
	cfaOff int32
	fpOff  int32
}

// initialVMState is the state before any CIE instruction: the return address
// was just pushed and the frame pointer is the caller's.
func initialVMState(arch framedesc.Arch) vmState {
	return vmState{cfaReg: arch.SP, cfaOff: framedesc.StackSlot, fpOff: framedesc.SameFP}
}

// desc converts the state into a frame descriptor valid from loc.
func (s vmState) desc(loc uint32) framedesc.FrameDesc {
	reg := s.cfaReg
	if s.cfaOff < -(1<<23) || s.cfaOff >= 1<<23 {
		reg = framedesc.RegInvalid
	}
	return framedesc.FrameDesc{
		Loc:   loc,
		CFA:   framedesc.MakeCFA(reg, s.cfaOff),
		FPOff: s.fpOff,
	}
}

// state is the virtual machine state which can execute exception handler opcodes
type state struct {
	arch framedesc.Arch
	// cie is the CIE being currently processed
	cie *cieInfo
	// loc is the current location (RIP)
	loc uint64
	// cur is the current state of the virtual machine
	cur vmState
	// stack holds the states saved by remember_state
	stack [maxRememberDepth]vmState
	// stackNdx is the current stack nesting level for remember/restore opcodes
	stackNdx int
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.loc += delta * uint64(st.cie.codeAlign)
}

// offsetFP records the frame pointer save slot if reg is the frame pointer.
func (st *state) offsetFP(reg uleb128, off sleb128) {
	if reg == uleb128(st.arch.FP) {
		st.cur.fpOff = int32(off * st.cie.dataAlign)
	}
}

// setCFAReg sets the CFA base register. Registers that collide with the
// pseudo register range cannot be expressed.
func (st *state) setCFAReg(reg uleb128) {
	if reg >= uleb128(framedesc.RegPLT) {
		st.cur.cfaReg = framedesc.RegInvalid
		return
	}
	st.cur.cfaReg = uint8(reg)
}

// pcExpression evaluates the restricted expression language describing the
// caller's PC as the current PC plus constants. Anything else yields zero.
func (st *state) pcExpression(r *reader) int32 {
	ed := r.bytes(uint64(r.uleb()))
	pcReg := opBReg0 + expressionOpcode(st.arch.PC)
	var pcOff, tos int64
	for ed.hasData() {
		switch op := expressionOpcode(ed.u8()); op {
		case pcReg:
			pcOff = int64(ed.sleb())
		case opConst1U:
			tos = int64(ed.u8())
		case opConst1S:
			tos = int64(int8(ed.u8()))
		case opConst2U:
			tos = int64(ed.u16())
		case opConst2S:
			tos = int64(int16(ed.u16()))
		case opConst4U:
			tos = int64(ed.u32())
		case opConst4S:
			tos = int64(int32(ed.u32()))
		case opConstU:
			tos = int64(ed.uleb())
		case opConstS:
			tos = int64(ed.sleb())
		case opMinus:
			pcOff -= tos
		case opPlus:
			pcOff += tos
		default:
			return 0
		}
	}
	if !ed.isValid() || pcOff < math.MinInt32>>1 || pcOff > math.MaxInt32>>1 {
		return 0
	}
	return int32(pcOff)
}

// step executes the EH virtual opcodes until a new virtual address is encountered
// or end of opcodes is reached.
func (st *state) step(r *reader) error {
	for r.hasData() {
		opcode := cfaOpcode(r.u8())
		operand := uint8(0)

		// If the high opcode bits are set, the upper bits are opcode
		// and the lower bits is operand.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint8(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		switch opcode {
		case cfaNop, cfaGNUWindowSave:
		case cfaSetLoc:
			return errSetLoc
		case cfaAdvanceLoc1:
			st.advance(uint64(r.u8()))
			return nil
		case cfaAdvanceLoc2:
			st.advance(uint64(r.u16()))
			return nil
		case cfaAdvanceLoc4:
			st.advance(uint64(r.u32()))
			return nil
		case cfaOffsetExtended:
			st.offsetFP(r.uleb(), sleb128(r.uleb()))
		case cfaRestoreExtended, cfaUndefined, cfaSameValue, cfaGNUArgsSize:
			r.uleb()
		case cfaRegister, cfaValOffset:
			r.uleb()
			r.uleb()
		case cfaValOffsetSf:
			r.uleb()
			r.sleb()
		case cfaRememberState:
			if st.stackNdx >= len(st.stack) {
				return fmt.Errorf("dwarf stack overflow at %x", st.loc)
			}
			st.stack[st.stackNdx] = st.cur
			st.stackNdx++
		case cfaRestoreState:
			if st.stackNdx == 0 {
				return fmt.Errorf("dwarf stack underflow at %x", st.loc)
			}
			st.stackNdx--
			st.cur = st.stack[st.stackNdx]
		case cfaDefCfa:
			st.setCFAReg(r.uleb())
			st.cur.cfaOff = int32(r.uleb())
		case cfaDefCfaRegister:
			st.setCFAReg(r.uleb())
		case cfaDefCfaOffset:
			st.cur.cfaOff = int32(r.uleb())
		case cfaDefCfaExpression:
			blen := uint64(r.uleb())
			r.bytes(blen)
			if blen == pltExpressionLen {
				st.cur.cfaReg = framedesc.RegPLT
			} else {
				st.cur.cfaReg = framedesc.RegInvalid
			}
			st.cur.cfaOff = framedesc.StackSlot
		case cfaExpression:
			r.uleb()
			r.bytes(uint64(r.uleb()))
		case cfaOffsetExtendedSf:
			st.offsetFP(r.uleb(), r.sleb())
		case cfaDefCfaSf:
			st.setCFAReg(r.uleb())
			st.cur.cfaOff = int32(r.sleb() * st.cie.dataAlign)
		case cfaDefCfaOffsetSf:
			st.cur.cfaOff = int32(r.sleb() * st.cie.dataAlign)
		case cfaValExpression:
			if r.uleb() == uleb128(st.arch.PC) {
				if delta := st.pcExpression(r); delta != 0 {
					st.cur.fpOff = framedesc.PCOffset | delta<<1
				}
			} else {
				r.bytes(uint64(r.uleb()))
			}
		case cfaGNUNegOffsetExtended:
			st.offsetFP(r.uleb(), -r.sleb())
		case cfaAdvanceLoc:
			st.advance(uint64(operand))
			return nil
		case cfaOffset:
			st.offsetFP(uleb128(operand), sleb128(r.uleb()))
		case cfaRestore:
		default:
			return fmt.Errorf("DWARF opcode %#02x not implemented", opcode)
		}
	}
	if !r.isValid() {
		return errTruncated
	}
	return nil
}

// parseHDR parses the common part of CIE and FDE blocks
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseHDR(expectCIE bool) (data reader, ciePos uint64, err error) {
	var idPos, cieMarker uint64
	dlen := uint64(r.u32())
	if dlen == 0 {
		return reader{}, 0, errEmptyEntry
	}
	if dlen < 0xfffffff0 {
		// Normal 32-bit dwarf
		idPos = uint64(r.pos)
		ciePos = uint64(r.u32())
		cieMarker = 0xffffffff
		dlen -= 4
	} else if dlen == 0xffffffff {
		// 64-bit dwarf
		dlen = r.u64()
		idPos = uint64(r.pos)
		ciePos = r.u64()
		cieMarker = 0xffffffffffffffff
		dlen -= 2 * 8
	} else {
		// Abort reading as sync is lost
		r.pos = r.end
		return reader{}, 0, fmt.Errorf("unsupported initial length %#x", dlen)
	}

	data = r.bytes(dlen)
	if !data.isValid() {
		return reader{}, 0, fmt.Errorf("CIE/FDE %#x: extends beyond section end", ciePos)
	}
	if !r.debugFrame {
		// In .eh_frame's the CIE marker pointer value is zero
		cieMarker = 0
	}
	isCIE := ciePos == cieMarker
	if isCIE != expectCIE {
		return data, 0, errUnexpectedType
	}
	if !isCIE {
		if !r.debugFrame {
			// In .eh_frame, the FDE pointer is relative to its header position,
			// not to the start of section.
			ciePos = idPos - ciePos
		}
		if ciePos >= uint64(r.end) {
			return data, 0, fmt.Errorf("FDE starts beyond end at %#x", ciePos)
		}
	}
	return data, ciePos, nil
}

// parseCIE reads and processes one Common Information Entry
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (r *reader) parseCIE(cie *cieInfo) (data reader, err error) {
	data, _, err = r.parseHDR(true)
	if err != nil {
		return reader{}, err
	}

	ver := data.u8()
	if ver != 1 && ver != 3 && ver != 4 {
		return reader{}, fmt.Errorf("CIE version %d not supported", ver)
	}

	*cie = cieInfo{
		enc:     encFormatNative | encAdjustAbs,
		ldsaEnc: encFormatNative | encAdjustAbs,
	}

	augmentation := data.str()
	if ver == 4 {
		// Skip the address_size and segment_selector_size fields
		data.skip(2)
	}

	cie.codeAlign = data.uleb()
	cie.dataAlign = data.sleb()
	if ver == 1 {
		cie.regRA = uleb128(data.u8())
	} else {
		cie.regRA = data.uleb()
	}

	// A zero length string indicates that no augmentation data is present.
	if len(augmentation) > 0 {
		if augmentation[0] != 'z' {
			return reader{}, fmt.Errorf("too old augmentation string '%s'", augmentation)
		}
		data.uleb()
		cie.hasAugmentation = true

		for _, ch := range augmentation[1:] {
			switch ch {
			case 'L':
				cie.ldsaEnc = encoding(data.u8())
			case 'R':
				cie.enc = encoding(data.u8())
			case 'P':
				// The personality routine is not used, only skipped.
				enc := encoding(data.u8()) &^ encIndirect
				if _, err = data.ptr(enc); err != nil {
					return reader{}, err
				}
			case 'S':
				cie.isSignalHandler = true
			default:
				return reader{}, fmt.Errorf("unsupported augmentation string '%s'",
					augmentation)
			}
		}
	}

	if !data.isValid() {
		return reader{}, errors.New("CIE not valid after header")
	}
	return data, nil
}

// parseFDEHeader parses the first fields of an FDE, specifically PC Begin and
// PC Range, together with its CIE.
func (ee *extractor) parseFDEHeader(fdeReader *reader, ipStart uint64) (
	r reader, fde fdeInfo, info *cieInfo, err error) {
	fdeID := fdeReader.pos
	r, fde.ciePos, err = fdeReader.parseHDR(false)
	if err != nil {
		// parseHDR advances past the entry even on error. This allows
		// walkFDEs to use this function and skip CIEs.
		return r, fde, nil, err
	}

	cacheKey := fde.ciePos
	if fdeReader.debugFrame {
		cacheKey |= 1 << 63
	}
	cie, ok := ee.cieCache.Get(cacheKey)
	if !ok {
		cie = &cieInfo{}
		cr := fdeReader.offset(int(fde.ciePos))
		cr, err = cr.parseCIE(cie)
		if err != nil {
			return r, fde, nil, fmt.Errorf("CIE %#x failed: %v", fde.ciePos, err)
		}

		// Run CIE initial opcodes on top of the architecture default
		st := state{
			arch: ee.arch,
			cie:  cie,
			cur:  initialVMState(ee.arch),
		}
		for cr.hasData() {
			if err = st.step(&cr); err != nil {
				return r, fde, nil, fmt.Errorf("CIE %#x opcodes: %v", fde.ciePos, err)
			}
		}
		cie.initialState = st.cur
		ee.cieCache.Add(cacheKey, cie)
	}

	fde.ipStart, err = r.ptr(cie.enc)
	if err != nil {
		return r, fde, nil, err
	}
	if ipStart != 0 && fde.ipStart != ipStart {
		return r, fde, nil, fmt.Errorf(
			"FDE ipStart (%x) not matching search table FDE ipStart (%x)",
			fde.ipStart, ipStart)
	}
	fde.ipLen, err = r.ptr(cie.enc & (encFormatMask | encSignedMask))
	if err != nil {
		return r, fde, nil, err
	}

	if cie.hasAugmentation {
		r.skip(int(r.uleb()))
	}
	if !r.isValid() {
		return r, fde, nil, fmt.Errorf("FDE %x not valid after header", fdeID)
	}
	return r, fde, cie, nil
}

// fdeEntry is an FDE whose header was parsed, waiting for its program to run.
type fdeEntry struct {
	fde  fdeInfo
	cie  *cieInfo
	prog reader
}

// isSignalTrampoline matches a given FDE against well known signal return handler
// code sequence.
func (ee *extractor) isSignalTrampoline(fde *fdeInfo) bool {
	sigretCode, ok := sigretCodeMap[ee.file.Machine]
	if !ok {
		return false
	}
	if fde.ipLen != uint64(len(sigretCode)) {
		return false
	}
	fdeCode := make([]byte, len(sigretCode))
	if err := readVirtual(ee.file, fdeCode, fde.ipStart); err != nil {
		return false
	}
	return bytes.Equal(fdeCode, sigretCode)
}

// parseFDE runs the program of one FDE and adds its frame descriptors.
// A failing program discards everything the FDE added so far.
// The FDE format is described in:
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.1
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/ehframechpt.html
func (ee *extractor) parseFDE(e *fdeEntry) {
	start, end := e.fde.ipStart, e.fde.ipStart+e.fde.ipLen
	if end < start || end > math.MaxUint32 {
		log.Debugf("FDE %x..%x outside of the 32-bit code range", start, end)
		ee.stats.Aborted++
		return
	}
	ee.stats.FDEs++

	st := state{arch: ee.arch, cie: e.cie, loc: start, cur: e.cie.initialState}
	mark := ee.b.Mark()
	r := e.prog
	if e.cie.isSignalHandler || ee.isSignalTrampoline(&e.fde) {
		ee.b.Add(framedesc.FrameDesc{
			Loc:   uint32(start),
			CFA:   framedesc.MakeCFA(framedesc.RegInvalid, framedesc.StackSlot),
			FPOff: framedesc.SameFP,
		})
	} else {
		for r.hasData() {
			ip := st.loc
			if err := st.step(&r); err != nil {
				log.Debugf("FDE %x..%x aborted at %x: %v", start, end, st.loc, err)
				ee.stats.Aborted++
				ee.b.Rollback(mark)
				ee.b.Add(framedesc.EndFrame(ee.arch, uint32(end)))
				return
			}
			if ip < end {
				ee.b.Add(st.cur.desc(uint32(ip)))
			}
		}
		if st.loc < end {
			ee.b.Add(st.cur.desc(uint32(st.loc)))
		}
	}

	// Add end-of-function delta. It gets replaced if another function
	// starts on this address.
	ee.b.Add(framedesc.EndFrame(ee.arch, uint32(end)))
}

// ehframeSections holds the located .eh_frame_hdr and .eh_frame data.
type ehframeSections struct {
	header reader
	frames reader

	ehHdr    ehFrameHdr
	fdeCount uint64
	// linear is set when the frames reader spans exactly the .eh_frame
	// section so that it can be walked without the search table.
	linear bool
}

// readEhHdr reads and validates the given `.eh_frame_hdr` section is in a format that we
// support. Returns the eh_frame address it points to and if the header is valid.
func (es *ehframeSections) readEhHdr(r *reader) (uint64, bool) {
	if !r.isValid() {
		return 0, false
	}
	es.ehHdr = ehFrameHdr{
		version:       r.u8(),
		ehFramePtrEnc: encoding(r.u8()),
		fdeCountEnc:   encoding(r.u8()),
		tableEnc:      encoding(r.u8()),
	}
	if es.ehHdr.version != 1 {
		return 0, false
	}
	// If the binary search table is in an unsupported format or omitted, we just ignore it
	// and go with the same approach as if the header wasn't present at all.
	if es.ehHdr.tableEnc != encAdjustDataRel|encSignedMask|encFormatData4 {
		return 0, false
	}

	ehFramePtr, err := r.ptr(es.ehHdr.ehFramePtrEnc)
	if err != nil {
		return 0, false
	}
	fdeCount, err := r.ptr(es.ehHdr.fdeCountEnc)
	if err != nil {
		return 0, false
	}
	// Each table entry takes 8 bytes.
	if fdeCount > uint64(r.end-r.pos)/8 {
		return 0, false
	}
	es.fdeCount = fdeCount
	r.setBase()

	return ehFramePtr, true
}

// locateSections attempts multiple different methods of locating
// the .eh_frame_hdr and .eh_frame ELF sections.
func (es *ehframeSections) locateSections(ef *elf.File) error {
	// Attempt to find .eh_frame{,_hdr} via their section header. This should work for the majority
	// of well-behaved ELF binaries.
	hdrData, hdrAddr := sectionData(ef, ".eh_frame_hdr")
	framesData, framesAddr := sectionData(ef, ".eh_frame")
	es.header = newReader(hdrData, hdrAddr, false)
	es.frames = newReader(framesData, framesAddr, false)
	es.linear = es.frames.isValid()

	if _, ok := es.readEhHdr(&es.header); !ok {
		es.header = reader{}
	}
	if es.frames.isValid() {
		return nil
	}

	// Attempt to locate the eh_frame via the program headers. This is here to support
	// binaries that have the section headers stripped.
	var hdrProg *elf.Prog
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_GNU_EH_FRAME {
			hdrProg = prog
			break
		}
	}
	if hdrProg == nil {
		return nil
	}
	hdrData = make([]byte, hdrProg.Filesz)
	if _, err := hdrProg.ReadAt(hdrData, 0); err != nil {
		return fmt.Errorf("failed to read PT_GNU_EH_FRAME: %v", err)
	}
	es.header = newReader(hdrData, hdrProg.Vaddr, false)
	ehFramePtr, ok := es.readEhHdr(&es.header)
	if !ok {
		// There is no tag for the eh_frame itself. Without a usable search table
		// there is no way to find where the FDEs start.
		return errors.New("no suitable way to parsing eh_frame found")
	}
	framesData, err := loadSegmentTail(ef, ehFramePtr)
	if err != nil {
		return err
	}
	es.frames = newReader(framesData, ehFramePtr, false)
	if !es.frames.hasData() {
		return errors.New("the eh_frame section is empty")
	}
	return nil
}

// tableFDEs collects the FDEs listed in the .eh_frame_hdr search table.
func (ee *extractor) tableFDEs(es *ehframeSections) ([]fdeEntry, error) {
	entries := make([]fdeEntry, 0, es.fdeCount)
	hdr := es.header
	for i := uint64(0); i < es.fdeCount; i++ {
		ipStart, err := hdr.ptr(es.ehHdr.tableEnc)
		if err != nil {
			return nil, err
		}
		fdeAddr, err := hdr.ptr(es.ehHdr.tableEnc)
		if err != nil {
			return nil, err
		}
		if fdeAddr < es.frames.vaddr || fdeAddr-es.frames.vaddr >= uint64(es.frames.end) {
			return nil, fmt.Errorf("FDE %d at %#x outside of .eh_frame", i, fdeAddr)
		}
		fr := es.frames
		fr.pos = int(fdeAddr - es.frames.vaddr)
		prog, fde, cie, err := ee.parseFDEHeader(&fr, ipStart)
		if err != nil {
			log.Debugf("Skipping FDE %d at %#x: %v", i, fdeAddr, err)
			ee.stats.Aborted++
			continue
		}
		entries = append(entries, fdeEntry{fde: fde, cie: cie, prog: prog})
	}
	return entries, nil
}

// walkFDEs walks .debug_frame or .eh_frame section, and collects the FDEs it contains.
func (ee *extractor) walkFDEs(frames reader) ([]fdeEntry, error) {
	var entries []fdeEntry
	for frames.hasData() {
		pos := frames.pos
		prog, fde, cie, err := ee.parseFDEHeader(&frames, 0)
		switch {
		case err == nil:
			entries = append(entries, fdeEntry{fde: fde, cie: cie, prog: prog})
		case errors.Is(err, errUnexpectedType), errors.Is(err, errEmptyEntry):
		case !frames.isValid() || frames.pos <= pos:
			return entries, fmt.Errorf("failed to parse FDE %#x: %v", pos, err)
		default:
			log.Debugf("Skipping FDE %#x: %v", pos, err)
			ee.stats.Aborted++
		}
	}
	return entries, nil
}

// parseEHFrame collects the FDEs of .eh_frame, through the search table when
// it is usable.
func (ee *extractor) parseEHFrame() ([]fdeEntry, error) {
	var es ehframeSections
	if err := es.locateSections(ee.file); err != nil {
		return nil, fmt.Errorf("failed to get EH sections: %w", err)
	}
	if !es.frames.isValid() {
		// No eh_frame section being present at all is not an error, there's
		// simply no data for us to parse present.
		return nil, nil
	}
	if es.header.isValid() {
		entries, err := ee.tableFDEs(&es)
		if err == nil || !es.linear {
			return entries, err
		}
		log.Debugf("Falling back to linear .eh_frame walk: %v", err)
	}
	return ee.walkFDEs(es.frames)
}

// parseDebugFrame collects the FDEs of .debug_frame.
func (ee *extractor) parseDebugFrame() ([]fdeEntry, error) {
	data, addr := sectionData(ee.file, ".debug_frame")
	frames := newReader(data, addr, true)
	if !frames.isValid() {
		return nil, nil
	}
	return ee.walkFDEs(frames)
}

func hashUint64(u uint64) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], u)
	return uint32(xxh3.Hash(b[:]))
}

func newCIECache() (*lru.LRU[uint64, *cieInfo], error) {
	return lru.New[uint64, *cieInfo](cieCacheSize, hashUint64)
}
