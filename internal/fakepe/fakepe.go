// Package fakepe builds small but well-formed PE32 and PE32+ image files with
// import and export directories, for exercising the hooking engine without a
// Windows loader.
package fakepe

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
)

const (
	FileAlignment    = 0x200
	SectionAlignment = 0x1000
	SizeOfHeaders    = 0x400
	CodeStride       = 16

	ntOffset = 0x80

	IMAGE_SCN_CODE  = pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ
	IMAGE_SCN_RDATA = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ
	IMAGE_SCN_DATA  = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE
)

// Import names the functions taken from one library. "#N" imports ordinal N.
type Import struct {
	Library   string
	Functions []string
}

type Spec struct {
	// Name is recorded in the export directory.
	Name    string
	DLL     bool
	PE32    bool
	Imports []Import
	// Exports in function-table order. The name table is sorted.
	Exports []string
	// WritableIAT places the import address tables in a writable section.
	WritableIAT bool
}

func (s *Spec) ptrSize() uint32 {
	if s.PE32 {
		return 4
	}
	return 8
}

func align(v, a uint32) uint32 {
	return (v + a - 1) &^ (a - 1)
}

type section struct {
	name  string
	va    uint32
	data  []byte
	flags uint32
}

func (s *section) put16(rva uint32, v uint16) {
	binary.LittleEndian.PutUint16(s.data[rva-s.va:], v)
}

func (s *section) put32(rva uint32, v uint32) {
	binary.LittleEndian.PutUint32(s.data[rva-s.va:], v)
}

func (s *section) putPtr(rva uint32, v uint64, size uint32) {
	if size == 4 {
		s.put32(rva, uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(s.data[rva-s.va:], v)
}

func (s *section) putString(rva uint32, str string) {
	copy(s.data[rva-s.va:], str)
}

// ExportRVA is the RVA Build assigns to the i'th export.
func ExportRVA(i int) uint32 {
	return SectionAlignment + uint32(i)*CodeStride
}

// Build lays the image out and returns the file bytes.
func Build(s Spec) []byte {
	var ps = s.ptrSize()

	// .text: one stub per export
	var text = &section{name: ".text", va: SectionAlignment, flags: IMAGE_SCN_CODE}
	text.data = bytes.Repeat([]byte{0xcc}, int(max(uint32(len(s.Exports)), 1)*CodeStride))
	for i := range s.Exports {
		text.data[i*CodeStride] = 0xc3
	}

	// .idata: import address tables
	var iatSize uint32
	for _, imp := range s.Imports {
		iatSize += uint32(len(imp.Functions)+1) * ps
	}
	var idata = &section{name: ".idata", va: align(text.va+uint32(len(text.data)), SectionAlignment), flags: IMAGE_SCN_RDATA}
	if s.WritableIAT {
		idata.flags = IMAGE_SCN_DATA
	}
	idata.data = make([]byte, max(iatSize, ps))

	// .rdata: descriptors, name tables, strings, export directory
	var rdata = &section{name: ".rdata", va: align(idata.va+uint32(len(idata.data)), SectionAlignment), flags: IMAGE_SCN_RDATA}
	var r = &rdataLayout{}
	var importDir, importSize = r.imports(&s, rdata.va)
	var exportDir, exportSize = r.exports(&s, rdata.va)
	rdata.data = make([]byte, max(r.size, 4))
	r.emit(&s, rdata, idata)

	var sections = []*section{text, idata, rdata}
	var last = sections[len(sections)-1]
	var sizeOfImage = align(last.va+uint32(len(last.data)), SectionAlignment)

	var dirs [16]pe.DataDirectory
	if len(s.Imports) > 0 {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IMPORT] = pe.DataDirectory{VirtualAddress: importDir, Size: importSize}
		dirs[pe.IMAGE_DIRECTORY_ENTRY_IAT] = pe.DataDirectory{VirtualAddress: idata.va, Size: iatSize}
	}
	if len(s.Exports) > 0 {
		dirs[pe.IMAGE_DIRECTORY_ENTRY_EXPORT] = pe.DataDirectory{VirtualAddress: exportDir, Size: exportSize}
	}

	var out = bytes.NewBuffer(make([]byte, 0, SizeOfHeaders+sizeOfImage))
	writeHeaders(out, &s, sections, dirs, sizeOfImage)

	var offset uint32 = SizeOfHeaders
	for _, sec := range sections {
		padTo(out, offset)
		out.Write(sec.data)
		offset += align(uint32(len(sec.data)), FileAlignment)
	}
	padTo(out, offset)
	return out.Bytes()
}

func padTo(b *bytes.Buffer, n uint32) {
	if pad := int(n) - b.Len(); pad > 0 {
		b.Write(make([]byte, pad))
	}
}

func writeHeaders(out *bytes.Buffer, s *Spec, sections []*section, dirs [16]pe.DataDirectory, sizeOfImage uint32) {
	var dos [ntOffset]byte
	binary.LittleEndian.PutUint16(dos[0:], 0x5a4d)
	binary.LittleEndian.PutUint32(dos[0x3c:], ntOffset)
	out.Write(dos[:])

	var fh = pe.FileHeader{
		Machine:          pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections: uint16(len(sections)),
		Characteristics:  pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	if s.PE32 {
		fh.Machine = pe.IMAGE_FILE_MACHINE_I386
		fh.Characteristics = pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE
	}
	if s.DLL {
		fh.Characteristics |= pe.IMAGE_FILE_DLL
	}

	var text = sections[0]
	var optional any
	if s.PE32 {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader32{}))
		optional = &pe.OptionalHeader32{
			Magic:                       0x10b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  align(uint32(len(text.data)), FileAlignment),
			BaseOfCode:                  text.va,
			BaseOfData:                  sections[1].va,
			ImageBase:                   0x10000000,
			SectionAlignment:            SectionAlignment,
			FileAlignment:               FileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               SizeOfHeaders,
			Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE | pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               dirs,
		}
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(pe.OptionalHeader64{}))
		optional = &pe.OptionalHeader64{
			Magic:                       0x20b,
			MajorLinkerVersion:          14,
			SizeOfCode:                  align(uint32(len(text.data)), FileAlignment),
			BaseOfCode:                  text.va,
			ImageBase:                   0x180000000,
			SectionAlignment:            SectionAlignment,
			FileAlignment:               FileAlignment,
			MajorOperatingSystemVersion: 6,
			MajorSubsystemVersion:       6,
			SizeOfImage:                 sizeOfImage,
			SizeOfHeaders:               SizeOfHeaders,
			Subsystem:                   pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
			DllCharacteristics:          pe.IMAGE_DLLCHARACTERISTICS_DYNAMIC_BASE | pe.IMAGE_DLLCHARACTERISTICS_NX_COMPAT | pe.IMAGE_DLLCHARACTERISTICS_HIGH_ENTROPY_VA,
			SizeOfStackReserve:          0x100000,
			SizeOfStackCommit:           0x1000,
			SizeOfHeapReserve:           0x100000,
			SizeOfHeapCommit:            0x1000,
			NumberOfRvaAndSizes:         16,
			DataDirectory:               dirs,
		}
	}

	out.WriteString("PE\x00\x00")
	binary.Write(out, binary.LittleEndian, &fh)
	binary.Write(out, binary.LittleEndian, optional)

	var offset uint32 = SizeOfHeaders
	for _, sec := range sections {
		var h = pe.SectionHeader32{
			VirtualSize:      uint32(len(sec.data)),
			VirtualAddress:   sec.va,
			SizeOfRawData:    align(uint32(len(sec.data)), FileAlignment),
			PointerToRawData: offset,
			Characteristics:  sec.flags,
		}
		copy(h.Name[:], sec.name)
		binary.Write(out, binary.LittleEndian, &h)
		offset += h.SizeOfRawData
	}
	padTo(out, SizeOfHeaders)
}

// rdataLayout assigns RVAs inside .rdata.
type rdataLayout struct {
	size uint32

	descs    uint32
	ints     []uint32
	hints    [][]uint32
	libNames []uint32

	exportDir uint32
	eat       uint32
	names     uint32
	ordinals  uint32
	nameStrs  []uint32
	dllName   uint32
	sorted    []int
}

func (r *rdataLayout) alloc(base, n, a uint32) uint32 {
	r.size = align(r.size, a)
	var rva = base + r.size
	r.size += n
	return rva
}

func (r *rdataLayout) imports(s *Spec, base uint32) (uint32, uint32) {
	if len(s.Imports) == 0 {
		return 0, 0
	}
	var ps = s.ptrSize()
	var size = uint32(len(s.Imports)+1) * 20
	r.descs = r.alloc(base, size, 4)
	for _, imp := range s.Imports {
		r.ints = append(r.ints, r.alloc(base, uint32(len(imp.Functions)+1)*ps, ps))
	}
	for _, imp := range s.Imports {
		var hints []uint32
		for _, fn := range imp.Functions {
			if _, ok := ordinalOf(fn); ok {
				hints = append(hints, 0)
				continue
			}
			hints = append(hints, r.alloc(base, uint32(2+len(fn)+1), 2))
		}
		r.hints = append(r.hints, hints)
		r.libNames = append(r.libNames, r.alloc(base, uint32(len(imp.Library)+1), 1))
	}
	return r.descs, size
}

func (r *rdataLayout) exports(s *Spec, base uint32) (uint32, uint32) {
	if len(s.Exports) == 0 {
		return 0, 0
	}
	var start = r.alloc(base, 40, 4)
	r.exportDir = start
	r.eat = r.alloc(base, uint32(len(s.Exports))*4, 4)
	r.names = r.alloc(base, uint32(len(s.Exports))*4, 4)
	r.ordinals = r.alloc(base, uint32(len(s.Exports))*2, 2)

	r.sorted = make([]int, len(s.Exports))
	for i := range r.sorted {
		r.sorted[i] = i
	}
	sort.SliceStable(r.sorted, func(a, b int) bool {
		return s.Exports[r.sorted[a]] < s.Exports[r.sorted[b]]
	})
	for _, i := range r.sorted {
		r.nameStrs = append(r.nameStrs, r.alloc(base, uint32(len(s.Exports[i])+1), 1))
	}
	r.dllName = r.alloc(base, uint32(len(s.Name)+1), 1)
	return start, base + r.size - start
}

func (r *rdataLayout) emit(s *Spec, rdata, idata *section) {
	var ps = s.ptrSize()
	var ordinalFlag uint64 = 0x8000000000000000
	if s.PE32 {
		ordinalFlag = 0x80000000
	}

	var iat = idata.va
	for i, imp := range s.Imports {
		var desc = r.descs + uint32(i)*20
		rdata.put32(desc+0, r.ints[i])
		rdata.put32(desc+12, r.libNames[i])
		rdata.put32(desc+16, iat)
		rdata.putString(r.libNames[i], imp.Library)

		for j, fn := range imp.Functions {
			var thunk uint64
			if ord, ok := ordinalOf(fn); ok {
				thunk = ordinalFlag | uint64(ord)
			} else {
				thunk = uint64(r.hints[i][j])
				rdata.put16(r.hints[i][j], uint16(j))
				rdata.putString(r.hints[i][j]+2, fn)
			}
			rdata.putPtr(r.ints[i]+uint32(j)*ps, thunk, ps)
			idata.putPtr(iat+uint32(j)*ps, thunk, ps)
		}
		iat += uint32(len(imp.Functions)+1) * ps
	}

	if len(s.Exports) == 0 {
		return
	}
	var d = r.exportDir
	rdata.put32(d+12, r.dllName)
	rdata.put32(d+16, 1)
	rdata.put32(d+20, uint32(len(s.Exports)))
	rdata.put32(d+24, uint32(len(s.Exports)))
	rdata.put32(d+28, r.eat)
	rdata.put32(d+32, r.names)
	rdata.put32(d+36, r.ordinals)
	rdata.putString(r.dllName, s.Name)
	for i := range s.Exports {
		rdata.put32(r.eat+uint32(i)*4, ExportRVA(i))
	}
	for k, i := range r.sorted {
		rdata.put32(r.names+uint32(k)*4, r.nameStrs[k])
		rdata.put16(r.ordinals+uint32(k)*2, uint16(i))
		rdata.putString(r.nameStrs[k], s.Exports[i])
	}
}

func ordinalOf(fn string) (uint16, bool) {
	if !strings.HasPrefix(fn, "#") {
		return 0, false
	}
	n, err := strconv.ParseUint(fn[1:], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// SetDirectory overwrites a data directory entry of a built image.
func SetDirectory(file []byte, index int, va, size uint32) {
	var off = ntOffset + 4 + 20
	if binary.LittleEndian.Uint16(file[off:]) == 0x10b {
		off += 96
	} else {
		off += 112
	}
	off += index * 8
	binary.LittleEndian.PutUint32(file[off:], va)
	binary.LittleEndian.PutUint32(file[off+4:], size)
}
