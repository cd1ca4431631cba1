// winnt.h
package image

import (
	"debug/pe"
)

const (
	IMAGE_DOS_SIGNATURE = 0x5A4D
	IMAGE_NT_SIGNATURE  = 0x00004550

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b

	IMAGE_NUMBEROF_DIRECTORY_ENTRIES = 16
	IMAGE_DIRECTORY_ENTRY_EXPORT     = pe.IMAGE_DIRECTORY_ENTRY_EXPORT
	IMAGE_DIRECTORY_ENTRY_IMPORT     = pe.IMAGE_DIRECTORY_ENTRY_IMPORT

	IMAGE_ORDINAL_FLAG32 = 0x80000000
	IMAGE_ORDINAL_FLAG64 = 0x8000000000000000
)

type (
	BYTE      = byte
	WORD      = uint16
	DWORD     = uint32
	LONG      = int32
	ULONGLONG = uint64
)

// DOS .EXE header
type IMAGE_DOS_HEADER struct {
	E_magic    WORD     // Magic number
	E_cblp     WORD     // Bytes on last page of file
	E_cp       WORD     // Pages in file
	E_crlc     WORD     // Relocations
	E_cparhdr  WORD     // Size of header in paragraphs
	E_minalloc WORD     // Minimum extra paragraphs needed
	E_maxalloc WORD     // Maximum extra paragraphs needed
	E_ss       WORD     // Initial (relative) SS value
	E_sp       WORD     // Initial SP value
	E_csum     WORD     // Checksum
	E_ip       WORD     // Initial IP value
	E_cs       WORD     // Initial (relative) CS value
	E_lfarlc   WORD     // File address of relocation table
	E_ovno     WORD     // Overlay number
	E_res      [4]WORD  // Reserved words
	E_oemid    WORD     // OEM identifier (for e_oeminfo)
	E_oeminfo  WORD     // OEM information; e_oemid specific
	E_res2     [10]WORD // Reserved words
	E_lfanew   LONG     // File address of new exe header
}

// Signature and file header shared by PE32 and PE32+.
type IMAGE_NT_HEADERS_PREFIX struct {
	Signature  DWORD
	FileHeader pe.FileHeader
	Magic      WORD
}

type IMAGE_NT_HEADERS32 struct {
	Signature      DWORD
	FileHeader     pe.FileHeader
	OptionalHeader pe.OptionalHeader32
}

type IMAGE_NT_HEADERS64 struct {
	Signature      DWORD
	FileHeader     pe.FileHeader
	OptionalHeader pe.OptionalHeader64
}

type IMAGE_SECTION_HEADER = pe.SectionHeader32

type IMAGE_DATA_DIRECTORY = pe.DataDirectory

type IMAGE_IMPORT_DESCRIPTOR struct {
	OriginalFirstThunk DWORD // RVA to original unbound IAT (PIMAGE_THUNK_DATA)
	TimeDateStamp      DWORD
	ForwarderChain     DWORD
	Name               DWORD
	FirstThunk         DWORD // RVA to IAT
}

type IMAGE_EXPORT_DIRECTORY struct {
	Characteristics       DWORD
	TimeDateStamp         DWORD
	MajorVersion          WORD
	MinorVersion          WORD
	Name                  DWORD
	Base                  DWORD
	NumberOfFunctions     DWORD
	NumberOfNames         DWORD
	AddressOfFunctions    DWORD // RVA from base of image
	AddressOfNames        DWORD // RVA from base of image
	AddressOfNameOrdinals DWORD // RVA from base of image
}
