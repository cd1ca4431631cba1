package image

import (
	"github.com/cockroachdb/errors"
)

type ImportDescriptor struct {
	IMAGE_IMPORT_DESCRIPTOR
	Library string
	// Err is set when the descriptor failed validation. The other
	// descriptors of the directory stay usable.
	Err error
}

// Slot is one import address table entry.
type Slot struct {
	RVA   uint32
	Value uint64
}

// Entry is an import slot together with the symbol it was bound for.
type Entry struct {
	Library   string
	Name      string
	Hint      uint16
	Ordinal   uint16
	ByOrdinal bool
	Slot
}

type ImportDirectory struct {
	img         *Image
	Descriptors []ImportDescriptor
}

// ImportDirectory reads the descriptors up to the terminating null descriptor.
func (img *Image) ImportDirectory() (*ImportDirectory, Status) {
	dir, st := img.Directory(IMAGE_DIRECTORY_ENTRY_IMPORT)
	if st != Present {
		return nil, st
	}

	var d = &ImportDirectory{img: img}
	var size = sizeof[IMAGE_IMPORT_DESCRIPTOR]()
	for rva := dir.VirtualAddress; ; rva += size {
		if err := img.check(rva, size); err != nil {
			return nil, Invalid
		}
		var desc IMAGE_IMPORT_DESCRIPTOR
		if err := img.Read(rva, bytesOf(&desc)); err != nil {
			return nil, statusOf(err)
		}
		if desc.Name == 0 {
			break
		}
		var id = ImportDescriptor{IMAGE_IMPORT_DESCRIPTOR: desc}
		if lib, err := img.ReadString(desc.Name, MaxLibraryName); err == nil {
			id.Library = lib
		} else if st := statusOf(err); st == Fault {
			return nil, st
		} else {
			id.Err = errors.Wrapf(err, "descriptor at %#x: name", rva)
		}
		if id.Err == nil && (desc.FirstThunk == 0 || img.check(desc.FirstThunk, uint32(img.PointerSize())) != nil) {
			id.Err = errors.Wrapf(ErrBounds, "import %s: first thunk %#x", id.Library, desc.FirstThunk)
		}
		d.Descriptors = append(d.Descriptors, id)
	}
	if len(d.Descriptors) == 0 {
		return nil, Absent
	}
	return d, Present
}

// Slots reads the import address table of desc up to its zero terminator.
func (d *ImportDirectory) Slots(desc *ImportDescriptor) ([]Slot, error) {
	if desc.Err != nil {
		return nil, desc.Err
	}
	var ps = uint32(d.img.PointerSize())
	var slots []Slot
	for rva := desc.FirstThunk; ; rva += ps {
		v, err := d.img.ReadPointer(rva)
		if err != nil {
			return slots, err
		}
		if v == 0 {
			return slots, nil
		}
		slots = append(slots, Slot{RVA: rva, Value: v})
	}
}

// Entries pairs every slot of desc with the name or ordinal from the import
// name table. Bound images without a name table yield empty names.
func (d *ImportDirectory) Entries(desc *ImportDescriptor) ([]Entry, error) {
	slots, err := d.Slots(desc)
	if err != nil {
		return nil, err
	}

	var img = d.img
	var ps = uint32(img.PointerSize())
	var flag uint64 = IMAGE_ORDINAL_FLAG32
	if img.is64 {
		flag = IMAGE_ORDINAL_FLAG64
	}

	var entries = make([]Entry, 0, len(slots))
	for i, s := range slots {
		var e = Entry{Library: desc.Library, Slot: s}
		if desc.OriginalFirstThunk != 0 {
			v, err := img.ReadPointer(desc.OriginalFirstThunk + uint32(i)*ps)
			if err != nil {
				return nil, err
			}
			switch {
			case v&flag != 0:
				e.ByOrdinal = true
				e.Ordinal = uint16(v)
			case v > uint64(img.size):
				return nil, errors.Wrapf(ErrBounds, "hint/name rva %#x", v)
			default:
				if e.Hint, err = img.ReadUint16(uint32(v)); err != nil {
					return nil, err
				}
				if e.Name, err = img.ReadString(uint32(v)+2, MaxSymbolName); err != nil {
					return nil, err
				}
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// All lists every import of the image in descriptor order.
func (d *ImportDirectory) All() ([]Entry, error) {
	var all []Entry
	for i := range d.Descriptors {
		entries, err := d.Entries(&d.Descriptors[i])
		if err != nil {
			return all, errors.Wrapf(err, "import %s", d.Descriptors[i].Library)
		}
		all = append(all, entries...)
	}
	return all, nil
}
