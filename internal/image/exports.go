package image

import (
	"strings"

	"github.com/cockroachdb/errors"
)

type ExportDirectory struct {
	IMAGE_EXPORT_DIRECTORY
	Name string

	img  *Image
	span IMAGE_DATA_DIRECTORY
}

type Export struct {
	Name    string
	Ordinal uint32 // biased by Base
	// SlotRVA locates the AddressOfFunctions entry, RVA is its current value.
	SlotRVA   uint32
	RVA       uint32
	Forwarded bool
}

func (img *Image) ExportDirectory() (*ExportDirectory, Status) {
	dir, st := img.Directory(IMAGE_DIRECTORY_ENTRY_EXPORT)
	if st != Present {
		return nil, st
	}
	if err := img.check(dir.VirtualAddress, sizeof[IMAGE_EXPORT_DIRECTORY]()); err != nil {
		return nil, Invalid
	}

	var d = &ExportDirectory{img: img, span: dir}
	if err := img.Read(dir.VirtualAddress, bytesOf(&d.IMAGE_EXPORT_DIRECTORY)); err != nil {
		return nil, statusOf(err)
	}
	if d.NumberOfNames > d.NumberOfFunctions ||
		img.check(d.AddressOfFunctions, d.NumberOfFunctions*4) != nil ||
		img.check(d.AddressOfNames, d.NumberOfNames*4) != nil ||
		img.check(d.AddressOfNameOrdinals, d.NumberOfNames*2) != nil {
		return nil, Invalid
	}
	if d.NumberOfFunctions > img.size/4 {
		return nil, Invalid
	}
	if d.IMAGE_EXPORT_DIRECTORY.Name != 0 {
		name, err := img.ReadString(d.IMAGE_EXPORT_DIRECTORY.Name, MaxLibraryName)
		if err != nil {
			return nil, statusOf(err)
		}
		d.Name = name
	}
	return d, Present
}

func (d *ExportDirectory) export(i uint32) (Export, error) {
	var img = d.img
	nameRVA, err := img.ReadUint32(d.AddressOfNames + i*4)
	if err != nil {
		return Export{}, err
	}
	name, err := img.ReadString(nameRVA, MaxSymbolName)
	if err != nil {
		return Export{}, err
	}
	return d.byIndex(i, name)
}

func (d *ExportDirectory) byIndex(i uint32, name string) (Export, error) {
	var img = d.img
	ord, err := img.ReadUint16(d.AddressOfNameOrdinals + i*2)
	if err != nil {
		return Export{}, err
	}
	if uint32(ord) >= d.NumberOfFunctions {
		return Export{}, errors.Wrapf(ErrMalformed, "name ordinal %d of %d functions", ord, d.NumberOfFunctions)
	}

	var e = Export{
		Name:    name,
		Ordinal: d.Base + uint32(ord),
		SlotRVA: d.AddressOfFunctions + uint32(ord)*4,
	}
	if e.RVA, err = img.ReadUint32(e.SlotRVA); err != nil {
		return Export{}, err
	}
	e.Forwarded = e.RVA >= d.span.VirtualAddress && e.RVA < d.span.VirtualAddress+d.span.Size
	return e, nil
}

// Find looks a function up by name, ignoring case. The function table is
// indexed through the name-ordinal table.
func (d *ExportDirectory) Find(name string) (Export, error) {
	for i := uint32(0); i < d.NumberOfNames; i++ {
		nameRVA, err := d.img.ReadUint32(d.AddressOfNames + i*4)
		if err != nil {
			return Export{}, err
		}
		n, err := d.img.ReadString(nameRVA, MaxSymbolName)
		if err != nil {
			return Export{}, err
		}
		if strings.EqualFold(n, name) {
			return d.byIndex(i, n)
		}
	}
	return Export{}, errors.Wrapf(ErrNotFound, "export %s", name)
}

// Exports lists the named exports in name-table order.
func (d *ExportDirectory) Exports() ([]Export, error) {
	var out = make([]Export, 0, d.NumberOfNames)
	for i := uint32(0); i < d.NumberOfNames; i++ {
		e, err := d.export(i)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ByOrdinal looks a function up by its biased ordinal.
func (d *ExportDirectory) ByOrdinal(ordinal uint32) (Export, error) {
	if ordinal < d.Base || ordinal-d.Base >= d.NumberOfFunctions {
		return Export{}, errors.Wrapf(ErrNotFound, "ordinal %d", ordinal)
	}
	var e = Export{Ordinal: ordinal, SlotRVA: d.AddressOfFunctions + (ordinal-d.Base)*4}
	rva, err := d.img.ReadUint32(e.SlotRVA)
	if err != nil {
		return Export{}, err
	}
	e.RVA = rva
	e.Forwarded = rva >= d.span.VirtualAddress && rva < d.span.VirtualAddress+d.span.Size
	return e, nil
}
