// Package fakeproc simulates the parts of a Windows process the hooking engine
// touches: an address space with page protections, a loader that maps and
// binds PE images, and calls dispatched through import slots.
package fakeproc

import (
	"bytes"
	"debug/pe"
	"sort"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/cockroachdb/errors"

	"apihook/internal/image"
	"apihook/internal/mem"
)

const (
	PageSize = 0x1000

	ImageBase  = 0x10000000
	ArenaBase  = 0x70000000
	ArenaSize  = 0x100000
	allocAlign = 0x10000
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrModNotFound    = errors.New("module not found")
	ErrProcNotFound   = errors.New("procedure not found")
	ErrNoCode         = errors.New("no code at address")
)

// Func is the body of a simulated native function.
type Func func(args ...uintptr) uintptr

type region struct {
	base  uintptr
	data  []byte
	prot  []uint32
	name  string
	torn  bool
	image bool
}

func (r *region) contains(addr, n uintptr) bool {
	return addr >= r.base && addr+n <= r.base+uintptr(len(r.data)) && addr+n >= addr
}

func (r *region) pages(addr, n uintptr) (int, int) {
	start, size := mem.Span(addr, int(n), PageSize)
	first := int((start - r.base) / PageSize)
	return first, first + int(size/PageSize)
}

type Process struct {
	mu      sync.Mutex
	regions []*region
	modules []*region
	files   map[string][]byte
	funcs   map[uintptr]Func
	next    uintptr
	arena   *region
	used    uintptr
	self    uintptr

	lastError uintptr
}

func New() *Process {
	var p = &Process{
		files: map[string][]byte{},
		funcs: map[uintptr]Func{},
		next:  ImageBase,
	}
	p.arena = &region{base: ArenaBase, data: make([]byte, ArenaSize), prot: fill(ArenaSize/PageSize, mem.PAGE_EXECUTE_READWRITE), name: "arena"}
	p.regions = append(p.regions, p.arena)
	return p
}

func fill(n int, prot uint32) []uint32 {
	var s = make([]uint32, n)
	for i := range s {
		s[i] = prot
	}
	return s
}

func (p *Process) find(addr uintptr) *region {
	for _, r := range p.regions {
		if addr >= r.base && addr < r.base+uintptr(len(r.data)) {
			return r
		}
	}
	return nil
}

// AddFile makes an image file available to LoadLibrary under name.
func (p *Process) AddFile(name string, file []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[strings.ToLower(name)] = file
}

// SetSelf marks the module hosting the hooking engine.
func (p *Process) SetSelf(h uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = h
}

func (p *Process) Self() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// Read implements image.Memory.
func (p *Process) Read(addr uintptr, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r = p.find(addr)
	if r == nil || !r.contains(addr, uintptr(len(b))) {
		return errors.Wrapf(mem.ErrFault, "read %#x+%d: unmapped", addr, len(b))
	}
	if r.torn {
		return errors.Wrapf(mem.ErrFault, "read %#x: %s torn down", addr, r.name)
	}
	first, last := r.pages(addr, uintptr(len(b)))
	for i := first; i < last; i++ {
		if !mem.Readable(r.prot[i]) {
			return errors.Wrapf(mem.ErrFault, "read %#x: protect %#x", addr, r.prot[i])
		}
	}
	copy(b, r.data[addr-r.base:])
	return nil
}

// Write behaves like WriteProcessMemory: it never changes protection.
func (p *Process) Write(addr uintptr, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r = p.find(addr)
	if r == nil || r.torn || !r.contains(addr, uintptr(len(b))) {
		return errors.Wrapf(ErrInvalidAddress, "write %#x", addr)
	}
	first, last := r.pages(addr, uintptr(len(b)))
	for i := first; i < last; i++ {
		if !mem.Writable(r.prot[i]) {
			return errors.Wrapf(errors.Mark(errors.New("invalid access to memory location"), mem.ErrNoAccess), "write %#x", addr)
		}
	}
	copy(r.data[addr-r.base:], b)
	return nil
}

// Protect behaves like VirtualProtect; the old protection is that of the
// first page.
func (p *Process) Protect(addr, size uintptr, prot uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r = p.find(addr)
	if r == nil || r.torn || !r.contains(addr, size) {
		return 0, errors.Wrapf(ErrInvalidAddress, "protect %#x", addr)
	}
	if prot == mem.PAGE_WRITECOPY && !r.image {
		return 0, errors.Newf("protect %#x: write-copy on private memory", addr)
	}
	first, last := r.pages(addr, size)
	var old = r.prot[first]
	for i := first; i < last; i++ {
		r.prot[i] = prot
	}
	return old, nil
}

// Protection returns the protection of the page holding addr.
func (p *Process) Protection(addr uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r = p.find(addr)
	if r == nil {
		return mem.PAGE_NOACCESS
	}
	return r.prot[(addr-r.base)/PageSize]
}

// poke writes ignoring protection, as the loader does while binding.
func (p *Process) poke(addr uintptr, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var r = p.find(addr)
	if r == nil || !r.contains(addr, uintptr(len(b))) {
		return errors.Wrapf(ErrInvalidAddress, "poke %#x", addr)
	}
	copy(r.data[addr-r.base:], b)
	return nil
}

// Pointer reads a value of size bytes at addr.
func (p *Process) Pointer(addr uintptr, size int) (uintptr, error) {
	var b [8]byte
	if err := p.Read(addr, b[:size]); err != nil {
		return 0, err
	}
	var v uintptr
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v, nil
}

func (p *Process) alloc(n uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n = (n + 15) &^ 15
	if p.used+n > ArenaSize {
		return 0, errors.New("arena exhausted")
	}
	var addr = p.arena.base + p.used
	p.used += n
	return addr, nil
}

// Callback allocates an address that dispatches to fn.
func (p *Process) Callback(fn Func) uintptr {
	addr, err := p.alloc(16)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.funcs[addr] = fn
	p.mu.Unlock()
	return addr
}

// CString copies s NUL-terminated into the arena.
func (p *Process) CString(s string) uintptr {
	addr, err := p.alloc(uintptr(len(s) + 1))
	if err != nil {
		panic(err)
	}
	p.poke(addr, append([]byte(s), 0))
	return addr
}

// WString copies s as NUL-terminated UTF-16 into the arena.
func (p *Process) WString(s string) uintptr {
	var u = append(utf16.Encode([]rune(s)), 0)
	var b = make([]byte, 0, len(u)*2)
	for _, c := range u {
		b = append(b, byte(c), byte(c>>8))
	}
	addr, err := p.alloc(uintptr(len(b)))
	if err != nil {
		panic(err)
	}
	p.poke(addr, b)
	return addr
}

func (p *Process) ReadCString(addr uintptr) (string, error) {
	var out []byte
	for {
		var c [1]byte
		if err := p.Read(addr, c[:]); err != nil {
			return "", err
		}
		if c[0] == 0 {
			return string(out), nil
		}
		out = append(out, c[0])
		addr++
	}
}

func (p *Process) ReadWString(addr uintptr) (string, error) {
	var out []uint16
	for {
		var c [2]byte
		if err := p.Read(addr, c[:]); err != nil {
			return "", err
		}
		var u = uint16(c[0]) | uint16(c[1])<<8
		if u == 0 {
			return string(utf16.Decode(out)), nil
		}
		out = append(out, u)
		addr += 2
	}
}

// Invoke runs the function at addr.
func (p *Process) Invoke(addr uintptr, args ...uintptr) (uintptr, error) {
	p.mu.Lock()
	fn, ok := p.funcs[addr]
	p.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrNoCode, "%#x", addr)
	}
	return fn(args...), nil
}

// Map loads an image file under name and binds its imports.
func (p *Process) Map(name string, file []byte) (uintptr, error) {
	return p.mapImage(name, file, true)
}

// MapData maps an image file without binding it or listing it as a module,
// the way a data-file load does.
func (p *Process) MapData(name string, file []byte) (uintptr, error) {
	return p.mapImage(name, file, false)
}

func (p *Process) mapImage(name string, file []byte, load bool) (uintptr, error) {
	f, err := pe.NewFile(bytes.NewReader(file))
	if err != nil {
		return 0, errors.Wrapf(err, "parse %s", name)
	}
	defer f.Close()

	var size, headers uint32
	switch h := f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		size, headers = h.SizeOfImage, h.SizeOfHeaders
	case *pe.OptionalHeader64:
		size, headers = h.SizeOfImage, h.SizeOfHeaders
	default:
		return 0, errors.Newf("%s: no optional header", name)
	}
	if size < headers || int(headers) > len(file) {
		return 0, errors.Newf("%s: bad header sizes", name)
	}

	var r = &region{
		data:  make([]byte, (uintptr(size)+PageSize-1)&^(PageSize-1)),
		name:  name,
		image: true,
	}
	r.prot = fill(len(r.data)/PageSize, mem.PAGE_READWRITE)

	// copy headers
	copy(r.data, file[:headers])

	// copy sections
	for _, s := range f.Sections {
		if s.Size == 0 {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return 0, errors.Wrapf(err, "%s: section %s", name, s.Name)
		}
		if uint64(s.VirtualAddress) < uint64(len(r.data)) {
			copy(r.data[s.VirtualAddress:], data[:min(len(data), int(max(s.VirtualSize, s.Size)))])
		}
	}

	p.mu.Lock()
	r.base = p.next
	p.next += (uintptr(len(r.data)) + allocAlign - 1) &^ (allocAlign - 1)
	p.regions = append(p.regions, r)
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].base < p.regions[j].base })
	if load {
		p.modules = append(p.modules, r)
	}
	p.mu.Unlock()

	if load {
		if err := p.bind(r.base); err != nil {
			p.Unload(r.base)
			return 0, errors.Wrapf(err, "bind %s", name)
		}
	}

	// protect sections
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < int(headers+PageSize-1)/PageSize && i < len(r.prot); i++ {
		r.prot[i] = mem.PAGE_READONLY
	}
	for _, s := range f.Sections {
		first, last := r.pages(r.base+uintptr(s.VirtualAddress), uintptr(max(s.VirtualSize, 1)))
		for i := first; i < last && i < len(r.prot); i++ {
			r.prot[i] = sectionProtect(s.Characteristics)
		}
	}
	return r.base, nil
}

func sectionProtect(c uint32) uint32 {
	var exec = c&pe.IMAGE_SCN_MEM_EXECUTE != 0
	var write = c&pe.IMAGE_SCN_MEM_WRITE != 0
	switch {
	case exec && write:
		return mem.PAGE_EXECUTE_READWRITE
	case exec:
		return mem.PAGE_EXECUTE_READ
	case write:
		return mem.PAGE_READWRITE
	default:
		return mem.PAGE_READONLY
	}
}

// bind fills the import address tables of the image at base.
func (p *Process) bind(base uintptr) error {
	img, st := image.Open(p, base)
	if st != image.Present {
		return errors.Newf("image %s", st)
	}
	dir, st := img.ImportDirectory()
	switch st {
	case image.Absent:
		return nil
	case image.Present:
	default:
		return errors.Newf("import directory %s", st)
	}

	for i := range dir.Descriptors {
		var desc = &dir.Descriptors[i]
		if desc.Err != nil {
			return desc.Err
		}
		h, err := p.LoadLibrary(desc.Library)
		if err != nil {
			return err
		}
		entries, err := dir.Entries(desc)
		if err != nil {
			return err
		}
		for _, e := range entries {
			var addr uintptr
			if e.ByOrdinal {
				addr = p.ProcOrdinal(h, uint32(e.Ordinal))
			} else {
				addr = p.ProcAddress(h, e.Name)
			}
			if addr == 0 {
				return errors.Wrapf(ErrProcNotFound, "%s!%s#%d", desc.Library, e.Name, e.Ordinal)
			}
			if err := p.poke(base+uintptr(e.RVA), mem.Pointer(uint64(addr), img.PointerSize())); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadLibrary returns the module named name, mapping it from the registered
// files if it is not loaded yet.
func (p *Process) LoadLibrary(name string) (uintptr, error) {
	if h := p.ModuleHandle(name); h != 0 {
		return h, nil
	}
	p.mu.Lock()
	file, ok := p.files[strings.ToLower(name)]
	p.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrModNotFound, "%s", name)
	}
	return p.Map(name, file)
}

// Unload unmaps a module.
func (p *Process) Unload(h uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var keep = func(rs []*region) []*region {
		var out = rs[:0]
		for _, r := range rs {
			if r.base != h {
				out = append(out, r)
			}
		}
		return out
	}
	p.regions = keep(p.regions)
	p.modules = keep(p.modules)
}

// TearDown makes every read of the module fault while it stays listed.
func (p *Process) TearDown(h uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.find(h); r != nil {
		r.torn = true
	}
}

// Modules lists module handles in load order.
func (p *Process) Modules() []uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hs = make([]uintptr, 0, len(p.modules))
	for _, r := range p.modules {
		hs = append(hs, r.base)
	}
	return hs
}

// ModuleHandle finds a loaded module by name, ignoring case and a missing
// ".dll" suffix.
func (p *Process) ModuleHandle(name string) uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()

	var want = strings.ToLower(name)
	if !strings.Contains(want, ".") {
		want += ".dll"
	}
	for _, r := range p.modules {
		if strings.ToLower(r.name) == want {
			return r.base
		}
	}
	return 0
}

func (p *Process) Name(h uintptr) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.find(h); r != nil {
		return r.name
	}
	return ""
}

func (p *Process) exports(h uintptr) *image.ExportDirectory {
	img, st := image.Open(p, h)
	if st != image.Present {
		return nil
	}
	d, st := img.ExportDirectory()
	if st != image.Present {
		return nil
	}
	return d
}

// ProcAddress resolves an export by name straight from the export table.
func (p *Process) ProcAddress(h uintptr, name string) uintptr {
	var d = p.exports(h)
	if d == nil {
		return 0
	}
	e, err := d.Find(name)
	if err != nil || e.RVA == 0 {
		return 0
	}
	return h + uintptr(e.RVA)
}

func (p *Process) ProcOrdinal(h uintptr, ordinal uint32) uintptr {
	var d = p.exports(h)
	if d == nil {
		return 0
	}
	e, err := d.ByOrdinal(ordinal)
	if err != nil || e.RVA == 0 {
		return 0
	}
	return h + uintptr(e.RVA)
}

// Define attaches a body to the export name of module h.
func (p *Process) Define(h uintptr, name string, fn Func) (uintptr, error) {
	var addr = p.ProcAddress(h, name)
	if addr == 0 {
		return 0, errors.Wrapf(ErrProcNotFound, "%s!%s", p.Name(h), name)
	}
	p.mu.Lock()
	p.funcs[addr] = fn
	p.mu.Unlock()
	return addr, nil
}

// Slot returns the address and current value of the import slot module
// caller uses for lib!fn.
func (p *Process) Slot(caller uintptr, lib, fn string) (uintptr, uintptr, error) {
	img, st := image.Open(p, caller)
	if st != image.Present {
		return 0, 0, errors.Newf("image %#x %s", caller, st)
	}
	dir, st := img.ImportDirectory()
	if st != image.Present {
		return 0, 0, errors.Newf("image %#x import directory %s", caller, st)
	}
	for i := range dir.Descriptors {
		if !strings.EqualFold(dir.Descriptors[i].Library, lib) {
			continue
		}
		entries, err := dir.Entries(&dir.Descriptors[i])
		if err != nil {
			return 0, 0, err
		}
		for _, e := range entries {
			if e.Name == fn {
				return caller + uintptr(e.RVA), uintptr(e.Value), nil
			}
		}
	}
	return 0, 0, errors.Wrapf(ErrProcNotFound, "%#x imports no %s!%s", caller, lib, fn)
}

// Call invokes lib!fn the way code in module caller does: through its
// import slot.
func (p *Process) Call(caller uintptr, lib, fn string, args ...uintptr) (uintptr, error) {
	_, target, err := p.Slot(caller, lib, fn)
	if err != nil {
		return 0, err
	}
	return p.Invoke(target, args...)
}
