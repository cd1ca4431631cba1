package stub

import (
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/windows"

	"apihook/internal/mem"
)

const (
	pageSize    = 0x1000
	granularity = 0x10000
)

var ErrNoSpace = errors.New("no free memory within reach of image")

type page struct {
	addr uintptr
	used uintptr
}

var (
	mu    sync.Mutex
	pages []*page
	stubs = map[[2]uintptr]uintptr{}
)

// Near returns the address of a stub jumping to target, placed where an
// export slot of the image at base can reach it. Stubs live for the rest of
// the process and are shared between callers asking for the same target.
func Near(base uintptr, span uint32, target uintptr) (uintptr, error) {
	mu.Lock()
	defer mu.Unlock()

	if addr, ok := stubs[[2]uintptr{base, target}]; ok {
		return addr, nil
	}

	var p *page
	for _, c := range pages {
		if c.used+Slot <= pageSize && Reachable(base, c.addr+c.used+Size) {
			p = c
			break
		}
	}
	if p == nil {
		addr, err := alloc(base, span)
		if err != nil {
			return 0, err
		}
		p = &page{addr: addr}
		pages = append(pages, p)
	}

	var addr = p.addr + p.used
	if err := mem.Patch(mem.Process{}, addr, Encode(uint64(target))); err != nil {
		return 0, err
	}
	p.used += Slot
	stubs[[2]uintptr{base, target}] = addr
	return addr, nil
}

func alloc(base uintptr, span uint32) (uintptr, error) {
	var start = (base + uintptr(span) + granularity - 1) &^ (granularity - 1)
	for addr := start; Reachable(base, addr+pageSize); addr += granularity {
		p, err := windows.VirtualAlloc(addr, pageSize, windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READ)
		if err == nil {
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrNoSpace, "image %#x", base)
}
