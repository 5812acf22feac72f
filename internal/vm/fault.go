package vm

import (
	"errors"

	"github.com/coreospkg/tinykernel/internal/kconst"
)

// ErrSegfault is returned by HandleFault (and by AddressSpace.Read/Write
// when a fault they trigger fails to resolve) to signal that the
// faulting process must be terminated.
var ErrSegfault = errors.New("vm: unhandled page fault")

// AddressSpace bundles one process's supplemental page table with the
// stack-growth bookkeeping the fault handler needs: the current stack
// pointer, tracked so a fault address can be judged "plausibly a stack
// push" per the one-access-below-rsp allowance.
type AddressSpace struct {
	SPT *SPT
	rsp uint64
}

// NewAddressSpace creates an address space over a fresh SPT.
func NewAddressSpace(spt *SPT) *AddressSpace {
	return &AddressSpace{SPT: spt}
}

// SetStackPointer records the user stack pointer at the most recent trap,
// consulted by stack-growth fault handling.
func (as *AddressSpace) SetStackPointer(rsp uint64) { as.rsp = rsp }

// StackPointer returns the most recently recorded user stack pointer.
func (as *AddressSpace) StackPointer() uint64 { return as.rsp }

// isKernelAddress reports whether va falls outside the user address
// range this kernel hands out (everything at or above UserStackTop).
func isKernelAddress(va uint64) bool {
	return va == 0 || va >= kconst.UserStackTop
}

// HandleFault implements the C8 fault handler: resolve an existing SPT
// entry, or grow the stack if the address looks like a legitimate stack
// push just below the current top, or fail.
func (as *AddressSpace) HandleFault(addr uint64) error {
	if isKernelAddress(addr) {
		return ErrSegfault
	}

	aligned := PageAlign(addr)
	if _, ok := as.SPT.Claim(aligned); ok {
		return nil
	}

	if as.withinStackGrowthRange(addr) {
		writable := true
		if err := as.SPT.AddStackPage(aligned, writable); err != nil {
			return ErrSegfault
		}
		if _, ok := as.SPT.Claim(aligned); !ok {
			return ErrSegfault
		}
		return nil
	}

	return ErrSegfault
}

// withinStackGrowthRange implements the heuristic: addr is within
// StackGrowthLimit bytes of the top of the user address space, and the
// current stack pointer is no more than 8 bytes above addr (covering the
// PUSH/PUSHA instructions that fault one or a few words below rsp).
func (as *AddressSpace) withinStackGrowthRange(addr uint64) bool {
	if addr > kconst.UserStackTop {
		return false
	}
	if kconst.UserStackTop-addr > kconst.StackGrowthLimit {
		return false
	}
	return as.rsp <= addr+8
}

// Read copies len(buf) bytes starting at virtual address va into buf,
// faulting in any page that is not yet loaded.
func (as *AddressSpace) Read(va uint64, buf []byte) error {
	return as.walk(va, buf, func(p *Page, pageOff int, chunk []byte) error {
		copy(chunk, p.frame.Data[pageOff:pageOff+len(chunk)])
		return nil
	})
}

// Write copies len(buf) bytes from buf into the address space starting
// at va, faulting in any page that is not yet loaded and marking
// file-backed pages dirty. Writing to a read-only page is a permission
// violation and fails the same way an unresolved fault does.
func (as *AddressSpace) Write(va uint64, buf []byte) error {
	return as.walk(va, buf, func(p *Page, pageOff int, chunk []byte) error {
		if !p.writable {
			return ErrSegfault
		}
		copy(p.frame.Data[pageOff:pageOff+len(chunk)], chunk)
		if p.kind == KindFile {
			p.MarkDirty()
		}
		return nil
	})
}

func (as *AddressSpace) walk(va uint64, buf []byte, apply func(p *Page, pageOff int, chunk []byte) error) error {
	remaining := buf
	cur := va

	for len(remaining) > 0 {
		aligned := PageAlign(cur)
		pageOff := int(cur - aligned)
		n := kconst.PageSize - pageOff
		if n > len(remaining) {
			n = len(remaining)
		}

		p, ok := as.SPT.Claim(aligned)
		if !ok {
			if err := as.HandleFault(cur); err != nil {
				return err
			}
			p, ok = as.SPT.Claim(aligned)
			if !ok {
				return ErrSegfault
			}
		}

		if err := apply(p, pageOff, remaining[:n]); err != nil {
			return err
		}

		remaining = remaining[n:]
		cur += uint64(n)
	}

	return nil
}
