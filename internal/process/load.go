package process

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"

	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/vfs"
	"github.com/coreospkg/tinykernel/internal/vm"
)

// ErrNotExecutable is returned when the requested file is not a loadable
// ELF image.
var ErrNotExecutable = errors.New("process: not an ELF executable")

// fileReaderAt adapts a vfs.FileHandle (Seek+Read, not safe for
// concurrent use) to io.ReaderAt, which debug/elf requires to read
// sections and program headers at arbitrary offsets.
type fileReaderAt struct {
	h *vfs.FileHandle
}

func (r *fileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	r.h.Seek(off)
	n := r.h.Read(p)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load opens path as the process's executable, maps its PT_LOAD
// segments as lazily-loaded pages, builds the initial user stack with
// args marshaled onto it, and records the entry point and initial
// register values on p for the caller to seed a trap frame with.
func (t *Table) Load(p *Process, path string, args []string) error {
	fh, err := t.fs.OpenExecutable(p.CWD, p.Symlink, path)
	if err != nil {
		return err
	}

	ef, err := elf.NewFile(&fileReaderAt{h: fh})
	if err != nil {
		t.fs.Close(fh)
		return ErrNotExecutable
	}
	defer ef.Close()

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		writable := prog.Flags&elf.PF_W != 0
		if err := loadSegment(p.AS.SPT, fh, prog.Vaddr, int64(prog.Off), prog.Filesz, prog.Memsz, writable); err != nil {
			t.fs.Close(fh)
			return err
		}
	}

	rsp, argc, argv, err := setupStack(p.AS, args)
	if err != nil {
		t.fs.Close(fh)
		return err
	}

	p.executable = fh
	p.Entry = ef.Entry
	p.InitialSP = rsp
	p.Argc = argc
	p.Argv = argv
	return nil
}

// Exec replaces p's own address space and executable image with a fresh
// load of path, matching the "exec() is load() on the calling process
// itself, not on a new one" model (fork is what creates a new process).
// Any existing mmaps are implicitly invalidated along with the old SPT.
func (t *Table) Exec(p *Process, path string, args []string) error {
	p.AS.SPT.Kill()
	if p.executable != nil {
		t.fs.Close(p.executable)
		p.executable = nil
	}
	p.mu.Lock()
	p.mmaps = make(map[uint64]*vm.Region)
	p.mu.Unlock()
	return t.Load(p, path, args)
}

// loadSegment installs one uninit-then-anon page per page-sized chunk of
// a PT_LOAD segment, page-aligned the way a standard linker already
// lays out program headers: file bytes are read from offset until
// fileSz is exhausted, the remainder up to memSz (bss) is zero-filled.
func loadSegment(spt *vm.SPT, fh *vfs.FileHandle, va uint64, fileOffset int64, fileSz, memSz uint64, writable bool) error {
	pageVA := vm.PageAlign(va)
	remaining := fileSz
	offset := fileOffset
	totalPages := (memSz + kconst.PageSize - 1) / kconst.PageSize

	for i := uint64(0); i < totalPages; i++ {
		readLen := 0
		if remaining > 0 {
			readLen = int(remaining)
			if readLen > kconst.PageSize {
				readLen = kconst.PageSize
			}
		}

		if err := spt.AddUninitSegment(pageVA, fh, offset, readLen, writable); err != nil {
			return err
		}

		pageVA += kconst.PageSize
		offset += int64(readLen)
		remaining -= uint64(readLen)
	}

	return nil
}

// setupStack installs the initial stack page and marshals args onto it:
// the strings themselves (in reverse order, so they end up in forward
// order at increasing addresses), then word-alignment padding, a NULL
// argv sentinel, the argument addresses (reverse order again), and a
// fake return address, mirroring the byte layout a real argument_stack
// helper builds below the top of a fresh PintOS user stack.
func setupStack(as *vm.AddressSpace, args []string) (rsp uint64, argc int, argv uint64, err error) {
	if err := as.SPT.AddStackPage(kconst.UserStackTop-kconst.PageSize, true); err != nil {
		return 0, 0, 0, err
	}

	sp := uint64(kconst.UserStackTop)
	addrs := make([]uint64, len(args))

	for i := len(args) - 1; i >= 0; i-- {
		s := args[i]
		n := uint64(len(s) + 1)
		sp -= n
		buf := make([]byte, n)
		copy(buf, s)
		if err := as.Write(sp, buf); err != nil {
			return 0, 0, 0, err
		}
		addrs[i] = sp
	}

	sp &^= uint64(7)

	sp -= 8
	if err := as.Write(sp, make([]byte, 8)); err != nil {
		return 0, 0, 0, err
	}

	for i := len(addrs) - 1; i >= 0; i-- {
		sp -= 8
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, addrs[i])
		if err := as.Write(sp, buf); err != nil {
			return 0, 0, 0, err
		}
	}
	argvAddr := sp

	sp -= 8
	if err := as.Write(sp, make([]byte, 8)); err != nil {
		return 0, 0, 0, err
	}

	as.SetStackPointer(sp)
	return sp, len(args), argvAddr, nil
}
