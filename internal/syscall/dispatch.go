// Package syscall implements the kernel's syscall dispatch table: decode
// a trap frame's syscall number and register arguments, validate any
// user-space pointers against the calling process's address space, and
// call through to the process/vfs/vm layers. Named after the syscall
// table shape in a PintOS userprog/syscall.c: one handler per number,
// selected by a switch on the syscall number.
package syscall

import (
	"errors"
	"io"
	"strings"

	"github.com/coreospkg/tinykernel/internal/kconst"
	"github.com/coreospkg/tinykernel/internal/kmetrics"
	"github.com/coreospkg/tinykernel/internal/process"
	"github.com/coreospkg/tinykernel/internal/vfs"
	"github.com/coreospkg/tinykernel/internal/vm"
)

// Number identifies a syscall the way a trap frame's syscall-number
// register would.
type Number int

const (
	SysHalt Number = iota
	SysExit
	SysFork
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
	SysSymlink
)

// badReturn is the value this dispatcher returns for a syscall whose
// real ABI return is -1 on failure, interpreted as a signed 64-bit value.
const badReturn = uint64(^uint64(0))

var (
	// ErrBadPointer is returned when a user-space argument names an
	// address the calling process's address space cannot resolve, or a
	// string argument runs past kconst.PathMax without a NUL.
	ErrBadPointer = errors.New("syscall: invalid user pointer")

	// ErrUnknownSyscall is returned for a Number with no registered
	// handler.
	ErrUnknownSyscall = errors.New("syscall: unknown syscall number")

	// ErrHalted is returned by Dispatch for SysHalt, signaling the
	// caller's run loop to stop.
	ErrHalted = errors.New("syscall: halt requested")
)

// Dispatcher binds the syscall table to the kernel's filesystem facade,
// process table and metrics sink, plus a console for fds 0/1 so the fd
// table only ever holds real files and directories.
type Dispatcher struct {
	Processes *process.Table
	FS        *vfs.Filesystem
	Metrics   *kmetrics.Metrics
	Console   io.ReadWriter
}

// Dispatch runs one syscall on behalf of p. args holds up to three
// register-width arguments, unused ones zero. The return value is the
// ABI-style uint64 a caller would see in the return-value register.
func (d *Dispatcher) Dispatch(p *process.Process, num Number, args [3]uint64) (uint64, error) {
	m := d.Metrics
	if m == nil {
		m = kmetrics.NoOp()
	}
	m.Syscall(syscallName(num))

	switch num {
	case SysHalt:
		return 0, ErrHalted
	case SysExit:
		d.Processes.Exit(p, int(int32(args[0])))
		return 0, nil
	case SysFork:
		return d.sysFork(p, args[0])
	case SysExec:
		return d.sysExec(p, args[0])
	case SysWait:
		return d.sysWait(p, args[0])
	case SysCreate:
		return d.sysCreate(p, args[0], args[1])
	case SysRemove:
		return d.sysRemove(p, args[0])
	case SysOpen:
		return d.sysOpen(p, args[0])
	case SysFilesize:
		return d.sysFilesize(p, args[0])
	case SysRead:
		return d.sysRead(p, args[0], args[1], args[2])
	case SysWrite:
		return d.sysWrite(p, args[0], args[1], args[2])
	case SysSeek:
		return d.sysSeek(p, args[0], args[1])
	case SysTell:
		return d.sysTell(p, args[0])
	case SysClose:
		return d.sysClose(p, args[0])
	case SysMmap:
		return d.sysMmap(p, args[0], args[1])
	case SysMunmap:
		return d.sysMunmap(p, args[0])
	case SysChdir:
		return d.sysChdir(p, args[0])
	case SysMkdir:
		return d.sysMkdir(p, args[0])
	case SysReaddir:
		return d.sysReaddir(p, args[0], args[1])
	case SysIsdir:
		return d.sysIsdir(p, args[0])
	case SysInumber:
		return d.sysInumber(p, args[0])
	case SysSymlink:
		return d.sysSymlink(p, args[0], args[1])
	default:
		return badReturn, ErrUnknownSyscall
	}
}

func syscallName(num Number) string {
	names := [...]string{
		"halt", "exit", "fork", "exec", "wait", "create", "remove", "open",
		"filesize", "read", "write", "seek", "tell", "close", "mmap", "munmap",
		"chdir", "mkdir", "readdir", "isdir", "inumber", "symlink",
	}
	if int(num) < 0 || int(num) >= len(names) {
		return "unknown"
	}
	return names[num]
}

func boolReturn(ok bool) uint64 {
	if ok {
		return 1
	}
	return 0
}

// readUserString reads a NUL-terminated string starting at va, bounded
// at kconst.PathMax bytes (beyond that, the caller's pointer is treated
// as bad rather than let a runaway scan read arbitrary memory).
func readUserString(as *vm.AddressSpace, va uint64) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for i := 0; i < kconst.PathMax; i++ {
		if err := as.Read(va+uint64(i), buf); err != nil {
			return "", ErrBadPointer
		}
		if buf[0] == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(buf[0])
	}
	return "", ErrBadPointer
}

func (d *Dispatcher) sysFork(p *process.Process, nameVA uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	child, err := d.Processes.Fork(p, name)
	if err != nil {
		return badReturn, nil
	}
	return uint64(child.PID), nil
}

func (d *Dispatcher) sysExec(p *process.Process, cmdlineVA uint64) (uint64, error) {
	cmdline, err := readUserString(p.AS, cmdlineVA)
	if err != nil {
		return badReturn, err
	}
	parts := strings.Fields(cmdline)
	if len(parts) == 0 {
		return badReturn, nil
	}
	if err := d.Processes.Exec(p, parts[0], parts); err != nil {
		return badReturn, nil
	}
	return uint64(p.Entry), nil
}

func (d *Dispatcher) sysWait(p *process.Process, pid uint64) (uint64, error) {
	status, err := d.Processes.Wait(p, process.PID(int64(pid)))
	if err != nil {
		return badReturn, nil
	}
	return uint64(int64(status)), nil
}

func (d *Dispatcher) sysCreate(p *process.Process, nameVA, size uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	err = d.FS.Create(p.CWD, p.Symlink, name, int64(size), false)
	return boolReturn(err == nil), nil
}

func (d *Dispatcher) sysRemove(p *process.Process, nameVA uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	err = d.FS.Remove(p.CWD, p.Symlink, name)
	return boolReturn(err == nil), nil
}

func (d *Dispatcher) sysOpen(p *process.Process, nameVA uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	h, err := d.FS.Open(p.CWD, p.Symlink, name)
	if err != nil {
		return badReturn, nil
	}
	return uint64(p.FDs.Install(h)), nil
}

func (d *Dispatcher) sysFilesize(p *process.Process, fd uint64) (uint64, error) {
	if isConsoleFD(fd) {
		return badReturn, nil
	}
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	return uint64(h.Filesize()), nil
}

func (d *Dispatcher) sysRead(p *process.Process, fd, bufVA, size uint64) (uint64, error) {
	if fd == 0 {
		if d.Console == nil {
			return badReturn, nil
		}
		buf := make([]byte, size)
		n, _ := d.Console.Read(buf)
		if err := p.AS.Write(bufVA, buf[:n]); err != nil {
			return badReturn, err
		}
		return uint64(n), nil
	}
	if fd == 1 {
		return badReturn, nil
	}

	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	buf := make([]byte, size)
	n := h.Read(buf)
	if err := p.AS.Write(bufVA, buf[:n]); err != nil {
		return badReturn, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysWrite(p *process.Process, fd, bufVA, size uint64) (uint64, error) {
	buf := make([]byte, size)
	if err := p.AS.Read(bufVA, buf); err != nil {
		return badReturn, err
	}

	if fd == 1 {
		if d.Console == nil {
			return badReturn, nil
		}
		n, _ := d.Console.Write(buf)
		return uint64(n), nil
	}
	if fd == 0 {
		return badReturn, nil
	}

	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	return uint64(h.Write(buf)), nil
}

func (d *Dispatcher) sysSeek(p *process.Process, fd, pos uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	h.Seek(int64(pos))
	return 0, nil
}

func (d *Dispatcher) sysTell(p *process.Process, fd uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	return uint64(h.Tell()), nil
}

func (d *Dispatcher) sysClose(p *process.Process, fd uint64) (uint64, error) {
	h, err := p.FDs.Close(int(fd))
	if err != nil {
		return badReturn, nil
	}
	d.FS.Close(h)
	return 0, nil
}

func (d *Dispatcher) sysMmap(p *process.Process, fd, addr uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	length := int(h.Filesize())
	if length == 0 {
		return badReturn, nil
	}
	region, err := vm.Mmap(p.AS.SPT, addr, length, true, h, 0)
	if err != nil {
		return badReturn, nil
	}
	return p.AddMmap(region), nil
}

func (d *Dispatcher) sysMunmap(p *process.Process, mapID uint64) (uint64, error) {
	region, ok := p.TakeMmap(mapID)
	if !ok {
		return badReturn, nil
	}
	vm.Munmap(p.AS.SPT, region)
	return 0, nil
}

func (d *Dispatcher) sysChdir(p *process.Process, nameVA uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	dir, err := d.FS.Chdir(p.CWD, p.Symlink, name)
	if err != nil {
		return boolReturn(false), nil
	}
	old := p.CWD
	p.CWD = dir
	if old != nil {
		d.FS.CloseDir(old)
	}
	return boolReturn(true), nil
}

func (d *Dispatcher) sysMkdir(p *process.Process, nameVA uint64) (uint64, error) {
	name, err := readUserString(p.AS, nameVA)
	if err != nil {
		return badReturn, err
	}
	err = d.FS.Mkdir(p.CWD, p.Symlink, name)
	return boolReturn(err == nil), nil
}

func (d *Dispatcher) sysReaddir(p *process.Process, fd, bufVA uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	name, ok := h.Readdir()
	if !ok {
		return boolReturn(false), nil
	}
	if len(name) >= kconst.NameMax+1 {
		return boolReturn(false), nil
	}
	buf := make([]byte, len(name)+1)
	copy(buf, name)
	if err := p.AS.Write(bufVA, buf); err != nil {
		return badReturn, err
	}
	return boolReturn(true), nil
}

func (d *Dispatcher) sysIsdir(p *process.Process, fd uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	return boolReturn(h.IsDir()), nil
}

func (d *Dispatcher) sysInumber(p *process.Process, fd uint64) (uint64, error) {
	h, err := p.FDs.Get(int(fd))
	if err != nil {
		return badReturn, nil
	}
	return uint64(h.Inumber()), nil
}

func (d *Dispatcher) sysSymlink(p *process.Process, targetVA, linkVA uint64) (uint64, error) {
	target, err := readUserString(p.AS, targetVA)
	if err != nil {
		return badReturn, err
	}
	linkPath, err := readUserString(p.AS, linkVA)
	if err != nil {
		return badReturn, err
	}
	err = d.FS.Symlink(p.Symlink, target, linkPath)
	return boolReturn(err == nil), nil
}

func isConsoleFD(fd uint64) bool { return fd == 0 || fd == 1 }
