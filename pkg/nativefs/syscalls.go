package nativefs

import (
	"os"

	"golang.org/x/sys/unix"
)

// Syscalls is the raw syscall surface the traversal algorithm runs on. It
// exists so the fd-chaining walk is written once and can be unit tested
// against a fake implementation.
type Syscalls interface {
	Open(path string, flags int, mode uint32) (int, error)
	Openat(dirfd int, name string, flags int, mode uint32) (int, error)
	Close(fd int) error
	Fstat(fd int, st *unix.Stat_t) error
	Fstatat(dirfd int, name string, st *unix.Stat_t, flags int) error
	Mkdirat(dirfd int, name string, mode uint32) error
	Renameat(olddirfd int, oldname string, newdirfd int, newname string) error
	Unlinkat(dirfd int, name string, flags int) error
	Fchmod(fd int, mode uint32) error
	Fchown(fd int, uid, gid int) error
	Fgetxattr(fd int, attr string, dest []byte) (int, error)
	Fsetxattr(fd int, attr string, data []byte, flags int) error
	Seek(fd int, offset int64, whence int) (int64, error)
	ReadDirNames(fd int) ([]string, error)
}

type unixSyscalls struct{}

// NewSyscalls returns the real syscall implementation.
func NewSyscalls() Syscalls {
	return unixSyscalls{}
}

func (unixSyscalls) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags, mode)
}

func (unixSyscalls) Openat(dirfd int, name string, flags int, mode uint32) (int, error) {
	return unix.Openat(dirfd, name, flags, mode)
}

func (unixSyscalls) Close(fd int) error {
	return unix.Close(fd)
}

func (unixSyscalls) Fstat(fd int, st *unix.Stat_t) error {
	return unix.Fstat(fd, st)
}

func (unixSyscalls) Fstatat(dirfd int, name string, st *unix.Stat_t, flags int) error {
	return unix.Fstatat(dirfd, name, st, flags)
}

func (unixSyscalls) Mkdirat(dirfd int, name string, mode uint32) error {
	return unix.Mkdirat(dirfd, name, mode)
}

func (unixSyscalls) Renameat(olddirfd int, oldname string, newdirfd int, newname string) error {
	return unix.Renameat(olddirfd, oldname, newdirfd, newname)
}

func (unixSyscalls) Unlinkat(dirfd int, name string, flags int) error {
	return unix.Unlinkat(dirfd, name, flags)
}

func (unixSyscalls) Fchmod(fd int, mode uint32) error {
	return unix.Fchmod(fd, mode)
}

func (unixSyscalls) Fchown(fd int, uid, gid int) error {
	return unix.Fchown(fd, uid, gid)
}

func (unixSyscalls) Fgetxattr(fd int, attr string, dest []byte) (int, error) {
	return unix.Fgetxattr(fd, attr, dest)
}

func (unixSyscalls) Fsetxattr(fd int, attr string, data []byte, flags int) error {
	return unix.Fsetxattr(fd, attr, data, flags)
}

func (unixSyscalls) Seek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

// ReadDirNames lists a directory through an already-opened fd. The fd is
// duplicated so the caller's offset is untouched.
func (unixSyscalls) ReadDirNames(fd int) ([]string, error) {
	dupped, err := unix.Dup(fd)
	if err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(dupped), "")
	defer func() { _ = f.Close() }()

	return f.Readdirnames(-1)
}
