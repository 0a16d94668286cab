package nativefs

import (
	"path/filepath"
	"strings"

	"github.com/strandcloud/strand/pkg/fserr"
	"golang.org/x/sys/unix"
)

const (
	DefaultDirMode  uint32 = 0o750
	DefaultFileMode uint32 = 0o640
)

// Owner is the uid/gid applied to files created on behalf of an end user.
type Owner struct {
	UID int
	GID int
}

// FS performs all physical I/O. Every traversal opens one path component at
// a time relative to the already-opened parent directory with O_NOFOLLOW, so
// a symlink swapped in at any depth cannot redirect the operation outside
// the tree.
type FS struct {
	sys             Syscalls
	virtualize      func(physical string) string
	isProtectedRoot func(physical string) bool
}

func New(sys Syscalls, virtualize func(string) string, isProtectedRoot func(string) bool) *FS {
	if virtualize == nil {
		virtualize = func(string) string { return "unknown" }
	}
	if isProtectedRoot == nil {
		isProtectedRoot = func(string) bool { return false }
	}

	return &FS{
		sys:             sys,
		virtualize:      virtualize,
		isProtectedRoot: isProtectedRoot,
	}
}

func (fs *FS) classify(err error, physicalPath string) error {
	return fserr.ClassifyErrno(err, fs.virtualize(physicalPath))
}

func splitComponents(physicalPath string) []string {
	cleaned := filepath.Clean(physicalPath)
	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed == "" {
		return nil
	}

	return strings.Split(trimmed, "/")
}

// openFile walks to physicalPath component by component and opens the last
// component with the given flags. Intermediate components are opened as
// directories; the parent fd is closed as soon as its child is open.
func (fs *FS) openFile(physicalPath string, flags int, mode uint32) (int, error) {
	components := splitComponents(physicalPath)

	fd, err := fs.sys.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return -1, fs.classify(err, physicalPath)
	}

	for i, component := range components {
		var next int
		if i == len(components)-1 {
			next, err = fs.sys.Openat(fd, component, flags|unix.O_NOFOLLOW, mode)
		} else {
			next, err = fs.sys.Openat(fd, component, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		}

		_ = fs.sys.Close(fd)
		if err != nil {
			return -1, fs.classify(err, physicalPath)
		}

		fd = next
	}

	return fd, nil
}

// openParent opens the directory containing physicalPath and returns it
// together with the final component's name. The caller owns the fd.
func (fs *FS) openParent(physicalPath string) (int, string, error) {
	cleaned := filepath.Clean(physicalPath)
	dir, base := filepath.Split(cleaned)
	if base == "" || base == "/" {
		return -1, "", fserr.BadRequest("cannot operate on the filesystem root")
	}

	fd, err := fs.openFile(dir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return -1, "", err
	}

	return fd, base, nil
}
