package fserr

import (
	"golang.org/x/sys/unix"
)

// ClassifyErrno turns an errno from the native layer into a typed error.
// virtualPath is the best-effort reverse-mapped caller-facing path. An errno
// we have no mapping for is an internal error; the native layer treats those
// as fatal rather than guessing.
func ClassifyErrno(errno error, virtualPath string) *Error {
	e, ok := errno.(unix.Errno)
	if !ok {
		return Internalf("unexpected native error: %v", errno)
	}

	switch e {
	case unix.ENOENT, unix.ELOOP, unix.ENOTDIR:
		// ELOOP shows up when a tenant plants a symlink somewhere along the
		// traversal. Reported as not-found so the response does not reveal
		// anything about the physical layout.
		return NotFound(virtualPath)
	case unix.EEXIST:
		return AlreadyExists(virtualPath)
	case unix.EISDIR:
		return IsDirectoryConflict()
	case unix.ENOTEMPTY:
		return BadRequest("directory is not empty")
	case unix.EACCES, unix.EPERM:
		return BadRequest("permission denied")
	case unix.ENOSPC, unix.EDQUOT:
		return QuotaExceeded()
	default:
		return Internalf("unexpected errno %d at %s", int(e), virtualPath)
	}
}
