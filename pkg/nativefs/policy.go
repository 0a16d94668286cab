package nativefs

import (
	"fmt"
	"strings"

	"github.com/strandcloud/strand/pkg/fserr"
	"golang.org/x/sys/unix"
)

// ConflictPolicy governs what happens when a create/copy/move target
// already exists.
type ConflictPolicy string

const (
	// PolicyReject fails with AlreadyExists.
	PolicyReject ConflictPolicy = "REJECT"
	// PolicyReplace overwrites; files are truncated.
	PolicyReplace ConflictPolicy = "REPLACE"
	// PolicyRename picks a numbered alternative name, "name(1).ext".
	PolicyRename ConflictPolicy = "RENAME"
	// PolicyMergeRename reuses an existing directory instead of renaming;
	// files behave like PolicyRename.
	PolicyMergeRename ConflictPolicy = "MERGE_RENAME"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case PolicyReject, PolicyReplace, PolicyRename, PolicyMergeRename:
		return ConflictPolicy(s), nil
	default:
		return "", fserr.BadRequest(fmt.Sprintf("unknown conflict policy %q", s))
	}
}

// maxRenameAttempts bounds the numbered-name probe.
const maxRenameAttempts = 10_000

// numberedName inserts "(i)" before the extension: "a.txt" -> "a(1).txt",
// "archive" -> "archive(1)".
func numberedName(name string, i int) string {
	if idx := strings.LastIndex(name, "."); idx > 0 {
		return fmt.Sprintf("%s(%d)%s", name[:idx], i, name[idx:])
	}

	return fmt.Sprintf("%s(%d)", name, i)
}

// effectivePolicy degrades RENAME-class policies to REJECT on protected
// structural roots, which must never end up with a numbered name.
func effectivePolicy(policy ConflictPolicy, protected bool) ConflictPolicy {
	if protected && (policy == PolicyRename || policy == PolicyMergeRename) {
		return PolicyReject
	}

	return policy
}

// createFileAccordingToPolicy opens (creating as needed) the final file name
// for a write under the given policy. Returns the chosen name and the open
// fd.
func (fs *FS) createFileAccordingToPolicy(parentFd int, name string, policy ConflictPolicy, truncate bool, mode uint32, physicalPath string) (string, int, error) {
	protected := fs.isProtectedRoot(physicalPath)

	switch effectivePolicy(policy, protected) {
	case PolicyReject:
		fd, err := fs.sys.Openat(parentFd, name, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_NOFOLLOW, mode)
		if err != nil {
			return "", -1, fs.classify(err, physicalPath)
		}
		return name, fd, nil

	case PolicyReplace:
		flags := unix.O_CREAT | unix.O_WRONLY | unix.O_NOFOLLOW
		if truncate {
			flags |= unix.O_TRUNC
		}
		fd, err := fs.sys.Openat(parentFd, name, flags, mode)
		if err != nil {
			return "", -1, fs.classify(err, physicalPath)
		}
		return name, fd, nil

	default: // PolicyRename, PolicyMergeRename
		fd, err := fs.sys.Openat(parentFd, name, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_NOFOLLOW, mode)
		if err == nil {
			return name, fd, nil
		}
		if err != unix.EEXIST {
			return "", -1, fs.classify(err, physicalPath)
		}

		for i := 1; i <= maxRenameAttempts; i++ {
			candidate := numberedName(name, i)
			fd, err = fs.sys.Openat(parentFd, candidate, unix.O_CREAT|unix.O_EXCL|unix.O_WRONLY|unix.O_NOFOLLOW, mode)
			if err == nil {
				return candidate, fd, nil
			}
			if err != unix.EEXIST {
				return "", -1, fs.classify(err, physicalPath)
			}
		}

		return "", -1, fserr.BadRequest("unable to find an available name")
	}
}

// createDirAccordingToPolicy creates (or, per policy, reuses) a directory and
// returns its final name.
func (fs *FS) createDirAccordingToPolicy(parentFd int, name string, policy ConflictPolicy, physicalPath string) (string, error) {
	protected := fs.isProtectedRoot(physicalPath)
	policy = effectivePolicy(policy, protected)

	err := fs.sys.Mkdirat(parentFd, name, DefaultDirMode)
	if err == nil {
		return name, nil
	}
	if err != unix.EEXIST {
		return "", fs.classify(err, physicalPath)
	}

	switch policy {
	case PolicyReject:
		return "", fserr.AlreadyExists(fs.virtualize(physicalPath))

	case PolicyReplace, PolicyMergeRename:
		// Reuse the existing directory. If what's there isn't a directory,
		// the operation can't proceed.
		var st unix.Stat_t
		if statErr := fs.sys.Fstatat(parentFd, name, &st, unix.AT_SYMLINK_NOFOLLOW); statErr != nil {
			return "", fs.classify(statErr, physicalPath)
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return "", fserr.IsDirectoryConflict()
		}
		return name, nil

	default: // PolicyRename
		for i := 1; i <= maxRenameAttempts; i++ {
			candidate := numberedName(name, i)
			err = fs.sys.Mkdirat(parentFd, candidate, DefaultDirMode)
			if err == nil {
				return candidate, nil
			}
			if err != unix.EEXIST {
				return "", fs.classify(err, physicalPath)
			}
		}

		return "", fserr.BadRequest("unable to find an available name")
	}
}

// availableNameFor probes for a name not yet taken in parentFd, for rename
// targets that are secured by renameat rather than by an exclusive create.
func (fs *FS) availableNameFor(parentFd int, name string, physicalPath string) (string, error) {
	var st unix.Stat_t

	for i := 1; i <= maxRenameAttempts; i++ {
		candidate := numberedName(name, i)
		err := fs.sys.Fstatat(parentFd, candidate, &st, unix.AT_SYMLINK_NOFOLLOW)
		if err == unix.ENOENT {
			return candidate, nil
		}
		if err != nil {
			return "", fs.classify(err, physicalPath)
		}
	}

	return "", fserr.BadRequest("unable to find an available name")
}
