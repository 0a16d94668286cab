package nativefs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/strandcloud/strand/pkg/fserr"
	"golang.org/x/sys/unix"
)

type FileType string

const (
	FileTypeFile      FileType = "FILE"
	FileTypeDirectory FileType = "DIRECTORY"
)

type FileInfo struct {
	Type    FileType
	Size    int64
	ModTime time.Time
	Mode    uint32
	UID     int
	GID     int
}

// Stat resolves physicalPath and returns its metadata. Symlinks are treated
// as nonexistent.
func (fs *FS) Stat(physicalPath string) (*FileInfo, error) {
	parentFd, base, err := fs.openParent(physicalPath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.sys.Close(parentFd) }()

	var st unix.Stat_t
	if err := fs.sys.Fstatat(parentFd, base, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, fs.classify(err, physicalPath)
	}

	return fs.fileInfoFromStat(&st, physicalPath)
}

func (fs *FS) fileInfoFromStat(st *unix.Stat_t, physicalPath string) (*FileInfo, error) {
	info := &FileInfo{
		Size:    st.Size,
		ModTime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Mode:    uint32(st.Mode) & 0o7777,
		UID:     int(st.Uid),
		GID:     int(st.Gid),
	}

	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		info.Type = FileTypeFile
	case unix.S_IFDIR:
		info.Type = FileTypeDirectory
	default:
		// Symlinks, devices and the rest don't exist as far as tenants are
		// concerned.
		return nil, fserr.NotFound(fs.virtualize(physicalPath))
	}

	return info, nil
}

// ListFiles returns the unsorted child names of a directory.
func (fs *FS) ListFiles(physicalPath string) ([]string, error) {
	info, err := fs.Stat(physicalPath)
	if err != nil {
		return nil, err
	}
	if info.Type != FileTypeDirectory {
		return nil, fserr.IsDirectoryConflict()
	}

	fd, err := fs.openFile(physicalPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.sys.Close(fd) }()

	names, err := fs.sys.ReadDirNames(fd)
	if err != nil {
		return nil, fs.classify(err, physicalPath)
	}

	return names, nil
}

// CreateDirectories creates every missing component of physicalPath.
// Ownership is assigned only to components this call actually created;
// pre-existing directories are left untouched.
func (fs *FS) CreateDirectories(physicalPath string, owner *Owner) error {
	components := splitComponents(physicalPath)

	fd, err := fs.sys.Open("/", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fs.classify(err, physicalPath)
	}

	for _, component := range components {
		created := false

		next, err := fs.sys.Openat(fd, component, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		if err == unix.ENOENT {
			mkErr := fs.sys.Mkdirat(fd, component, DefaultDirMode)
			if mkErr != nil && mkErr != unix.EEXIST {
				_ = fs.sys.Close(fd)
				return fs.classify(mkErr, physicalPath)
			}
			created = mkErr == nil
			next, err = fs.sys.Openat(fd, component, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		}

		_ = fs.sys.Close(fd)
		if err != nil {
			return fs.classify(err, physicalPath)
		}

		if created && owner != nil {
			if chownErr := fs.sys.Fchown(next, owner.UID, owner.GID); chownErr != nil {
				_ = fs.sys.Close(next)
				return fs.classify(chownErr, physicalPath)
			}
		}

		fd = next
	}

	_ = fs.sys.Close(fd)
	return nil
}

// CreateDirectory creates a single directory under an existing parent,
// applying the conflict policy when the name is already taken. Returns the
// final physical path, which differs from the requested one when RENAME
// picked a numbered name.
func (fs *FS) CreateDirectory(physicalPath string, policy ConflictPolicy, owner *Owner) (string, error) {
	parentFd, base, err := fs.openParent(physicalPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = fs.sys.Close(parentFd) }()

	finalName, err := fs.createDirAccordingToPolicy(parentFd, base, policy, physicalPath)
	if err != nil {
		return "", err
	}

	if owner != nil {
		fd, err := fs.sys.Openat(parentFd, finalName, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
		if err != nil {
			return "", fs.classify(err, physicalPath)
		}
		chownErr := fs.sys.Fchown(fd, owner.UID, owner.GID)
		_ = fs.sys.Close(fd)
		if chownErr != nil {
			return "", fs.classify(chownErr, physicalPath)
		}
	}

	return filepath.Join(filepath.Dir(physicalPath), finalName), nil
}

type WriteOptions struct {
	ConflictPolicy ConflictPolicy
	Owner          *Owner
	Mode           *uint32
	Truncate       bool
	Offset         int64
}

// OpenForWriting opens (creating as needed) a writable stream at
// physicalPath, applying the conflict policy to pick the final name.
// Returns the possibly renamed physical path along with the stream.
func (fs *FS) OpenForWriting(physicalPath string, opts WriteOptions) (string, *os.File, error) {
	parentFd, base, err := fs.openParent(physicalPath)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = fs.sys.Close(parentFd) }()

	mode := DefaultFileMode
	if opts.Mode != nil {
		mode = *opts.Mode
	}

	finalName, fd, err := fs.createFileAccordingToPolicy(parentFd, base, opts.ConflictPolicy, opts.Truncate, mode, physicalPath)
	if err != nil {
		return "", nil, err
	}

	if opts.Owner != nil {
		if err := fs.sys.Fchown(fd, opts.Owner.UID, opts.Owner.GID); err != nil {
			_ = fs.sys.Close(fd)
			return "", nil, fs.classify(err, physicalPath)
		}
	}

	if opts.Offset > 0 {
		if _, err := fs.sys.Seek(fd, opts.Offset, 0); err != nil {
			_ = fs.sys.Close(fd)
			return "", nil, fs.classify(err, physicalPath)
		}
	}

	finalPath := filepath.Join(filepath.Dir(filepath.Clean(physicalPath)), finalName)
	return finalPath, os.NewFile(uintptr(fd), finalPath), nil
}

// OpenForReading opens a readable stream.
func (fs *FS) OpenForReading(physicalPath string) (*os.File, error) {
	fd, err := fs.openFile(physicalPath, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	return os.NewFile(uintptr(fd), physicalPath), nil
}

type CopyOutcome int

const (
	CopiedFile CopyOutcome = iota
	CreatedDirectory
	NothingToCopy
)

type CopyResult struct {
	Outcome   CopyOutcome
	FinalPath string
}

// Copy copies a single filesystem node. Files are streamed and keep their
// mode bits; for directories only the directory itself is created (or
// reused, per policy) and the caller recurses over children. Sources that
// are neither file nor directory are skipped without error.
func (fs *FS) Copy(source, destination string, policy ConflictPolicy, owner *Owner) (*CopyResult, error) {
	srcParentFd, srcBase, err := fs.openParent(source)
	if err != nil {
		return nil, err
	}

	var srcSt unix.Stat_t
	err = fs.sys.Fstatat(srcParentFd, srcBase, &srcSt, unix.AT_SYMLINK_NOFOLLOW)
	_ = fs.sys.Close(srcParentFd)
	if err != nil {
		return nil, fs.classify(err, source)
	}

	var sourceType FileType
	switch srcSt.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		sourceType = FileTypeFile
	case unix.S_IFDIR:
		sourceType = FileTypeDirectory
	default:
		// Symlinks and special files are silently skipped.
		return &CopyResult{Outcome: NothingToCopy}, nil
	}

	switch sourceType {
	case FileTypeDirectory:
		parentFd, base, err := fs.openParent(destination)
		if err != nil {
			return nil, err
		}
		defer func() { _ = fs.sys.Close(parentFd) }()

		finalName, err := fs.createDirAccordingToPolicy(parentFd, base, policy, destination)
		if err != nil {
			return nil, err
		}

		finalPath := filepath.Join(filepath.Dir(filepath.Clean(destination)), finalName)
		if owner != nil {
			if err := fs.Chown(finalPath, owner.UID, owner.GID); err != nil {
				return nil, err
			}
		}

		return &CopyResult{Outcome: CreatedDirectory, FinalPath: finalPath}, nil

	case FileTypeFile:
		src, err := fs.OpenForReading(source)
		if err != nil {
			return nil, err
		}
		defer func() { _ = src.Close() }()

		mode := uint32(srcSt.Mode) & 0o7777
		finalPath, dst, err := fs.OpenForWriting(destination, WriteOptions{
			ConflictPolicy: policy,
			Owner:          owner,
			Mode:           &mode,
			Truncate:       true,
		})
		if err != nil {
			return nil, err
		}

		if _, err := copyStream(dst, src); err != nil {
			_ = dst.Close()
			return nil, fserr.Internalf("copying %s: %s", fs.virtualize(source), err)
		}
		if err := dst.Close(); err != nil {
			return nil, fserr.Internalf("copying %s: %s", fs.virtualize(source), err)
		}

		return &CopyResult{Outcome: CopiedFile, FinalPath: finalPath}, nil

	default:
		return &CopyResult{Outcome: NothingToCopy}, nil
	}
}

type MoveResult int

const (
	MoveDone MoveResult = iota
	// MoveShouldContinue signals that the destination directory already
	// exists under MERGE_RENAME and the caller must merge children
	// recursively instead of renaming.
	MoveShouldContinue
)

// Move renames source to destination after securing the final name per
// policy. The rename itself is a single atomic renameat.
func (fs *FS) Move(source, destination string, policy ConflictPolicy) (MoveResult, string, error) {
	srcParentFd, srcBase, err := fs.openParent(source)
	if err != nil {
		return MoveDone, "", err
	}
	defer func() { _ = fs.sys.Close(srcParentFd) }()

	dstParentFd, dstBase, err := fs.openParent(destination)
	if err != nil {
		return MoveDone, "", err
	}
	defer func() { _ = fs.sys.Close(dstParentFd) }()

	var srcSt unix.Stat_t
	if err := fs.sys.Fstatat(srcParentFd, srcBase, &srcSt, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return MoveDone, "", fs.classify(err, source)
	}

	var dstSt unix.Stat_t
	dstErr := fs.sys.Fstatat(dstParentFd, dstBase, &dstSt, unix.AT_SYMLINK_NOFOLLOW)
	destinationExists := dstErr == nil
	if dstErr != nil && dstErr != unix.ENOENT {
		return MoveDone, "", fs.classify(dstErr, destination)
	}

	sourceIsDir := srcSt.Mode&unix.S_IFMT == unix.S_IFDIR
	destinationIsDir := destinationExists && dstSt.Mode&unix.S_IFMT == unix.S_IFDIR

	if policy == PolicyMergeRename && sourceIsDir && destinationIsDir {
		return MoveShouldContinue, destination, nil
	}

	finalName := dstBase
	if destinationExists {
		switch effectivePolicy(policy, fs.isProtectedRoot(destination)) {
		case PolicyReject:
			return MoveDone, "", fserr.AlreadyExists(fs.virtualize(destination))
		case PolicyReplace:
			// renameat replaces the destination; a non-empty directory
			// target fails at the syscall.
		default:
			finalName, err = fs.availableNameFor(dstParentFd, dstBase, destination)
			if err != nil {
				return MoveDone, "", err
			}
		}
	}

	if err := fs.sys.Renameat(srcParentFd, srcBase, dstParentFd, finalName); err != nil {
		return MoveDone, "", fs.classify(err, destination)
	}

	finalPath := filepath.Join(filepath.Dir(filepath.Clean(destination)), finalName)
	return MoveDone, finalPath, nil
}

// Delete removes physicalPath. Non-empty directories are deleted bottom-up
// when allowRecursion is set and rejected otherwise.
func (fs *FS) Delete(physicalPath string, allowRecursion bool) error {
	parentFd, base, err := fs.openParent(physicalPath)
	if err != nil {
		return err
	}
	defer func() { _ = fs.sys.Close(parentFd) }()

	return fs.deleteAt(parentFd, base, physicalPath, allowRecursion)
}

func (fs *FS) deleteAt(parentFd int, name, physicalPath string, allowRecursion bool) error {
	err := fs.sys.Unlinkat(parentFd, name, 0)
	if err == unix.EISDIR || err == unix.EPERM {
		err = fs.sys.Unlinkat(parentFd, name, unix.AT_REMOVEDIR)
	}
	if err == nil {
		return nil
	}

	if err != unix.ENOTEMPTY && err != unix.EEXIST {
		return fs.classify(err, physicalPath)
	}

	if !allowRecursion {
		return fserr.BadRequest("directory is not empty")
	}

	fd, err := fs.sys.Openat(parentFd, name, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return fs.classify(err, physicalPath)
	}

	names, err := fs.sys.ReadDirNames(fd)
	if err != nil {
		_ = fs.sys.Close(fd)
		return fs.classify(err, physicalPath)
	}

	for _, child := range names {
		if err := fs.deleteAt(fd, child, filepath.Join(physicalPath, child), true); err != nil {
			_ = fs.sys.Close(fd)
			return err
		}
	}
	_ = fs.sys.Close(fd)

	if err := fs.sys.Unlinkat(parentFd, name, unix.AT_REMOVEDIR); err != nil {
		return fs.classify(err, physicalPath)
	}

	return nil
}

// GetExtendedAttribute reads an xattr. The second return is false when the
// attribute isn't set or the filesystem doesn't support xattrs.
func (fs *FS) GetExtendedAttribute(physicalPath, attr string) (string, bool, error) {
	fd, err := fs.openFile(physicalPath, unix.O_RDONLY, 0)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = fs.sys.Close(fd) }()

	buf := make([]byte, 1024)
	n, err := fs.sys.Fgetxattr(fd, attr, buf)
	if err == unix.ENODATA || err == unix.ENOTSUP {
		return "", false, nil
	}
	if err != nil {
		return "", false, fs.classify(err, physicalPath)
	}

	return string(buf[:n]), true, nil
}

// SetExtendedAttribute writes an xattr.
func (fs *FS) SetExtendedAttribute(physicalPath, attr, value string) error {
	fd, err := fs.openFile(physicalPath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fs.sys.Close(fd) }()

	if err := fs.sys.Fsetxattr(fd, attr, []byte(value), 0); err != nil {
		return fs.classify(err, physicalPath)
	}

	return nil
}

func (fs *FS) Chmod(physicalPath string, mode uint32) error {
	fd, err := fs.openFile(physicalPath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fs.sys.Close(fd) }()

	if err := fs.sys.Fchmod(fd, mode); err != nil {
		return fs.classify(err, physicalPath)
	}

	return nil
}

func (fs *FS) Chown(physicalPath string, uid, gid int) error {
	fd, err := fs.openFile(physicalPath, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fs.sys.Close(fd) }()

	if err := fs.sys.Fchown(fd, uid, gid); err != nil {
		return fs.classify(err, physicalPath)
	}

	return nil
}
