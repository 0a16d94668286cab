package nativefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) (*FS, string) {
	root := t.TempDir()
	fs := New(NewSyscalls(), nil, func(physical string) bool {
		return filepath.Base(physical) == "protected-root"
	})

	return fs, root
}

func writeFile(t *testing.T, path, content string) {
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func TestStat(t *testing.T) {
	fs, root := newTestFS(t)

	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir1"), 0o750))

	info, err := fs.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, FileTypeFile, info.Type)
	assert.Equal(t, int64(5), info.Size)

	info, err = fs.Stat(filepath.Join(root, "dir1"))
	require.NoError(t, err)
	assert.Equal(t, FileTypeDirectory, info.Type)

	_, err = fs.Stat(filepath.Join(root, "missing.txt"))
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))
}

func TestStatRefusesSymlinks(t *testing.T) {
	fs, root := newTestFS(t)

	writeFile(t, filepath.Join(root, "target.txt"), "x")
	require.NoError(t, os.Symlink(filepath.Join(root, "target.txt"), filepath.Join(root, "link.txt")))

	_, err := fs.Stat(filepath.Join(root, "link.txt"))
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))
}

func TestTraversalRefusesSymlinkedDirectories(t *testing.T) {
	fs, root := newTestFS(t)

	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.txt"), "secret")
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "escape")))

	// The intermediate component is a symlink, so the walk must fail even
	// though following it would reach a real file.
	_, err := fs.Stat(filepath.Join(root, "escape", "secret.txt"))
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))

	_, err = fs.OpenForReading(filepath.Join(root, "escape", "secret.txt"))
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))
}

func TestListFiles(t *testing.T) {
	fs, root := newTestFS(t)

	writeFile(t, filepath.Join(root, "a.txt"), "x")
	writeFile(t, filepath.Join(root, "b.txt"), "x")
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir1"), 0o750))

	names, err := fs.ListFiles(root)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt", "dir1"}, names)

	_, err = fs.ListFiles(filepath.Join(root, "a.txt"))
	require.Error(t, err)
	assert.True(t, fserr.IsKind(err, fserr.KindIsDirectoryConflict))
}

func TestCreateDirectories(t *testing.T) {
	fs, root := newTestFS(t)

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, fs.CreateDirectories(nested, nil))

	info, err := fs.Stat(nested)
	require.NoError(t, err)
	assert.Equal(t, FileTypeDirectory, info.Type)

	// Repeating is a no-op.
	require.NoError(t, fs.CreateDirectories(nested, nil))
}

func TestOpenForWritingConflictPolicies(t *testing.T) {
	fs, root := newTestFS(t)

	target := filepath.Join(root, "a.txt")
	writeFile(t, target, "original")

	t.Run("reject fails on existing", func(t *testing.T) {
		_, _, err := fs.OpenForWriting(target, WriteOptions{ConflictPolicy: PolicyReject})
		require.Error(t, err)
		assert.True(t, fserr.IsAlreadyExists(err))
	})

	t.Run("replace truncates", func(t *testing.T) {
		finalPath, f, err := fs.OpenForWriting(target, WriteOptions{ConflictPolicy: PolicyReplace, Truncate: true})
		require.NoError(t, err)
		assert.Equal(t, target, finalPath)

		_, err = f.WriteString("new")
		require.NoError(t, err)
		require.NoError(t, f.Close())

		content, err := os.ReadFile(target)
		require.NoError(t, err)
		assert.Equal(t, "new", string(content))
	})

	t.Run("rename picks numbered names", func(t *testing.T) {
		for i := 1; i <= 2; i++ {
			finalPath, f, err := fs.OpenForWriting(target, WriteOptions{ConflictPolicy: PolicyRename})
			require.NoError(t, err)
			require.NoError(t, f.Close())
			assert.Equal(t, filepath.Join(root, numberedName("a.txt", i)), finalPath)
		}
	})
}

func TestOpenForWritingOffset(t *testing.T) {
	fs, root := newTestFS(t)

	target := filepath.Join(root, "chunked.bin")
	writeFile(t, target, "hello")

	_, f, err := fs.OpenForWriting(target, WriteOptions{ConflictPolicy: PolicyReplace, Offset: 5})
	require.NoError(t, err)
	_, err = f.WriteString("world")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(content))
}

func TestProtectedRootDegradesRenameToReject(t *testing.T) {
	fs, root := newTestFS(t)

	protected := filepath.Join(root, "protected-root")
	require.NoError(t, os.Mkdir(protected, 0o750))

	_, _, err := fs.OpenForWriting(protected, WriteOptions{ConflictPolicy: PolicyRename})
	require.Error(t, err)
	assert.True(t, fserr.IsAlreadyExists(err))

	parentFd, base, err := fs.openParent(protected)
	require.NoError(t, err)
	defer func() { _ = fs.sys.Close(parentFd) }()

	_, err = fs.createDirAccordingToPolicy(parentFd, base, PolicyRename, protected)
	require.Error(t, err)
	assert.True(t, fserr.IsAlreadyExists(err))
}

func TestCopyFileAndRenameChain(t *testing.T) {
	fs, root := newTestFS(t)

	source := filepath.Join(root, "a.txt")
	destination := filepath.Join(root, "b.txt")
	writeFile(t, source, "0123456789")

	result, err := fs.Copy(source, destination, PolicyReject, nil)
	require.NoError(t, err)
	assert.Equal(t, CopiedFile, result.Outcome)
	assert.Equal(t, destination, result.FinalPath)

	content, err := os.ReadFile(destination)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(content))

	// Repeating with REJECT fails, with RENAME it lands on b(1).txt.
	_, err = fs.Copy(source, destination, PolicyReject, nil)
	require.Error(t, err)
	assert.True(t, fserr.IsAlreadyExists(err))

	result, err = fs.Copy(source, destination, PolicyRename, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "b(1).txt"), result.FinalPath)
}

func TestCopyDirectoryAndSpecialFiles(t *testing.T) {
	fs, root := newTestFS(t)

	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0o750))

	result, err := fs.Copy(filepath.Join(root, "src"), filepath.Join(root, "dst"), PolicyReject, nil)
	require.NoError(t, err)
	assert.Equal(t, CreatedDirectory, result.Outcome)
	assert.Equal(t, filepath.Join(root, "dst"), result.FinalPath)

	// MERGE_RENAME reuses the existing directory rather than numbering it.
	result, err = fs.Copy(filepath.Join(root, "src"), filepath.Join(root, "dst"), PolicyMergeRename, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "dst"), result.FinalPath)

	// A symlink source is skipped without error.
	require.NoError(t, os.Symlink(filepath.Join(root, "src"), filepath.Join(root, "lnk")))
	result, err = fs.Copy(filepath.Join(root, "lnk"), filepath.Join(root, "lnk-copy"), PolicyReject, nil)
	require.NoError(t, err)
	assert.Equal(t, NothingToCopy, result.Outcome)

	_, err = fs.Copy(filepath.Join(root, "does-not-exist"), filepath.Join(root, "x"), PolicyReject, nil)
	require.Error(t, err)
	assert.True(t, fserr.IsNotFound(err))
}

func TestMove(t *testing.T) {
	fs, root := newTestFS(t)

	source := filepath.Join(root, "a.txt")
	writeFile(t, source, "content")

	result, finalPath, err := fs.Move(source, filepath.Join(root, "b.txt"), PolicyReject)
	require.NoError(t, err)
	assert.Equal(t, MoveDone, result)
	assert.Equal(t, filepath.Join(root, "b.txt"), finalPath)

	_, err = fs.Stat(source)
	assert.True(t, fserr.IsNotFound(err))

	writeFile(t, source, "other")
	_, _, err = fs.Move(source, filepath.Join(root, "b.txt"), PolicyReject)
	require.Error(t, err)
	assert.True(t, fserr.IsAlreadyExists(err))

	_, finalPath, err = fs.Move(source, filepath.Join(root, "b.txt"), PolicyRename)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "b(1).txt"), finalPath)
}

func TestMoveMergeRenameSignalsContinuation(t *testing.T) {
	fs, root := newTestFS(t)

	require.NoError(t, os.Mkdir(filepath.Join(root, "src"), 0o750))
	require.NoError(t, os.Mkdir(filepath.Join(root, "dst"), 0o750))
	writeFile(t, filepath.Join(root, "src", "f.txt"), "x")

	result, _, err := fs.Move(filepath.Join(root, "src"), filepath.Join(root, "dst"), PolicyMergeRename)
	require.NoError(t, err)
	assert.Equal(t, MoveShouldContinue, result)

	// The source is untouched; the caller is responsible for the merge.
	_, err = fs.Stat(filepath.Join(root, "src", "f.txt"))
	assert.NoError(t, err)
}

func TestDelete(t *testing.T) {
	fs, root := newTestFS(t)

	writeFile(t, filepath.Join(root, "a.txt"), "x")
	require.NoError(t, fs.Delete(filepath.Join(root, "a.txt"), false))

	require.NoError(t, os.Mkdir(filepath.Join(root, "empty"), 0o750))
	require.NoError(t, fs.Delete(filepath.Join(root, "empty"), false))

	require.NoError(t, os.MkdirAll(filepath.Join(root, "full", "nested"), 0o750))
	writeFile(t, filepath.Join(root, "full", "f.txt"), "x")
	writeFile(t, filepath.Join(root, "full", "nested", "g.txt"), "x")

	err := fs.Delete(filepath.Join(root, "full"), false)
	require.Error(t, err)
	assert.True(t, fserr.IsBadRequest(err))

	require.NoError(t, fs.Delete(filepath.Join(root, "full"), true))
	_, err = fs.Stat(filepath.Join(root, "full"))
	assert.True(t, fserr.IsNotFound(err))
}

func TestExtendedAttributes(t *testing.T) {
	fs, root := newTestFS(t)

	writeFile(t, filepath.Join(root, "a.txt"), "x")

	_, ok, err := fs.GetExtendedAttribute(filepath.Join(root, "a.txt"), "user.sensitivity")
	require.NoError(t, err)
	assert.False(t, ok)

	if err := fs.SetExtendedAttribute(filepath.Join(root, "a.txt"), "user.sensitivity", "CONFIDENTIAL"); err != nil {
		t.Skipf("filesystem does not support user xattrs: %s", err)
	}

	value, ok, err := fs.GetExtendedAttribute(filepath.Join(root, "a.txt"), "user.sensitivity")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "CONFIDENTIAL", value)
}

func TestNumberedName(t *testing.T) {
	assert.Equal(t, "a(1).txt", numberedName("a.txt", 1))
	assert.Equal(t, "archive.tar(3).gz", numberedName("archive.tar.gz", 3))
	assert.Equal(t, "noext(2)", numberedName("noext", 2))
	assert.Equal(t, ".hidden(1)", numberedName(".hidden", 1))
}
