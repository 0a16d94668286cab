package tasks

import (
	"encoding/json"
	"path/filepath"

	"github.com/apex/log"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
)

const (
	KindCopy       = "copy"
	KindMove       = "move"
	KindDelete     = "delete"
	KindTrash      = "trash"
	KindEmptyTrash = "empty_trash"
)

// TrashDirName is the per-drive trash folder at the drive root.
const TrashDirName = "Trash"

// largeFileThreshold is the size above which a single-file operation is
// scheduled in the background instead of running inline.
const largeFileThreshold = 100 * 1024 * 1024

// FileOpRequest is the payload for all file operation kinds. NewPath and
// ConflictPolicy apply only to copy/move.
type FileOpRequest struct {
	OldPath        string `json:"oldPath"`
	NewPath        string `json:"newPath,omitempty"`
	ConflictPolicy string `json:"conflictPolicy,omitempty"`
}

type fileOpProgress struct {
	FilesProcessed int `json:"filesProcessed"`
}

// FileOpsHandler executes copy/move/delete/trash/empty-trash. All operations
// are idempotent against partial prior runs: re-running tolerates
// destinations that already exist and sources already gone.
type FileOpsHandler struct {
	fs        *nativefs.FS
	converter *drives.PathConverter
}

func NewFileOpsHandler(fs *nativefs.FS, converter *drives.PathConverter) *FileOpsHandler {
	return &FileOpsHandler{fs: fs, converter: converter}
}

func (h *FileOpsHandler) CanHandle(kind string, _ json.RawMessage) bool {
	switch kind {
	case KindCopy, KindMove, KindDelete, KindTrash, KindEmptyTrash:
		return true
	default:
		return false
	}
}

func (h *FileOpsHandler) Requirements(kind string, request json.RawMessage) (Requirements, error) {
	req, err := h.parse(request)
	if err != nil {
		return Requirements{}, err
	}

	if kind == KindEmptyTrash {
		return Requirements{ScheduleInBackground: true}, nil
	}

	physical, err := h.converter.VirtualToPhysical(req.OldPath)
	if err != nil {
		return Requirements{}, err
	}

	info, err := h.fs.Stat(physical)
	if err != nil {
		// Let Execute surface the real error.
		return Requirements{}, nil
	}

	// Directory copies and deletes can touch an unbounded number of files,
	// and big file copies take a while to stream; those go to the
	// background. Moves and trashes are renames, so they stay inline.
	background := info.Type == nativefs.FileTypeDirectory && (kind == KindCopy || kind == KindDelete)
	if kind == KindCopy && info.Type == nativefs.FileTypeFile && info.Size > largeFileThreshold {
		background = true
	}

	return Requirements{ScheduleInBackground: background}, nil
}

func (h *FileOpsHandler) parse(request json.RawMessage) (*FileOpRequest, error) {
	var req FileOpRequest
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fserr.BadRequest("malformed file operation request")
	}
	if req.OldPath == "" {
		return nil, fserr.BadRequest("missing path")
	}

	return &req, nil
}

func (h *FileOpsHandler) policy(req *FileOpRequest) (nativefs.ConflictPolicy, error) {
	if req.ConflictPolicy == "" {
		return nativefs.PolicyReject, nil
	}

	return nativefs.ParseConflictPolicy(req.ConflictPolicy)
}

func (h *FileOpsHandler) Execute(task *Task) error {
	req, err := h.parse(task.Request)
	if err != nil {
		return err
	}

	switch task.Kind {
	case KindCopy:
		return h.executeCopy(task, req)
	case KindMove:
		return h.executeMove(task, req)
	case KindDelete:
		return h.executeDelete(req)
	case KindTrash:
		return h.executeTrash(req)
	case KindEmptyTrash:
		return h.executeEmptyTrash(req)
	default:
		return fserr.Internalf("unhandled task kind %q", task.Kind)
	}
}

func (h *FileOpsHandler) executeCopy(task *Task, req *FileOpRequest) error {
	policy, err := h.policy(req)
	if err != nil {
		return err
	}

	source, err := h.converter.VirtualToPhysical(req.OldPath)
	if err != nil {
		return err
	}
	destination, err := h.converter.VirtualToPhysical(req.NewPath)
	if err != nil {
		return err
	}

	progress := &fileOpProgress{}
	return h.copyTree(task, source, destination, policy, progress)
}

func (h *FileOpsHandler) copyTree(task *Task, source, destination string, policy nativefs.ConflictPolicy, progress *fileOpProgress) error {
	result, err := h.fs.Copy(source, destination, policy, nil)
	if err != nil {
		return err
	}

	progress.FilesProcessed++
	if progress.FilesProcessed%100 == 0 {
		task.SaveProgress(progress)
	}

	if result.Outcome != nativefs.CreatedDirectory {
		return nil
	}

	children, err := h.fs.ListFiles(source)
	if err != nil {
		return err
	}

	for _, child := range children {
		err := h.copyTree(task, filepath.Join(source, child), filepath.Join(result.FinalPath, child), policy, progress)
		if err != nil {
			return err
		}
	}

	return nil
}

func (h *FileOpsHandler) executeMove(task *Task, req *FileOpRequest) error {
	policy, err := h.policy(req)
	if err != nil {
		return err
	}

	source, err := h.converter.VirtualToPhysical(req.OldPath)
	if err != nil {
		return err
	}
	destination, err := h.converter.VirtualToPhysical(req.NewPath)
	if err != nil {
		return err
	}

	return h.moveTree(task, source, destination, policy)
}

// moveTree renames where it can and merges recursively where the native
// layer signals that the destination directory already exists. Each child
// gets the same conflict policy the caller asked for.
func (h *FileOpsHandler) moveTree(task *Task, source, destination string, policy nativefs.ConflictPolicy) error {
	result, finalPath, err := h.fs.Move(source, destination, policy)
	if err != nil {
		return err
	}
	if result != nativefs.MoveShouldContinue {
		return nil
	}

	children, err := h.fs.ListFiles(source)
	if err != nil {
		return err
	}

	for _, child := range children {
		err := h.moveTree(task, filepath.Join(source, child), filepath.Join(finalPath, child), policy)
		if err != nil {
			return err
		}
	}

	// The merge emptied the source directory; remove the leftover shell.
	if err := h.fs.Delete(source, false); err != nil {
		log.Debugf("merge left %s behind: %s", source, err)
	}

	return nil
}

func (h *FileOpsHandler) executeDelete(req *FileOpRequest) error {
	physical, err := h.converter.VirtualToPhysical(req.OldPath)
	if err != nil {
		return err
	}

	err = h.fs.Delete(physical, true)
	if fserr.IsNotFound(err) {
		// Already gone; a retried delete is a success.
		return nil
	}

	return err
}

func (h *FileOpsHandler) executeTrash(req *FileOpRequest) error {
	id, rel, err := drives.ParseVirtual(req.OldPath)
	if err != nil {
		return err
	}
	if rel == "" || rel == TrashDirName {
		return fserr.BadRequest("cannot trash this file")
	}

	trashVirtual := drives.JoinVirtual(id, TrashDirName)
	trashPhysical, err := h.converter.VirtualToPhysical(trashVirtual)
	if err != nil {
		return err
	}
	if err := h.fs.CreateDirectories(trashPhysical, nil); err != nil {
		return err
	}

	source, err := h.converter.VirtualToPhysical(req.OldPath)
	if err != nil {
		return err
	}

	_, _, err = h.fs.Move(source, filepath.Join(trashPhysical, filepath.Base(rel)), nativefs.PolicyRename)
	if fserr.IsNotFound(err) {
		return nil
	}

	return err
}

func (h *FileOpsHandler) executeEmptyTrash(req *FileOpRequest) error {
	id, rel, err := drives.ParseVirtual(req.OldPath)
	if err != nil {
		return err
	}
	if rel != TrashDirName {
		return fserr.BadRequest("not a trash folder")
	}

	trashPhysical, err := h.converter.VirtualToPhysical(drives.JoinVirtual(id, TrashDirName))
	if err != nil {
		return err
	}

	children, err := h.fs.ListFiles(trashPhysical)
	if fserr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, child := range children {
		if err := h.fs.Delete(filepath.Join(trashPhysical, child), true); err != nil && !fserr.IsNotFound(err) {
			return err
		}
	}

	return nil
}
