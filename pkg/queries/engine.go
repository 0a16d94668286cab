package queries

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/nativefs"
)

const (
	// SensitivityAttr is the xattr carrying a file's explicit sensitivity
	// level. The value "inherit" defers to the parent.
	SensitivityAttr = "user.sensitivity"

	// listingCacheTTL bounds how long a pagination snapshot stays valid.
	listingCacheTTL = 5 * time.Minute

	// maxFilesForSorting caps the directory size for which non-path sort
	// orders are honored. Larger directories silently fall back to path
	// order so a single browse can't stat an unbounded number of entries.
	maxFilesForSorting = 25_000

	defaultItemsPerPage = 50
	maxItemsPerPage     = 250
)

type SortBy string

const (
	SortByPath       SortBy = "PATH"
	SortBySize       SortBy = "SIZE"
	SortByModifiedAt SortBy = "MODIFIED_AT"
)

type SortOrder string

const (
	SortAscending  SortOrder = "ASCENDING"
	SortDescending SortOrder = "DESCENDING"
)

// FileEntry is one name in a listing, decorated with the metadata the
// platform renders.
type FileEntry struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	Type        nativefs.FileType `json:"type"`
	Size        int64             `json:"size"`
	ModifiedAt  time.Time         `json:"modifiedAt"`
	Mode        uint32            `json:"mode"`
	Sensitivity string            `json:"sensitivity,omitempty"`
	Icon        string            `json:"icon,omitempty"`
}

// Engine answers directory listing and single-file lookups over the virtual
// namespace.
type Engine struct {
	fs        *nativefs.FS
	converter *drives.PathConverter
	listings  *expirable.LRU[string, []string]
}

func NewEngine(fs *nativefs.FS, converter *drives.PathConverter) *Engine {
	return &Engine{
		fs:        fs,
		converter: converter,
		listings:  expirable.NewLRU[string, []string](1024, nil, listingCacheTTL),
	}
}

// Retrieve stats one virtual path and returns its entry.
func (e *Engine) Retrieve(virtualPath string) (*FileEntry, error) {
	physical, err := e.converter.VirtualToPhysical(virtualPath)
	if err != nil {
		return nil, err
	}

	info, err := e.fs.Stat(physical)
	if err != nil {
		return nil, err
	}

	entry := e.entryFromInfo(virtualPath, physical, info)
	return &entry, nil
}

func (e *Engine) entryFromInfo(virtualPath, physical string, info *nativefs.FileInfo) FileEntry {
	entry := FileEntry{
		Name:       filepath.Base(virtualPath),
		Path:       virtualPath,
		Type:       info.Type,
		Size:       info.Size,
		ModifiedAt: info.ModTime,
		Mode:       info.Mode,
		Icon:       iconFor(virtualPath, info.Type),
	}

	if sensitivity, ok := e.effectiveSensitivity(virtualPath, physical); ok {
		entry.Sensitivity = sensitivity
	}

	return entry
}

// effectiveSensitivity walks from the file up to the drive root and returns
// the nearest explicitly set, non-"inherit" sensitivity.
func (e *Engine) effectiveSensitivity(virtualPath, physical string) (string, bool) {
	_, rel, err := drives.ParseVirtual(virtualPath)
	if err != nil {
		return "", false
	}

	// Depth of the file below the drive root bounds the walk; going higher
	// would leave the drive.
	steps := 0
	if rel != "" {
		steps = len(strings.Split(rel, "/"))
	}

	current := physical
	for i := 0; i <= steps; i++ {
		value, ok, err := e.fs.GetExtendedAttribute(current, SensitivityAttr)
		if err == nil && ok && value != "inherit" {
			return value, true
		}
		current = filepath.Dir(current)
	}

	return "", false
}

// iconFor marks the structural folders the platform renders specially: the
// trash folder and the per-user jobs folder at a drive root.
func iconFor(virtualPath string, fileType nativefs.FileType) string {
	if fileType != nativefs.FileTypeDirectory {
		return ""
	}

	_, rel, err := drives.ParseVirtual(virtualPath)
	if err != nil {
		return ""
	}

	switch rel {
	case "Trash":
		return "DIRECTORY_TRASH"
	case "Jobs":
		return "DIRECTORY_JOBS"
	default:
		return ""
	}
}
