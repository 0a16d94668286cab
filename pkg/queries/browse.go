package queries

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/hashicorp/go-uuid"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
)

type BrowseRequest struct {
	Path              string    `json:"path"`
	ItemsPerPage      int       `json:"itemsPerPage"`
	Next              string    `json:"next"`
	SortBy            SortBy    `json:"sortBy"`
	SortOrder         SortOrder `json:"sortOrder"`
	FilterHiddenFiles bool      `json:"filterHiddenFiles"`
}

type BrowseResult struct {
	Items []FileEntry `json:"items"`
	// Next is the continuation token for the following page, empty when the
	// listing is exhausted.
	Next string `json:"next,omitempty"`
}

// Browse returns one page of a directory listing. The continuation token
// pins the page boundaries to a snapshot of the sorted name list, so
// concurrent mutation of the directory can't shift entries between pages a
// client already fetched. Entries that vanish between pages are skipped.
func (e *Engine) Browse(req BrowseRequest) (*BrowseResult, error) {
	physical, err := e.converter.VirtualToPhysical(req.Path)
	if err != nil {
		return nil, err
	}

	itemsPerPage := req.ItemsPerPage
	if itemsPerPage <= 0 {
		itemsPerPage = defaultItemsPerPage
	}
	if itemsPerPage > maxItemsPerPage {
		itemsPerPage = maxItemsPerPage
	}

	offset := 0
	cacheKey := ""
	var names []string

	if req.Next != "" {
		offset, cacheKey, err = parseToken(req.Next)
		if err != nil {
			return nil, err
		}

		if cached, ok := e.listings.Get(cacheKey); ok {
			names = cached
		}
	}

	if names == nil {
		names, err = e.snapshotListing(physical, req)
		if err != nil {
			return nil, err
		}

		cacheKey, err = uuid.GenerateUUID()
		if err != nil {
			return nil, fserr.Internalf("generating listing key: %s", err)
		}
		e.listings.Add(cacheKey, names)
	}

	if offset > len(names) {
		offset = len(names)
	}

	items := make([]FileEntry, 0, itemsPerPage)
	consumed := 0
	skipped := 0

	for offset+consumed < len(names) && len(items) < itemsPerPage {
		name := names[offset+consumed]
		consumed++

		childPhysical := filepath.Join(physical, name)
		info, err := e.fs.Stat(childPhysical)
		if err != nil {
			// Deleted (or replaced by a symlink) since the snapshot.
			skipped++
			continue
		}

		childVirtual := filepath.Join(req.Path, name)
		items = append(items, e.entryFromInfo(childVirtual, childPhysical, info))
	}

	if len(items) == 0 && skipped > 0 {
		// Everything on the page vanished. If the parent itself is gone or
		// no longer a directory, tell the caller instead of returning a
		// quietly empty page.
		info, err := e.fs.Stat(physical)
		if err != nil {
			return nil, err
		}
		if info.Type != nativefs.FileTypeDirectory {
			return nil, fserr.IsDirectoryConflict()
		}
	}

	result := &BrowseResult{Items: items}
	if offset+consumed < len(names) {
		result.Next = fmt.Sprintf("%d_%s", offset+consumed, cacheKey)
	}

	return result, nil
}

// snapshotListing enumerates and sorts the directory's child names.
func (e *Engine) snapshotListing(physical string, req BrowseRequest) ([]string, error) {
	names, err := e.fs.ListFiles(physical)
	if err != nil {
		return nil, err
	}

	if req.FilterHiddenFiles {
		kept := names[:0]
		for _, name := range names {
			if !strings.HasPrefix(name, ".") {
				kept = append(kept, name)
			}
		}
		names = kept
	}

	sortBy := req.SortBy
	if sortBy != SortBySize && sortBy != SortByModifiedAt {
		sortBy = SortByPath
	}
	if sortBy != SortByPath && len(names) > maxFilesForSorting {
		log.Debugf("directory %s has %d entries, falling back to path order", physical, len(names))
		sortBy = SortByPath
	}

	descending := req.SortOrder == SortDescending

	switch sortBy {
	case SortByPath:
		sortNamesByPath(names, descending)

	default:
		// Size and mtime sorts need a stat per entry, taken once at
		// snapshot time. Entries that vanish mid-snapshot sort as zero.
		keys := make(map[string]int64, len(names))
		for _, name := range names {
			info, err := e.fs.Stat(filepath.Join(physical, name))
			if err != nil {
				continue
			}
			if sortBy == SortBySize {
				keys[name] = info.Size
			} else {
				keys[name] = info.ModTime.UnixNano()
			}
		}

		sort.SliceStable(names, func(i, j int) bool {
			a, b := keys[names[i]], keys[names[j]]
			if a == b {
				return caseInsensitiveLess(names[i], names[j])
			}
			if descending {
				return a > b
			}
			return a < b
		})
	}

	return names, nil
}

func sortNamesByPath(names []string, descending bool) {
	sort.SliceStable(names, func(i, j int) bool {
		if descending {
			return caseInsensitiveLess(names[j], names[i])
		}
		return caseInsensitiveLess(names[i], names[j])
	})
}

func caseInsensitiveLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	if la == lb {
		return a < b
	}
	return la < lb
}

func parseToken(token string) (int, string, error) {
	offsetPart, key, ok := strings.Cut(token, "_")
	if !ok {
		return 0, "", fserr.BadRequest(fmt.Sprintf("malformed continuation token %q", token))
	}

	offset, err := strconv.Atoi(offsetPart)
	if err != nil || offset < 0 {
		return 0, "", fserr.BadRequest(fmt.Sprintf("malformed continuation token %q", token))
	}

	return offset, key, nil
}
