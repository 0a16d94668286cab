package drives

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/fserr"
)

const shareTargetTTL = time.Minute

// PathConverter translates between the tenant-facing virtual namespace
// ("/<driveId>/relative...") and physical paths on the backing mounts. Share
// drives add one level of indirection: their subtree is a window into
// another drive's tree, resolved through the control plane and cached
// briefly.
type PathConverter struct {
	locator      *Locator
	client       ctrl.Client
	shareTargets *expirable.LRU[string, string]
}

func NewPathConverter(locator *Locator, client ctrl.Client) *PathConverter {
	return &PathConverter{
		locator:      locator,
		client:       client,
		shareTargets: expirable.NewLRU[string, string](512, nil, shareTargetTTL),
	}
}

// ParseVirtual splits a virtual path into its drive id and drive-relative
// remainder. The remainder is empty for the drive root.
func ParseVirtual(virtualPath string) (int64, string, error) {
	cleaned := filepath.Clean("/" + virtualPath)
	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed == "" {
		return 0, "", fserr.BadRequest("empty virtual path")
	}

	idPart, rel, _ := strings.Cut(trimmed, "/")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, "", fserr.BadRequest(fmt.Sprintf("malformed virtual path %q", virtualPath))
	}

	// Clean already collapsed any "..", but a leading one escapes the
	// drive entirely.
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return 0, "", fserr.BadRequest(fmt.Sprintf("malformed virtual path %q", virtualPath))
	}

	return id, rel, nil
}

// JoinVirtual builds a virtual path from a drive id and relative components.
func JoinVirtual(collectionID int64, components ...string) string {
	parts := append([]string{"/", strconv.FormatInt(collectionID, 10)}, components...)
	return filepath.Join(parts...)
}

// ResolveDrive resolves the drive a virtual path lives on.
func (p *PathConverter) ResolveDrive(virtualPath string) (*Drive, error) {
	id, _, err := ParseVirtual(virtualPath)
	if err != nil {
		return nil, err
	}

	return p.locator.ResolveDrive(id)
}

// VirtualToPhysical resolves a virtual path to the physical path it denotes.
// Share indirection is followed exactly once; a share pointing at another
// share is a registry error.
func (p *PathConverter) VirtualToPhysical(virtualPath string) (string, error) {
	return p.virtualToPhysical(virtualPath, true)
}

func (p *PathConverter) virtualToPhysical(virtualPath string, followShares bool) (string, error) {
	id, rel, err := ParseVirtual(virtualPath)
	if err != nil {
		return "", err
	}

	drive, err := p.locator.ResolveDrive(id)
	if err != nil {
		return "", err
	}

	if drive.Type == TypeShare {
		if !followShares {
			return "", fserr.Internalf("share %s points at another share", drive.ShareID)
		}

		target, err := p.shareTarget(drive.ShareID)
		if err != nil {
			return "", err
		}

		return p.virtualToPhysical(filepath.Join(target, rel), false)
	}

	system, err := p.locator.System(drive)
	if err != nil {
		return "", err
	}

	root, _ := drive.RelativeRoot()
	return filepath.Join(system.MountPath, root, rel), nil
}

func (p *PathConverter) shareTarget(shareID string) (string, error) {
	if target, ok := p.shareTargets.Get(shareID); ok {
		return target, nil
	}

	target, err := p.client.ResolveShare(shareID)
	if err != nil {
		return "", fserr.Internalf("resolving share %s: %s", shareID, err)
	}

	p.shareTargets.Add(shareID, target)
	return target, nil
}

// PhysicalToVirtual is the reverse mapping, used to report caller-facing
// paths in errors and task progress. Paths that don't map to a registered
// drive fail NotFound.
func (p *PathConverter) PhysicalToVirtual(physicalPath string) (string, error) {
	drive, err := p.locator.ResolveByPhysicalPath(physicalPath)
	if err != nil {
		return "", err
	}

	_, rest, ok := p.locator.matchMount(physicalPath)
	if !ok {
		return "", fserr.NotFound("unknown")
	}

	root, _ := drive.RelativeRoot()
	rel := strings.TrimPrefix(strings.TrimPrefix(rest, root), "/")

	if rel == "" {
		return JoinVirtual(drive.CollectionID), nil
	}

	return JoinVirtual(drive.CollectionID, rel), nil
}
