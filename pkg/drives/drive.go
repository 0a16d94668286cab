package drives

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/stordb/model"
)

// PlaceholderID marks a drive whose virtual id hasn't been assigned by the
// control plane yet.
const PlaceholderID int64 = -1

type Type string

const (
	TypePersonalWorkspace  Type = model.DriveTypePersonalWorkspace
	TypeProjectRepository  Type = model.DriveTypeProjectRepository
	TypeProjectMemberFiles Type = model.DriveTypeProjectMemberFiles
	TypeCollection         Type = model.DriveTypeCollection
	TypeShare              Type = model.DriveTypeShare
)

// Drive is a typed virtual storage root. Which fields are meaningful depends
// on Type: PersonalWorkspace uses Username; ProjectRepository uses Project
// and Repository; ProjectMemberFiles uses Project and Username; Collection
// carries nothing beyond its id; Share uses ShareID.
type Drive struct {
	CollectionID      int64  `json:"collectionId"`
	Type              Type   `json:"type"`
	Username          string `json:"username,omitempty"`
	Project           string `json:"project,omitempty"`
	Repository        string `json:"repository,omitempty"`
	ShareID           string `json:"shareId,omitempty"`
	System            string `json:"system"`
	InMaintenanceMode bool   `json:"inMaintenanceMode"`

	// Billing owner, recorded at registration time. Project drives ignore
	// these and bill to Project.
	OwnedByUser    string `json:"ownedByUser,omitempty"`
	OwnedByProject string `json:"ownedByProject,omitempty"`
}

func PersonalWorkspace(username string) *Drive {
	return &Drive{CollectionID: PlaceholderID, Type: TypePersonalWorkspace, Username: username}
}

func ProjectRepository(project, repository string) *Drive {
	return &Drive{CollectionID: PlaceholderID, Type: TypeProjectRepository, Project: project, Repository: repository}
}

func ProjectMemberFiles(project, username string) *Drive {
	return &Drive{CollectionID: PlaceholderID, Type: TypeProjectMemberFiles, Project: project, Username: username}
}

func Collection(collectionID int64) *Drive {
	return &Drive{CollectionID: collectionID, Type: TypeCollection}
}

func Share(shareID string) *Drive {
	return &Drive{CollectionID: PlaceholderID, Type: TypeShare, ShareID: shareID}
}

// ProviderID returns the provider-facing string encoding used for idempotent
// re-registration. Collection drives have no encoding; the second return is
// false for them.
func (d *Drive) ProviderID() (string, bool) {
	switch d.Type {
	case TypePersonalWorkspace:
		return "h-" + d.Username, true
	case TypeProjectRepository:
		return "p-" + d.Project + "/" + d.Repository, true
	case TypeProjectMemberFiles:
		return "pm-" + d.Project + "/" + d.Username, true
	case TypeShare:
		return "s-" + d.ShareID, true
	default:
		return "", false
	}
}

// ParseProviderID decodes a provider-generated id back into a drive with a
// placeholder virtual id.
func ParseProviderID(providerID string) (*Drive, error) {
	switch {
	case strings.HasPrefix(providerID, "h-"):
		return PersonalWorkspace(strings.TrimPrefix(providerID, "h-")), nil

	case strings.HasPrefix(providerID, "pm-"):
		rest := strings.TrimPrefix(providerID, "pm-")
		project, username, ok := strings.Cut(rest, "/")
		if !ok || project == "" || username == "" {
			return nil, fserr.BadRequest(fmt.Sprintf("malformed provider id %q", providerID))
		}
		return ProjectMemberFiles(project, username), nil

	case strings.HasPrefix(providerID, "p-"):
		rest := strings.TrimPrefix(providerID, "p-")
		project, repository, ok := strings.Cut(rest, "/")
		if !ok || project == "" || repository == "" {
			return nil, fserr.BadRequest(fmt.Sprintf("malformed provider id %q", providerID))
		}
		return ProjectRepository(project, repository), nil

	case strings.HasPrefix(providerID, "s-"):
		return Share(strings.TrimPrefix(providerID, "s-")), nil

	default:
		return nil, fserr.BadRequest(fmt.Sprintf("malformed provider id %q", providerID))
	}
}

// Title is the human-facing name given to the drive at registration time.
func (d *Drive) Title() string {
	switch d.Type {
	case TypePersonalWorkspace:
		return "Home"
	case TypeProjectRepository:
		return d.Repository
	case TypeProjectMemberFiles:
		return "Member Files: " + d.Username
	case TypeShare:
		return "Share: " + d.ShareID
	default:
		return fmt.Sprintf("Collection %d", d.CollectionID)
	}
}

// RelativeRoot is the drive root's path below the backing system's mount
// point. Share drives have no root of their own; their subtree lives under
// the target drive's root.
func (d *Drive) RelativeRoot() (string, bool) {
	switch d.Type {
	case TypePersonalWorkspace:
		return filepath.Join("home", d.Username), true
	case TypeProjectRepository:
		return filepath.Join("projects", d.Project, d.Repository), true
	case TypeProjectMemberFiles:
		return filepath.Join("projects", d.Project, MemberFilesDirName, d.Username), true
	case TypeCollection:
		return filepath.Join("collections", strconv.FormatInt(d.CollectionID, 10)), true
	default:
		return "", false
	}
}

// sharesSystemWithProject reports whether registering this drive must use
// the same backing system every other drive of its project uses.
func (d *Drive) sharesSystemWithProject() bool {
	return d.Type == TypeProjectRepository || d.Type == TypeProjectMemberFiles
}

func (d *Drive) localReference() string {
	switch d.Type {
	case TypePersonalWorkspace, TypeProjectMemberFiles:
		return d.Username
	case TypeProjectRepository:
		return d.Repository
	case TypeShare:
		return d.ShareID
	default:
		return strconv.FormatInt(d.CollectionID, 10)
	}
}

func (d *Drive) projectOrNil() *string {
	if d.Project == "" {
		return nil
	}
	p := d.Project
	return &p
}

// BillingOwner returns who pays for this drive's capacity. Project drives
// bill to their project, personal workspaces to their user, and collections
// to whoever they were registered for. Shares own no bytes of their own;
// the second return is false when there is nobody to bill.
func (d *Drive) BillingOwner() (username, project string, ok bool) {
	switch d.Type {
	case TypeProjectRepository, TypeProjectMemberFiles:
		return "", d.Project, true
	case TypePersonalWorkspace:
		return d.Username, "", true
	case TypeCollection:
		switch {
		case d.OwnedByProject != "":
			return "", d.OwnedByProject, true
		case d.OwnedByUser != "":
			return d.OwnedByUser, "", true
		}
	}

	return "", "", false
}

func (d *Drive) toModel() *model.Drive {
	return &model.Drive{
		CollectionID:      d.CollectionID,
		LocalReference:    d.localReference(),
		Project:           d.projectOrNil(),
		Type:              string(d.Type),
		System:            d.System,
		InMaintenanceMode: d.InMaintenanceMode,
		OwnedByUser:       optionalString(d.OwnedByUser),
		OwnedByProject:    optionalString(d.OwnedByProject),
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func driveFromModel(m *model.Drive) *Drive {
	d := &Drive{
		CollectionID:      m.CollectionID,
		Type:              Type(m.Type),
		System:            m.System,
		InMaintenanceMode: m.InMaintenanceMode,
	}

	if m.Project != nil {
		d.Project = *m.Project
	}
	if m.OwnedByUser != nil {
		d.OwnedByUser = *m.OwnedByUser
	}
	if m.OwnedByProject != nil {
		d.OwnedByProject = *m.OwnedByProject
	}

	switch d.Type {
	case TypePersonalWorkspace, TypeProjectMemberFiles:
		d.Username = m.LocalReference
	case TypeProjectRepository:
		d.Repository = m.LocalReference
	case TypeShare:
		d.ShareID = m.LocalReference
	}

	return d
}
