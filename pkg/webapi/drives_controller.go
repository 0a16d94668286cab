package webapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
)

// DrivesController handles the drive lifecycle calls the control plane
// makes: registration, enumeration, maintenance toggles and system
// migration.
type DrivesController struct {
	locator   *drives.Locator
	converter *drives.PathConverter
	fs        *nativefs.FS
}

func NewDrivesController(locator *drives.Locator, converter *drives.PathConverter, fs *nativefs.FS) *DrivesController {
	return &DrivesController{locator: locator, converter: converter, fs: fs}
}

type registerDriveRequest struct {
	Type           string  `json:"type"`
	Title          string  `json:"title"`
	Username       string  `json:"username"`
	Project        string  `json:"project"`
	Repository     string  `json:"repository"`
	ShareID        string  `json:"shareId"`
	OwnedByProject *string `json:"ownedByProject,omitempty"`
	CreatedByUser  *string `json:"createdByUser,omitempty"`
}

func (req *registerDriveRequest) toDrive() (*drives.Drive, error) {
	switch drives.Type(req.Type) {
	case drives.TypePersonalWorkspace:
		if req.Username == "" {
			return nil, fserr.BadRequest("username is required")
		}
		return drives.PersonalWorkspace(req.Username), nil

	case drives.TypeProjectRepository:
		if req.Project == "" || req.Repository == "" {
			return nil, fserr.BadRequest("project and repository are required")
		}
		return drives.ProjectRepository(req.Project, req.Repository), nil

	case drives.TypeProjectMemberFiles:
		if req.Project == "" || req.Username == "" {
			return nil, fserr.BadRequest("project and username are required")
		}
		return drives.ProjectMemberFiles(req.Project, req.Username), nil

	case drives.TypeCollection:
		return drives.Collection(drives.PlaceholderID), nil

	case drives.TypeShare:
		if req.ShareID == "" {
			return nil, fserr.BadRequest("shareId is required")
		}
		return drives.Share(req.ShareID), nil

	default:
		return nil, fserr.BadRequest("unknown drive type")
	}
}

// Register registers the drive and creates its physical root. Registering
// the same drive again returns the same virtual id.
func (c *DrivesController) Register(ctx echo.Context) error {
	var req registerDriveRequest
	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed drive registration")
	}

	drive, err := req.toDrive()
	if err != nil {
		return err
	}

	registered, err := c.locator.Register(req.Title, drive, req.OwnedByProject, req.CreatedByUser)
	if err != nil {
		return err
	}

	// Share drives point into another drive's subtree and have no root of
	// their own.
	if _, hasRoot := registered.RelativeRoot(); hasRoot {
		physical, err := c.converter.VirtualToPhysical(drives.JoinVirtual(registered.CollectionID))
		if err != nil {
			return err
		}
		if err := c.fs.CreateDirectories(physical, nil); err != nil {
			return err
		}
	}

	return ctx.JSON(http.StatusOK, registered)
}

func (c *DrivesController) Enumerate(ctx echo.Context) error {
	filterType := drives.Type(ctx.QueryParam("type"))

	cursor := int64(0)
	if next := ctx.QueryParam("next"); next != "" {
		parsed, err := strconv.ParseInt(next, 10, 64)
		if err != nil {
			return fserr.BadRequest("invalid cursor")
		}
		cursor = parsed
	}

	page, nextCursor, err := c.locator.EnumerateDrives(filterType, cursor)
	if err != nil {
		return err
	}

	resp := map[string]interface{}{"items": page}
	if nextCursor != 0 {
		resp["next"] = strconv.FormatInt(nextCursor, 10)
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (c *DrivesController) SetMaintenance(ctx echo.Context) error {
	var req struct {
		CollectionIDs []int64 `json:"collectionIds"`
		Maintenance   bool    `json:"maintenance"`
	}

	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed maintenance request")
	}

	if err := c.locator.SetMaintenanceMode(req.CollectionIDs, req.Maintenance); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}

// MigrateSystem repoints every drive of a project at a different backing
// system. All of the project's drives must already be in maintenance mode.
func (c *DrivesController) MigrateSystem(ctx echo.Context) error {
	var req struct {
		Project string `json:"project"`
		System  string `json:"system"`
	}

	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed migration request")
	}

	if err := c.locator.MigrateSystem(req.Project, req.System); err != nil {
		return err
	}

	return ctx.NoContent(http.StatusNoContent)
}
