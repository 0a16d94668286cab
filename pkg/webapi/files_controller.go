package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/queries"
	"github.com/strandcloud/strand/pkg/tasks"
	"github.com/strandcloud/strand/pkg/usage"
)

// FilesController serves the synchronous file surface: browsing, retrieval,
// folder creation, and submission of the mutating file operations. Slow
// mutations come back as task handles rather than blocking the request.
type FilesController struct {
	engine    *queries.Engine
	fs        *nativefs.FS
	converter *drives.PathConverter
	locator   *drives.Locator
	tasks     *tasks.System
	limits    *usage.LimitChecker
}

func NewFilesController(engine *queries.Engine, fs *nativefs.FS, converter *drives.PathConverter, locator *drives.Locator, taskSystem *tasks.System, limits *usage.LimitChecker) *FilesController {
	return &FilesController{
		engine:    engine,
		fs:        fs,
		converter: converter,
		locator:   locator,
		tasks:     taskSystem,
		limits:    limits,
	}
}

func (c *FilesController) Browse(ctx echo.Context) error {
	var req queries.BrowseRequest
	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed browse request")
	}

	result, err := c.engine.Browse(req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, result)
}

func (c *FilesController) Retrieve(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	if path == "" {
		return fserr.BadRequest("path is required")
	}

	entry, err := c.engine.Retrieve(path)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, entry)
}

func (c *FilesController) CreateFolder(ctx echo.Context) error {
	var req struct {
		Path           string `json:"path"`
		ConflictPolicy string `json:"conflictPolicy"`
	}

	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed create folder request")
	}

	policy, err := parsePolicy(req.ConflictPolicy)
	if err != nil {
		return err
	}

	physical, err := c.checkWritable(req.Path)
	if err != nil {
		return err
	}

	finalPath, err := c.fs.CreateDirectory(physical, policy, nil)
	if err != nil {
		return err
	}

	finalVirtual, err := c.converter.PhysicalToVirtual(finalPath)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, map[string]string{"path": finalVirtual})
}

func (c *FilesController) Move(ctx echo.Context) error {
	return c.submitFileOp(ctx, tasks.KindMove)
}

func (c *FilesController) Copy(ctx echo.Context) error {
	return c.submitFileOp(ctx, tasks.KindCopy)
}

func (c *FilesController) Delete(ctx echo.Context) error {
	return c.submitFileOp(ctx, tasks.KindDelete)
}

func (c *FilesController) Trash(ctx echo.Context) error {
	return c.submitFileOp(ctx, tasks.KindTrash)
}

func (c *FilesController) EmptyTrash(ctx echo.Context) error {
	return c.submitFileOp(ctx, tasks.KindEmptyTrash)
}

func (c *FilesController) submitFileOp(ctx echo.Context, kind string) error {
	var req tasks.FileOpRequest
	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed file operation request")
	}

	// Copy and move consume capacity at the destination, so they respect
	// quota locks. Deletions are always allowed; freeing space is how a
	// locked owner gets unlocked.
	if kind == tasks.KindCopy || kind == tasks.KindMove {
		if _, err := c.checkWritable(req.NewPath); err != nil {
			return err
		}
	}
	if err := c.checkNotInMaintenance(req.OldPath); err != nil {
		return err
	}

	result, err := c.tasks.Submit(kind, &req)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, result)
}

// checkWritable resolves the path's drive and fails with Maintenance or
// QuotaExceeded before any write proceeds. Returns the physical path.
func (c *FilesController) checkWritable(virtualPath string) (string, error) {
	if virtualPath == "" {
		return "", fserr.BadRequest("path is required")
	}

	drive, err := c.converter.ResolveDrive(virtualPath)
	if err != nil {
		return "", err
	}
	if err := c.locator.RequireWritable(drive); err != nil {
		return "", err
	}
	if err := c.limits.CheckLimit(drive.CollectionID); err != nil {
		return "", err
	}

	return c.converter.VirtualToPhysical(virtualPath)
}

// parsePolicy defaults an absent policy to REJECT, the safe choice.
func parsePolicy(s string) (nativefs.ConflictPolicy, error) {
	if s == "" {
		return nativefs.PolicyReject, nil
	}

	return nativefs.ParseConflictPolicy(s)
}

func (c *FilesController) checkNotInMaintenance(virtualPath string) error {
	if virtualPath == "" {
		return fserr.BadRequest("path is required")
	}

	drive, err := c.converter.ResolveDrive(virtualPath)
	if err != nil {
		return err
	}

	return c.locator.RequireWritable(drive)
}
