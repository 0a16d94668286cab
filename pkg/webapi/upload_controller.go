package webapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/transfer"
	"github.com/strandcloud/strand/pkg/usage"
)

// UploadController receives chunked uploads. Chunks for one target path all
// funnel through the process-wide handle pool; the part file becomes the
// real file on close.
type UploadController struct {
	pool      *transfer.HandlePool
	converter *drives.PathConverter
	locator   *drives.Locator
	limits    *usage.LimitChecker
}

func NewUploadController(pool *transfer.HandlePool, converter *drives.PathConverter, locator *drives.Locator, limits *usage.LimitChecker) *UploadController {
	return &UploadController{
		pool:      pool,
		converter: converter,
		locator:   locator,
		limits:    limits,
	}
}

// CreateUpload validates the target before the first chunk arrives, so a
// client learns about quota or maintenance problems up front rather than
// megabytes in.
func (c *UploadController) CreateUpload(ctx echo.Context) error {
	var req struct {
		Path           string `json:"path"`
		ConflictPolicy string `json:"conflictPolicy"`
	}

	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed create upload request")
	}

	if _, err := parsePolicy(req.ConflictPolicy); err != nil {
		return err
	}

	if err := c.checkWritable(req.Path); err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, map[string]string{"path": req.Path})
}

// UploadChunk writes one chunk of the request body at the given offset.
func (c *UploadController) UploadChunk(ctx echo.Context) error {
	path := ctx.QueryParam("path")
	if path == "" {
		return fserr.BadRequest("path is required")
	}

	offset, err := strconv.ParseInt(ctx.QueryParam("offset"), 10, 64)
	if err != nil || offset < 0 {
		return fserr.BadRequest("invalid offset")
	}

	if err := c.checkWritable(path); err != nil {
		return err
	}

	physical, err := c.converter.VirtualToPhysical(path)
	if err != nil {
		return err
	}

	written, err := c.pool.WriteChunk(physical, offset, ctx.Request().Body)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusOK, map[string]int64{"bytesWritten": written})
}

// CloseUpload renames the part file into place under the conflict policy.
// A close that races a chunk still in flight reports closed=false; the
// client retries once the chunk finishes.
func (c *UploadController) CloseUpload(ctx echo.Context) error {
	var req struct {
		Path           string `json:"path"`
		ConflictPolicy string `json:"conflictPolicy"`
	}

	if err := ctx.Bind(&req); err != nil {
		return fserr.BadRequest("malformed close upload request")
	}

	policy, err := parsePolicy(req.ConflictPolicy)
	if err != nil {
		return err
	}

	physical, err := c.converter.VirtualToPhysical(req.Path)
	if err != nil {
		return err
	}

	finalPath, closed, err := c.pool.Close(physical, policy)
	if err != nil {
		return err
	}

	resp := map[string]interface{}{"closed": closed}
	if closed {
		finalVirtual, err := c.converter.PhysicalToVirtual(finalPath)
		if err != nil {
			return err
		}
		resp["path"] = finalVirtual
	}

	return ctx.JSON(http.StatusOK, resp)
}

func (c *UploadController) checkWritable(virtualPath string) error {
	drive, err := c.converter.ResolveDrive(virtualPath)
	if err != nil {
		return err
	}
	if err := c.locator.RequireWritable(drive); err != nil {
		return err
	}

	return c.limits.CheckLimit(drive.CollectionID)
}
