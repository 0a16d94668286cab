package webapi

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/fserr"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/transfer"
)

// DownloadController streams file contents. Single byte ranges are honored
// with 206 responses; everything else gets the whole file.
type DownloadController struct {
	fs        *nativefs.FS
	converter *drives.PathConverter
}

func NewDownloadController(fs *nativefs.FS, converter *drives.PathConverter) *DownloadController {
	return &DownloadController{fs: fs, converter: converter}
}

func (c *DownloadController) Download(ctx echo.Context) error {
	virtualPath := ctx.QueryParam("path")
	if virtualPath == "" {
		return fserr.BadRequest("path is required")
	}

	physical, err := c.converter.VirtualToPhysical(virtualPath)
	if err != nil {
		return err
	}

	info, err := c.fs.Stat(physical)
	if err != nil {
		return err
	}
	if info.Type != nativefs.FileTypeFile {
		return fserr.IsDirectoryConflict()
	}

	f, err := c.fs.OpenForReading(physical)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	resp := ctx.Response()
	filename := transfer.SanitizeFilename(filepath.Base(virtualPath))
	resp.Header().Set(echo.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	resp.Header().Set("Accept-Ranges", "bytes")
	resp.Header().Set(echo.HeaderContentType, "application/octet-stream")

	byteRange, partial := transfer.ParseRangeHeader(ctx.Request().Header.Get("Range"), info.Size)
	if !partial {
		resp.Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", info.Size))
		resp.WriteHeader(http.StatusOK)
		_, err = io.Copy(resp, f)
		return err
	}

	if _, err := f.Seek(byteRange.Start, io.SeekStart); err != nil {
		return fserr.Internalf("seeking %s: %s", virtualPath, err)
	}

	resp.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", byteRange.Start, byteRange.End, info.Size))
	resp.Header().Set(echo.HeaderContentLength, fmt.Sprintf("%d", byteRange.Length()))
	resp.WriteHeader(http.StatusPartialContent)
	_, err = io.CopyN(resp, f, byteRange.Length())
	return err
}
