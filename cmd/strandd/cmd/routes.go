package cmd

import (
	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/queries"
	"github.com/strandcloud/strand/pkg/tasks"
	"github.com/strandcloud/strand/pkg/transfer"
	"github.com/strandcloud/strand/pkg/usage"
	"github.com/strandcloud/strand/pkg/webapi"
	"github.com/strandcloud/strand/pkg/webapi/apimiddleware"
)

type RouteDeps struct {
	config    config.Configer
	logs      *webapi.LogController
	engine    *queries.Engine
	fs        *nativefs.FS
	converter *drives.PathConverter
	locator   *drives.Locator
	tasks     *tasks.System
	pool      *transfer.HandlePool
	limits    *usage.LimitChecker
}

func setupRoutes(e *echo.Echo, deps RouteDeps) {
	g := e.Group("/api")
	g.Use(apimiddleware.SharedSecretAuth(apimiddleware.SharedSecretConfig{
		Secret: deps.config.GetKeyWithDefault("STRAND_SHARED_SECRET", ""),
	}))

	filesController := webapi.NewFilesController(deps.engine, deps.fs, deps.converter, deps.locator, deps.tasks, deps.limits)
	g.POST("/files/browse", filesController.Browse)
	g.GET("/files/retrieve", filesController.Retrieve)
	g.POST("/files/folder", filesController.CreateFolder)
	g.POST("/files/move", filesController.Move)
	g.POST("/files/copy", filesController.Copy)
	g.POST("/files/delete", filesController.Delete)
	g.POST("/files/trash", filesController.Trash)
	g.POST("/files/empty-trash", filesController.EmptyTrash)

	uploadController := webapi.NewUploadController(deps.pool, deps.converter, deps.locator, deps.limits)
	g.POST("/files/upload", uploadController.CreateUpload)
	g.POST("/files/upload/chunk", uploadController.UploadChunk)
	g.POST("/files/upload/close", uploadController.CloseUpload)

	downloadController := webapi.NewDownloadController(deps.fs, deps.converter)
	g.GET("/files/download", downloadController.Download)

	drivesController := webapi.NewDrivesController(deps.locator, deps.converter, deps.fs)
	g.POST("/drives", drivesController.Register)
	g.GET("/drives", drivesController.Enumerate)
	g.POST("/drives/maintenance", drivesController.SetMaintenance)
	g.POST("/drives/migrate", drivesController.MigrateSystem)

	g.GET("/admin/logging", deps.logs.ShowLogging)
	g.POST("/admin/logging", deps.logs.SetLogging)
}
