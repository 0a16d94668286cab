package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"github.com/strandcloud/strand/pkg/config"
	"github.com/strandcloud/strand/pkg/ctrl"
	"github.com/strandcloud/strand/pkg/drives"
	"github.com/strandcloud/strand/pkg/nativefs"
	"github.com/strandcloud/strand/pkg/queries"
	"github.com/strandcloud/strand/pkg/stordb"
	"github.com/strandcloud/strand/pkg/stordb/stor"
	"github.com/strandcloud/strand/pkg/tasks"
	"github.com/strandcloud/strand/pkg/transfer"
	"github.com/strandcloud/strand/pkg/usage"
	"github.com/strandcloud/strand/pkg/webapi"
)

var dotenvPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "strandd",
	Short: "Storage provider daemon",
	Long:  `strandd serves drives backed by native filesystems to the cloud control plane.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := config.MustLoadFromDotenv(dotenvPath)
		if err := Run(context.Background(), c); err != nil {
			log.Fatalf("strandd: %s", err)
		}
	},
}

func Run(ctx context.Context, c config.Configer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logController := webapi.NewLogController()

	systems, err := config.LoadSystemsConfig(c.GetKeyWithDefault("STRAND_SYSTEMS_FILE", "systems.yaml"))
	if err != nil {
		return err
	}

	db := stordb.MustConnectToDB()
	if err := stordb.RunMigrations(db); err != nil {
		return err
	}
	stors := stor.NewGormStors(db)

	client := ctrl.NewAPIClient(c.MustGetKey("STRAND_CTRL_URL"), c.MustGetKey("STRAND_CTRL_TOKEN"))

	locator := drives.NewLocator(stors.DriveStor, client, systems)
	converter := drives.NewPathConverter(locator, client)

	fs := nativefs.New(nativefs.NewSyscalls(),
		func(physicalPath string) string {
			virtualPath, err := converter.PhysicalToVirtual(physicalPath)
			if err != nil {
				return "unknown"
			}
			return virtualPath
		},
		locator.IsProtectedRoot)

	taskSystem := tasks.NewSystem(stors.TaskStor, client).
		WithPollInterval(c.GetDurationKeyWithDefault("STRAND_TASK_POLL_INTERVAL", tasks.DefaultPollInterval))
	taskSystem.RegisterHandler(tasks.NewFileOpsHandler(fs, converter))
	go taskSystem.Start(ctx)

	pool := transfer.NewHandlePool(fs,
		transfer.WithGracePeriod(c.GetDurationKeyWithDefault("STRAND_UPLOAD_GRACE_PERIOD", transfer.DefaultGracePeriod)))
	go pool.Run(ctx)

	limits := usage.NewLimitChecker(locator, stors.QuotaLockStor)
	scanner := usage.NewScanner(fs, locator, client, stors, systems,
		usage.WithScanInterval(c.GetDurationKeyWithDefault("STRAND_USAGE_SCAN_INTERVAL", usage.DefaultScanInterval)))
	go scanner.Run(ctx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = webapi.HTTPErrorHandler

	setupRoutes(e, RouteDeps{
		config:    c,
		logs:      logController,
		engine:    queries.NewEngine(fs, converter),
		fs:        fs,
		converter: converter,
		locator:   locator,
		tasks:     taskSystem,
		pool:      pool,
		limits:    limits,
	})

	go func() {
		addr := ":" + c.GetKeyWithDefault("STRAND_PORT", "8889")
		if err := e.Start(addr); err != nil {
			log.Fatalf("Unable to start server: %s", err)
		}
	}()

	<-ctx.Done()
	log.Infof("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %s", err)
	}

	pool.Shutdown()

	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVar(&dotenvPath, "dotenv", ".env", "Path to the strandd dotenv file")
}
