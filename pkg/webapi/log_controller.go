package webapi

import (
	"net/http"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/strandcloud/strand/pkg/clog"
)

// LogController lets operators adjust logging on a running daemon.
type LogController struct {
	mu       sync.Mutex
	LogLevel log.Level `json:"logLevel"`
	LogFile  string    `json:"logFile"`
	handler  *clog.Handler
}

// NewLogController installs the daemon's log handler and returns the
// controller that manages it.
func NewLogController() *LogController {
	handler := clog.NewHandler(os.Stdout)
	log.SetHandler(handler)

	return &LogController{
		LogLevel: log.InfoLevel,
		LogFile:  "stdout",
		handler:  handler,
	}
}

func (c *LogController) ShowLogging(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, c)
}

func (c *LogController) SetLogging(ctx echo.Context) error {
	var req struct {
		LogLevel  string `json:"logLevel"`
		LogOutput string `json:"logOutput"`
	}

	if err := ctx.Bind(&req); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if req.LogLevel != "" {
		if err := c.setLevel(req.LogLevel); err != nil {
			return err
		}
	}

	if req.LogOutput != "" {
		if err := c.setOutput(req.LogOutput); err != nil {
			return err
		}
	}

	return ctx.JSON(http.StatusOK, c)
}

func (c *LogController) setLevel(logLevel string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", logLevel)
	}

	c.LogLevel = level
	log.SetLevel(level)

	return nil
}

func (c *LogController) setOutput(logOutput string) error {
	switch logOutput {
	case "stdout":
		c.handler.SetOutput(os.Stdout)
	case "stderr":
		c.handler.SetOutput(os.Stderr)
	default:
		f, err := os.Create(logOutput)
		if err != nil {
			return errors.Wrapf(err, "cannot open log output %q", logOutput)
		}
		c.handler.SetOutput(f)
	}

	c.LogFile = logOutput

	return nil
}
