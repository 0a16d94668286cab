package webapi

import (
	"errors"
	"net/http"

	"github.com/apex/log"
	"github.com/labstack/echo/v4"
	"github.com/strandcloud/strand/pkg/fserr"
)

// ErrorBody is the JSON shape every failed request returns. Code is set
// only for errors the front-end renders specifically (quota, maintenance).
type ErrorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"why"`
}

// HTTPErrorHandler maps typed filesystem errors onto status codes. Internal
// errors are logged and surface as an opaque message.
func HTTPErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = ctx.JSON(httpErr.Code, ErrorBody{Message: http.StatusText(httpErr.Code)})
		return
	}

	var fsErr *fserr.Error
	if errors.As(err, &fsErr) {
		status := fsErr.HTTPStatus()
		body := ErrorBody{Code: fsErr.Code, Message: fsErr.Error()}
		if status == http.StatusInternalServerError {
			log.Errorf("%s %s failed: %s", ctx.Request().Method, ctx.Request().URL.Path, err)
			body.Message = "internal error"
		}
		_ = ctx.JSON(status, body)
		return
	}

	log.Errorf("%s %s failed: %s", ctx.Request().Method, ctx.Request().URL.Path, err)
	_ = ctx.JSON(http.StatusInternalServerError, ErrorBody{Message: "internal error"})
}
