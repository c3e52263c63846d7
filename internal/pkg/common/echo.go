package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/osohbayr1016/standoff2-sub003/internal/pkg/apperrors"
	"github.com/samber/do/v2"
)

type EchoService struct {
	echo   *echo.Echo
	port   int
	logger *slog.Logger
}

func NewEchoService(i do.Injector) (*EchoService, error) {
	port := do.MustInvokeNamed[int](i, "port")
	gatewayToken := do.MustInvokeNamed[string](i, "gateway-token")
	logger := do.MustInvoke[*slog.Logger](i)

	e := echo.New()

	e.HideBanner = true
	e.HidePort = false
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${id} ${remote_ip} ${status} ${method} ${path} ${error} ${latency_human} ${bytes_in} ${bytes_out}\n",
	}))
	e.Use(middleware.Recover())

	if gatewayToken != "" {
		e.Use(GatewayAuth(gatewayToken))
	}

	e.Use(ActorMiddleware())

	return &EchoService{
		echo:   e,
		port:   port,
		logger: logger,
	}, nil
}

func (s *EchoService) Register(c func(e *echo.Echo)) {
	c(s.echo)
}

// Echo exposes the router, mostly for handler tests.
func (s *EchoService) Echo() *echo.Echo {
	return s.echo
}

func (s *EchoService) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start echo server: %w", err)
	}

	return nil
}

func (s *EchoService) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("failed to shutdown echo server: %w", err)
	}

	return nil
}

// ErrorResponse is the body of every rejected request.
type ErrorResponse struct {
	Code    apperrors.Code `json:"code"`
	Message string         `json:"message"`
}

// ErrorHandler renders domain errors as {code, message} with the mapped HTTP
// status. Internal errors are logged and never leak their cause.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		body := ErrorResponse{Code: apperrors.CodeInternal, Message: "internal error"}

		var appErr *apperrors.Error

		var httpErr *echo.HTTPError

		switch {
		case errors.As(err, &appErr):
			status = appErr.Code.HTTPStatus()
			body = ErrorResponse{Code: appErr.Code, Message: appErr.Message}

			if status >= http.StatusInternalServerError || appErr.Code == apperrors.CodeBalanceInvariantViolation {
				logger.Error("request failed",
					"path", c.Path(),
					"code", appErr.Code,
					"error", err,
				)
			}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = ErrorResponse{Code: codeForStatus(status), Message: fmt.Sprint(httpErr.Message)}
		default:
			logger.Error("request failed", "path", c.Path(), "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}

		if err != nil {
			logger.Error("failed to write error response", "error", err)
		}
	}
}

func codeForStatus(status int) apperrors.Code {
	switch status {
	case http.StatusBadRequest:
		return apperrors.CodeInvalidArgument
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.CodeNotAuthorized
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return apperrors.CodeNotFound
	default:
		return apperrors.CodeInternal
	}
}
