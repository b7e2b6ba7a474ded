package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/observation"
)

// StatusFor maps an error category to an HTTP status code
func StatusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryAuthorization:
		return http.StatusForbidden
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict:
		return http.StatusConflict
	case errors.CategoryIndexConsistency:
		return http.StatusUnprocessableEntity
	case errors.CategoryDiskUsage:
		return http.StatusInsufficientStorage
	case errors.CategoryTimeout:
		return http.StatusGatewayTimeout
	case errors.CategoryCancellation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// categoryForStatus is used for errors raised by echo itself
func categoryForStatus(code int) errors.ErrorCategory {
	switch code {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return errors.CategoryValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.CategoryAuthorization
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return errors.CategoryNotFound
	case http.StatusTooManyRequests:
		return errors.CategorySystem
	default:
		return errors.CategoryGeneric
	}
}

// stageFailure is returned when the observation was stored but a derivative
// stage failed. The client may retry with the same id.
type stageFailure struct {
	ingest.ErrorResponse
	Observation *observation.Record `json:"observation"`
}

// HandleError writes err as an ErrorResponse with the status of its category
func (ctrl *Controller) HandleError(c echo.Context, err error) error {
	traceID := logger.TraceIDFromContext(c.Request().Context())
	status := StatusFor(err)
	ctrl.logError(c, err, status)
	return c.JSON(status, ingest.NewErrorResponse(err, traceID))
}

// handleStageFailure reports a derivative failure along with the stored record
func (ctrl *Controller) handleStageFailure(c echo.Context, rec *observation.Record, err error) error {
	traceID := logger.TraceIDFromContext(c.Request().Context())
	status := StatusFor(err)
	ctrl.logError(c, err, status)
	return c.JSON(status, stageFailure{
		ErrorResponse: ingest.NewErrorResponse(err, traceID),
		Observation:   rec,
	})
}

func (ctrl *Controller) logError(c echo.Context, err error, status int) {
	l := ctrl.log.WithContext(c.Request().Context())
	fields := []logger.Field{
		logger.String("path", c.Path()),
		logger.Int("status", status),
		logger.String("category", string(errors.CategoryOf(err))),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		l.Error("request failed", fields...)
		return
	}
	l.Debug("request rejected", fields...)
}

// handleHTTPError renders errors that did not come from a handler, such as
// routing misses, body limits and rate limiting, in the same shape.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	traceID := logger.TraceIDFromContext(c.Request().Context())

	var resp ingest.ErrorResponse
	status := http.StatusInternalServerError
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		resp = ingest.ErrorResponse{
			Error:         true,
			Message:       http.StatusText(status),
			Category:      string(categoryForStatus(status)),
			CorrelationID: traceID,
		}
		if msg, ok := httpErr.Message.(string); ok && msg != "" {
			resp.Message = msg
		}
	} else {
		status = StatusFor(err)
		resp = ingest.NewErrorResponse(err, traceID)
	}

	if status >= http.StatusInternalServerError {
		s.log.WithContext(c.Request().Context()).Error("unhandled request error",
			logger.String("uri", c.Request().RequestURI),
			logger.Int("status", status),
			logger.Error(err))
	}

	var writeErr error
	if c.Request().Method == http.MethodHead {
		writeErr = c.NoContent(status)
	} else {
		writeErr = c.JSON(status, resp)
	}
	if writeErr != nil {
		s.log.Warn("failed to write error response", logger.Error(writeErr))
	}
}
