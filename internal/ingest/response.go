package ingest

import (
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/media"
)

// ErrorResponse is the shape every failure takes at the boundary
type ErrorResponse struct {
	Error         bool   `json:"error"`
	Message       string `json:"message"`
	Category      string `json:"category,omitempty"`
	Stage         string `json:"stage,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewErrorResponse converts err into an ErrorResponse. A nil err still
// yields an error response with a generic message.
func NewErrorResponse(err error, correlationID string) ErrorResponse {
	resp := ErrorResponse{
		Error:         true,
		Message:       "internal error",
		Category:      string(errors.CategoryGeneric),
		CorrelationID: correlationID,
	}
	if err == nil {
		return resp
	}
	resp.Message = err.Error()
	resp.Category = string(errors.CategoryOf(err))
	if stage, ok := media.FailedStage(err); ok {
		resp.Stage = string(stage)
	}
	return resp
}
