package httpapi

import (
	"context"
	"errors"
	"net/http"

	"authgate/internal/pipeline"
	"authgate/internal/session"
	"authgate/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusClientClosedRequest is the nginx convention for a caller that went
// away mid-request. Nothing meaningful can be written, but the access log
// should not count it as a server error.
const statusClientClosedRequest = 499

// errorBoundary is the single place stage failures become responses. Stages
// return domain errors; the mapping to HTTP lives here and nowhere else.
func (h Handlers) errorBoundary(ctx context.Context, req *pipeline.Request, err error) pipeline.Response {
	switch {
	case errors.Is(err, context.Canceled):
		return pipeline.Response{Status: statusClientClosedRequest}
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, session.ErrRegistryUnavailable):
		logger.From(ctx).Warn("dependency unavailable", "err", err, "path", req.HTTP.URL.Path)
		return pipeline.Response{
			Status: http.StatusServiceUnavailable,
			Body:   gin.H{"error": "temporarily_unavailable"},
		}
	default:
		logger.From(ctx).Error("request failed", "err", err, "path", req.HTTP.URL.Path)
		return pipeline.Response{
			Status: http.StatusInternalServerError,
			Body:   gin.H{"error": "internal"},
		}
	}
}
