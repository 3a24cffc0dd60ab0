package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/transam/sogr/internal/events"
	"github.com/transam/sogr/internal/importer"
	"github.com/transam/sogr/internal/jobs"
	"github.com/transam/sogr/internal/model"
	"github.com/transam/sogr/internal/policy"
	"github.com/transam/sogr/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps err to a status. Server errors are logged and their
// message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		if status == http.StatusInternalServerError {
			writeMessage(w, status, "internal error")
			return
		}
	}
	writeMessage(w, status, message(err))
}

func statusOf(err error) int {
	var invalid *model.InvalidEventDataError
	var noPolicy *policy.NotFoundError
	switch {
	case isNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &invalid),
		errors.As(err, &noPolicy),
		errors.Is(err, model.ErrEventKindNotAllowed),
		errors.Is(err, model.ErrSelfLink),
		errors.Is(err, model.ErrCycle),
		errors.Is(err, model.ErrForeignLink),
		errors.Is(err, model.ErrUnknownAsset):
		return http.StatusUnprocessableEntity
	case errors.Is(err, events.ErrAlreadyDisposed),
		errors.Is(err, events.ErrNotDisposable),
		errors.Is(err, store.ErrEventMismatch),
		errors.Is(err, importer.ErrAlreadyProcessed):
		return http.StatusConflict
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func message(err error) string {
	var invalid *model.InvalidEventDataError
	if errors.As(err, &invalid) {
		return invalid.Error()
	}
	return err.Error()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
