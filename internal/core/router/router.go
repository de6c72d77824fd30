// Package router holds the HTTP handlers for tiles and dispatch logs.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/apperr"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/core/model"
	"github.com/mohammed-shakir/dispatch-geo-cache/internal/dispatch"
)

type TileSource interface {
	ParseCoord(zRaw, xRaw, yRaw string) (model.TileCoord, error)
	Tile(ctx context.Context, c model.TileCoord) ([]byte, error)
}

type IncidentSource interface {
	Query(ctx context.Context, q dispatch.Query) ([]model.IncidentRow, error)
}

const tileCacheControl = "public, max-age=86400"

// HandleTile serves GET /tiles/{z}/{x}/{y}.png
func HandleTile(logger *slog.Logger, ts TileSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := ts.ParseCoord(chi.URLParam(r, "z"), chi.URLParam(r, "x"), chi.URLParam(r, "y"))
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		b, err := ts.Tile(r.Context(), c)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", tileCacheControl)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	}
}

// HandleDispatch serves GET /dispatch?startDate=&endDate=[&callType=]
func HandleDispatch(logger *slog.Logger, src IncidentSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		rows, err := src.Query(r.Context(), dispatch.Query{
			StartDate: q.Get("startDate"),
			EndDate:   q.Get("endDate"),
			CallType:  q.Get("callType"),
		})
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		if rows == nil {
			rows = []model.IncidentRow{}
		}
		writeJSON(w, http.StatusOK, rows)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status and a message safe to show the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := apperr.HTTPStatus(err)
	var msg string
	switch {
	case code == http.StatusBadRequest:
		msg = err.Error()
	case errors.Is(err, apperr.ErrTileNotFound):
		msg = "tile not found"
	case code == http.StatusBadGateway:
		msg = "upstream unavailable"
	case code == http.StatusServiceUnavailable:
		msg = "store unavailable"
	case errors.Is(err, context.Canceled):
		// client went away, nobody reads the body
		return
	default:
		msg = "internal server error"
	}
	if code >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "err", err)
	}
	writeJSON(w, code, map[string]string{"error": msg})
}
