package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/kwv/rotamesh/sfm"
	"go.uber.org/zap"
)

// maxRequestBytes caps POST /average bodies.
const maxRequestBytes = 32 << 20

// processFunc averages one request and records the outcome.
type processFunc func(req *sfm.AveragingRequest) (*sfm.Result, error)

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(stateTracker *sfm.StateTracker, process processFunc, logger *zap.SugaredLogger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string        `json:"status"`
			Timestamp time.Time     `json:"timestamp"`
			Runs      sfm.RunStatus `json:"runs"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Runs:      stateTracker.Status(),
		}
		writeJSON(w, http.StatusOK, status, logger)
	})

	mux.HandleFunc("/rotations.json", func(w http.ResponseWriter, r *http.Request) {
		res := stateTracker.Result()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, res, logger)
	})

	mux.HandleFunc("/viewdirs.geojson", func(w http.ResponseWriter, r *http.Request) {
		res, rel := stateTracker.Snapshot()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		data, err := json.Marshal(sfm.ViewDirectionsGeoJSON(res, rel))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write(data)
	})

	// Vector view graph endpoints
	mux.HandleFunc("/viewgraph.svg", func(w http.ResponseWriter, r *http.Request) {
		res, rel := stateTracker.Snapshot()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sfm.NewViewGraphRenderer(res, rel).RenderToSVG(w); err != nil {
			logger.Errorw("Error encoding view graph SVG", "error", err)
		}
	})

	mux.HandleFunc("/viewgraph.png", func(w http.ResponseWriter, r *http.Request) {
		res, rel := stateTracker.Snapshot()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := sfm.NewViewGraphRenderer(res, rel).RenderToPNG(w); err != nil {
			logger.Errorw("Error encoding view graph PNG", "error", err)
		}
	})

	mux.HandleFunc("/residuals.png", func(w http.ResponseWriter, r *http.Request) {
		res := stateTracker.Result()
		if res == nil {
			http.Error(w, "No result available", http.StatusServiceUnavailable)
			return
		}
		img, err := sfm.NewHistogramRenderer().Render(res)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			logger.Errorw("Error encoding residual histogram", "error", err)
		}
	})

	mux.HandleFunc("/average", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			http.Error(w, fmt.Sprintf("reading body: %v", err), http.StatusRequestEntityTooLarge)
			return
		}
		req, err := sfm.ParseRequestJSON(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := process(req)
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusOK, res, logger)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debugw("HTTP request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// statusForError maps averaging failures caused by the input to 422.
func statusForError(err error) int {
	switch {
	case errors.Is(err, sfm.ErrEmptyInput),
		errors.Is(err, sfm.ErrInvalidReference),
		errors.Is(err, sfm.ErrInvalidRelativeRotation),
		errors.Is(err, sfm.ErrDisconnectedGraph):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.SugaredLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("Error encoding JSON response", "error", err)
	}
}
