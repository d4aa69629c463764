// Package handlers exposes the engine over HTTP and WebSocket.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"packetlens/internal/engine"
	"packetlens/internal/models"
)

const defaultUploadLimit = 100 << 20

// Options configures the routes.
type Options struct {
	// UploadLimit caps uploaded capture files in bytes.
	UploadLimit int64
	// Gatherer serves /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer
}

// RegisterRoutes sets up all HTTP routes on the given mux.
func RegisterRoutes(mux *http.ServeMux, eng *engine.Engine, opts Options) {
	if opts.UploadLimit <= 0 {
		opts.UploadLimit = defaultUploadLimit
	}

	mux.HandleFunc("/ws", HandleWebSocket(eng))
	mux.HandleFunc("POST /api/upload", handleUpload(eng, opts.UploadLimit))
	mux.HandleFunc("GET /api/filter", handleGetFilter(eng))
	mux.HandleFunc("PUT /api/filter", handleSetFilter(eng))
	mux.HandleFunc("DELETE /api/filter", handleClearFilter(eng))
	mux.HandleFunc("GET /api/stats", handleStats(eng))
	mux.HandleFunc("GET /api/streams", handleListStreams(eng))
	mux.HandleFunc("GET /api/streams/{id}", handleGetStream(eng))
	if opts.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
}

func handleUpload(eng *engine.Engine, limit int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file")
			return
		}
		defer file.Close()

		info, err := eng.Load(r.Context(), file, header.Filename)
		switch {
		case errors.Is(err, engine.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, "failed to read capture: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func handleGetFilter(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src := eng.Filter()
		if src == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(src)
	}
}

func handleSetFilter(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		if err := eng.SetFilter(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, eng.Stats())
	}
}

func handleClearFilter(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eng.ClearFilter()
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStats(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Stats())
	}
}

func handleListStreams(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, eng.Streams())
	}
}

func handleGetStream(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := eng.StreamData(r.PathValue("id"))
		if data == nil {
			writeError(w, http.StatusNotFound, "unknown stream")
			return
		}
		writeJSON(w, http.StatusOK, data)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("component", "http").WithError(err).Debug("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorPayload{Message: message})
}
