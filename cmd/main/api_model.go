package main

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/CTAG07/stoch/pkg/markov"
	"github.com/CTAG07/stoch/pkg/store"
	"github.com/natefinch/atomic"
)

// ModelAPI holds the dependencies for the model API handlers.
type ModelAPI struct {
	model         *markov.Model
	store         *store.Store
	modelName     string
	backupPath    string
	maxTrainBytes int64
	logger        *slog.Logger
}

// NewModelAPI creates a new instance of the ModelAPI.
func NewModelAPI(model *markov.Model, st *store.Store, cfg *ServerConfig, logger *slog.Logger) *ModelAPI {
	return &ModelAPI{
		model:         model,
		store:         st,
		modelName:     cfg.ModelName,
		backupPath:    cfg.BackupPath,
		maxTrainBytes: cfg.MaxTrainBytes,
		logger:        logger,
	}
}

// RegisterRoutes sets up the routing for all /api/model endpoints.
func (a *ModelAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/model/train", a.handleTrain)
	mux.HandleFunc("/api/model/generate", a.handleGenerate)
	mux.HandleFunc("/api/model/reset", a.handleReset)
	mux.HandleFunc("/api/model/stats", a.handleStats)
	mux.HandleFunc("/api/model/prune", a.handlePrune)
	mux.HandleFunc("/api/model/export", a.handleExport)
	mux.HandleFunc("/api/model/import", a.handleImport)
	mux.HandleFunc("/api/model/save", a.handleSave)
	mux.HandleFunc("/api/model/backup", a.handleBackup)
	mux.HandleFunc("/api/model/snapshots", a.handleSnapshots)
	mux.HandleFunc("/api/model/snapshots/", a.handleSnapshotByName)
}

// TrainResponse reports how many bytes a train request consumed.
type TrainResponse struct {
	Consumed int64 `json:"consumed"`
}

type PruneRequest struct {
	MinFreq uint32 `json:"minFreq"`
}

type PruneResponse struct {
	Removed int `json:"removed"`
}

// handleTrain feeds the raw request body into the model.
func (a *ModelAPI) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}

	body := http.MaxBytesReader(w, r.Body, a.maxTrainBytes)
	n, err := a.model.TrainFrom(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Training body exceeds %d bytes; %d bytes were trained", tooLarge.Limit, n))
			return
		}
		a.logger.Error("Failed to train model", "error", err, "bytes_trained", n)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Training failed after %d bytes: %v", n, err))
		return
	}
	respondWithJSON(w, http.StatusOK, TrainResponse{Consumed: n})
}

// handleGenerate returns a generated byte sequence. The used length is sent in
// the X-Used-Length header; the body is zero-padded to the requested length
// unless trim=true.
func (a *ModelAPI) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelRead) {
		return
	}

	query := r.URL.Query()
	length, err := strconv.Atoi(query.Get("length"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Query parameter 'length' must be an integer")
		return
	}
	trim, _ := strconv.ParseBool(query.Get("trim"))

	buf, used, err := a.model.Generate(length)
	if err != nil {
		if errors.Is(err, markov.ErrInvalidLength) || errors.Is(err, markov.ErrLengthTooLarge) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("Failed to generate", "length", length, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Generation failed: %v", err))
		return
	}
	if trim {
		buf = buf[:used]
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(buf)))
	w.Header().Set("X-Used-Length", strconv.Itoa(used))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// handleReset clears everything the model has learned.
func (a *ModelAPI) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}
	a.model.Reset()
	w.WriteHeader(http.StatusNoContent)
}

// handleStats returns the model statistics.
func (a *ModelAPI) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelRead) {
		return
	}
	respondWithJSON(w, http.StatusOK, a.model.Stats())
}

// handlePrune drops rare transitions.
func (a *ModelAPI) handlePrune(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}
	var req PruneRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	respondWithJSON(w, http.StatusOK, PruneResponse{Removed: a.model.Prune(req.MinFreq)})
}

// handleExport downloads the model as a JSON snapshot.
func (a *ModelAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelRead) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.json\"", a.modelName))
	if err := a.model.ExportJSON(w); err != nil {
		a.logger.Error("Failed to export model", "error", err)
	}
}

// handleImport merges an uploaded JSON snapshot into the model.
func (a *ModelAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}
	body := http.MaxBytesReader(w, r.Body, a.maxTrainBytes)
	if err := a.model.ImportJSON(body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Import body exceeds %d bytes", tooLarge.Limit))
			return
		}
		a.logger.Warn("Rejected model import", "error", err)
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Import failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleSave persists the model to the database now.
func (a *ModelAPI) handleSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}
	if err := a.store.Save(r.Context(), a.modelName, a.model.Snapshot()); err != nil {
		a.logger.Error("Failed to save model", "model_name", a.modelName, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Save failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBackup atomically writes a JSON snapshot to the configured backup path.
func (a *ModelAPI) handleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}
	var buf bytes.Buffer
	if err := a.model.ExportJSON(&buf); err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Backup failed: %v", err))
		return
	}
	if err := atomic.WriteFile(a.backupPath, &buf); err != nil {
		a.logger.Error("Failed to write backup", "path", a.backupPath, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Backup failed: %v", err))
		return
	}
	a.logger.Info("Model backup written", "path", a.backupPath)
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshots lists the snapshots stored in the database.
func (a *ModelAPI) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelRead) {
		return
	}
	models, err := a.store.List(r.Context())
	if err != nil {
		a.logger.Error("Failed to list snapshots", "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list snapshots: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, models)
}

// handleSnapshotByName deletes the snapshot stored under the name in the path.
func (a *ModelAPI) handleSnapshotByName(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/model/snapshots/"), "/")
	if name == "" {
		respondWithError(w, http.StatusBadRequest, "Snapshot name is required")
		return
	}
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeModelWrite) {
		return
	}

	if err := a.store.Remove(r.Context(), name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Snapshot not found")
			return
		}
		a.logger.Error("Failed to remove snapshot", "name", name, "error", err)
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to remove snapshot: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
