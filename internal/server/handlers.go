package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BadgerOps/offload/internal/engine"
	"github.com/BadgerOps/offload/internal/store"
)

// RunJSON is the API form of a stored run.
type RunJSON struct {
	RunID        string    `json:"run_id"`
	ProjectID    string    `json:"project_id,omitempty"`
	ShootDay     string    `json:"shoot_day,omitempty"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	TotalRecords int       `json:"total_records"`
	Verified     int       `json:"verified"`
	Mismatched   int       `json:"verification_mismatch"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	BytesCopied  int64     `json:"bytes_copied"`
	SafeToFormat bool      `json:"safe_to_format"`
	Error        string    `json:"error,omitempty"`
	LedgerHead   string    `json:"ledger_head,omitempty"`
}

// TransferJSON is the API form of a stored transfer record.
type TransferJSON struct {
	Source            string `json:"source_path"`
	DestinationRoot   string `json:"destination_root"`
	DestinationPath   string `json:"destination_path"`
	Size              int64  `json:"size"`
	Status            string `json:"status"`
	SourceDigest      string `json:"source_digest,omitempty"`
	DestinationDigest string `json:"destination_digest,omitempty"`
	Skipped           bool   `json:"skipped,omitempty"`
	ErrorKind         string `json:"error_kind,omitempty"`
	Error             string `json:"error,omitempty"`
}

func runJSON(r store.OffloadRun) RunJSON {
	return RunJSON{
		RunID:        r.RunID,
		ProjectID:    r.ProjectID,
		ShootDay:     r.ShootDay,
		Source:       r.Source,
		Status:       r.Status,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		TotalRecords: r.TotalRecords,
		Verified:     r.Verified,
		Mismatched:   r.Mismatched,
		Failed:       r.Failed,
		Skipped:      r.Skipped,
		BytesCopied:  r.BytesCopied,
		SafeToFormat: r.SafeToFormat,
		Error:        r.ErrorMessage,
		LedgerHead:   r.LedgerHead,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) tracker() *engine.OffloadTracker {
	if s.progress == nil {
		return nil
	}
	return s.progress.ActiveProgress()
}

// handleAPIProgress returns the current progress snapshot.
func (s *Server) handleAPIProgress(w http.ResponseWriter, r *http.Request) {
	t := s.tracker()
	if t == nil {
		jsonError(w, http.StatusNotFound, "no offload running")
		return
	}
	s.writeJSON(w, t.Snapshot())
}

func finished(phase engine.RunPhase) bool {
	switch phase {
	case engine.PhaseComplete, engine.PhaseFailed, engine.PhaseCancelled:
		return true
	}
	return false
}

// handleProgressStream sends a "progress" event on every tracker update and
// a final "done" event once the run reaches a terminal phase.
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	t := s.tracker()
	if t == nil {
		jsonError(w, http.StatusNotFound, "no offload running")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	sendEvent := func(event string, data interface{}) {
		jsonData, _ := json.Marshal(data)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
		flusher.Flush()
	}

	for {
		// take the channel before the snapshot so no update is missed
		changed := t.Wait()
		snap := t.Snapshot()
		if finished(snap.Phase) {
			sendEvent("done", snap)
			return
		}
		sendEvent("progress", snap)

		select {
		case <-changed:
		case <-r.Context().Done():
			return
		}
	}
}

// handleAPIRuns lists stored runs, newest first.
func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(r.URL.Query().Get("project"), limit)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	response := make([]RunJSON, 0, len(runs))
	for _, run := range runs {
		response = append(response, runJSON(run))
	}
	s.writeJSON(w, response)
}

// handleAPIRun returns one run with its transfers.
func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, http.StatusNotFound, "run history is not enabled")
		return
	}

	run, err := s.store.GetRun(r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		jsonError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get run", "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	rows, err := s.store.ListTransferRows(run.ID, r.URL.Query().Get("status"))
	if err != nil {
		s.logger.Error("failed to list transfers", "run_id", run.RunID, "error", err)
		jsonError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}

	transfers := make([]TransferJSON, 0, len(rows))
	for _, row := range rows {
		transfers = append(transfers, TransferJSON{
			Source:            row.SourcePath,
			DestinationRoot:   row.DestinationRoot,
			DestinationPath:   row.DestinationPath,
			Size:              row.Size,
			Status:            row.Status,
			SourceDigest:      row.SourceDigest,
			DestinationDigest: row.DestinationDigest,
			Skipped:           row.Skipped,
			ErrorKind:         row.ErrorKind,
			Error:             row.Error,
		})
	}

	s.writeJSON(w, struct {
		Run       RunJSON        `json:"run"`
		Transfers []TransferJSON `json:"transfers"`
	}{runJSON(*run), transfers})
}
