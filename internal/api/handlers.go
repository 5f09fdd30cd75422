package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/cascade/internal/runlog"
)

const defaultListLimit = 50

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListRuns(r.Context(), defaultListLimit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, summarize(run))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	records, err := s.runs.StageRecords(r.Context(), runID)
	if err != nil {
		s.logger.Error("load stage records", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load stage records")
		return
	}

	detail := RunDetail{RunSummary: summarize(run)}
	for _, rec := range records {
		detail.Stages = append(detail.Stages, StageDetail{
			TaskID:     rec.TaskID,
			Status:     string(rec.Status),
			Provenance: string(rec.Provenance),
			Attempts:   rec.Attempts,
			Payload:    rec.Payload,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		})
	}
	respondJSON(w, http.StatusOK, detail)
}

// handleRunOutput serves the terminal output exactly as a replay
// assembles it, so API consumers see the same bytes the run produced.
func (s *Server) handleRunOutput(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	rep, err := s.runs.Replay(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runlog.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("replay run", "run_id", runID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to replay run")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rep.TerminalOutput)
}

func summarize(run *runlog.Run) RunSummary {
	return RunSummary{
		RunID:        run.ID,
		PipelineHash: run.PipelineHash,
		Status:       string(run.Status),
		Sinks:        run.Sinks,
		CreatedAt:    run.CreatedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
