package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/shawnpdoherty/beaker/internal/errs"
	"github.com/shawnpdoherty/beaker/internal/jobs"
	"github.com/shawnpdoherty/beaker/internal/models"
	"github.com/shawnpdoherty/beaker/internal/store"
)

// maxJobXML bounds the accepted job document.
const maxJobXML = 4 << 20

type jobResponse struct {
	ID  string     `json:"id"`
	Job models.Job `json:"job"`
}

type listResponse struct {
	IDs   []string `json:"ids"`
	Count int      `json:"count"`
}

// pathID parses the {id} segment, which may be bare or carry the kind
// prefix (J:12, RS:40).
func pathID(r *http.Request, kind models.TaskKind) (int64, error) {
	raw := chi.URLParam(r, "id")
	if !strings.Contains(raw, ":") {
		raw = string(kind) + ":" + raw
	}
	got, id, err := models.ParseTaskID(raw)
	if err != nil || got != kind {
		return 0, errs.Validation("Invalid %s id %s", kind, chi.URLParam(r, "id"))
	}
	return id, nil
}

func boolParam(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobXML))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, fmt.Sprintf("job XML exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	job, err := s.jobs.Submit(r.Context(), actor, body, boolParam(r, "ignore_missing_tasks"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.TID(), Job: job})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f, mine, err := filterFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	found, err := s.jobs.Filter(r.Context(), actorFrom(r), f, mine)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := listResponse{IDs: make([]string, 0, len(found)), Count: len(found)}
	for _, j := range found {
		resp.IDs = append(resp.IDs, j.TID())
	}
	writeJSON(w, http.StatusOK, resp)
}

func filterFromQuery(r *http.Request) (store.JobFilter, bool, error) {
	q := r.URL.Query()
	f := store.JobFilter{
		Tags:       q["tag"],
		Family:     q.Get("family"),
		Product:    q.Get("product"),
		Owners:     q["owner"],
		Whiteboard: q.Get("whiteboard"),
	}
	ints := []struct {
		name string
		set  func(int64)
	}{
		{"minid", func(v int64) { f.MinID = v }},
		{"maxid", func(v int64) { f.MaxID = v }},
		{"days_complete", func(v int64) { f.CompleteDays = int(v) }},
		{"limit", func(v int64) { f.Limit = int(v) }},
	}
	for _, p := range ints {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return f, false, errs.Validation("Invalid %s: %s", p.name, raw)
		}
		p.set(v)
	}
	return f, boolParam(r, "mine"), nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobXML(w http.ResponseWriter, r *http.Request) {
	s.writeTaskXML(w, r, models.KindJob)
}

func (s *Server) handleRecipeSetXML(w http.ResponseWriter, r *http.Request) {
	s.writeTaskXML(w, r, models.KindRecipeSet)
}

func (s *Server) writeTaskXML(w http.ResponseWriter, r *http.Request, kind models.TaskKind) {
	id, err := pathID(r, kind)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := s.jobs.ToXML(r.Context(), models.FormatTaskID(kind, id))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeXML(w, body)
}

func (s *Server) handleJobActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acts, err := s.jobs.JobActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": acts})
}

func (s *Server) handleRecipeSetActivity(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, models.KindRecipeSet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acts, err := s.jobs.RecipeSetActivity(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": acts})
}

func (s *Server) handleClone(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Clone(r.Context(), actor, models.FormatTaskID(models.KindJob, id), boolParam(r, "ignore_missing_tasks"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{ID: job.TID(), Job: job})
}

type stopRequest struct {
	Action string `json:"action"`
	Msg    string `json:"msg"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, err := jobs.ParseStopAction(req.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.Stop(r.Context(), actor, id, action, req.Msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch jobs.JobPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.jobs.UpdateJob(r.Context(), actor, id, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.jobs.Delete(r.Context(), actor, []string{models.FormatTaskID(models.KindJob, id)}); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteMatchingRequest struct {
	Tags         []string `json:"tags"`
	CompleteDays int      `json:"complete_days"`
	Family       string   `json:"family"`
	Product      string   `json:"product"`
	DryRun       bool     `json:"dryrun"`
}

type deleteMatchingResponse struct {
	Deleted []string `json:"deleted"`
	DryRun  bool     `json:"dryrun"`
}

func (s *Server) handleDeleteMatching(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	var req deleteMatchingRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	deleted, err := s.jobs.DeleteMatching(r.Context(), actor, store.JobFilter{
		Tags:         req.Tags,
		CompleteDays: req.CompleteDays,
		Family:       req.Family,
		Product:      req.Product,
	}, req.DryRun)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if deleted == nil {
		deleted = []string{}
	}
	writeJSON(w, http.StatusOK, deleteMatchingResponse{Deleted: deleted, DryRun: req.DryRun})
}

type responseRequest struct {
	Response string `json:"response"`
}

func (s *Server) handleJobResponse(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindJob)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req responseRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.jobs.SetResponse(r.Context(), actor, models.FormatTaskID(models.KindJob, id), req.Response); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recipeSetPatch struct {
	Priority *string `json:"priority,omitempty"`
	Response *string `json:"response,omitempty"`
	Comment  *string `json:"comment,omitempty"`
}

func (s *Server) handleUpdateRecipeSet(w http.ResponseWriter, r *http.Request) {
	actor, ok := authenticated(w, r)
	if !ok {
		return
	}
	id, err := pathID(r, models.KindRecipeSet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var patch recipeSetPatch
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if patch.Priority != nil {
		p, err := models.ParsePriority(*patch.Priority)
		if err != nil {
			s.writeError(w, r, errs.Validation("Invalid priority %s", *patch.Priority))
			return
		}
		if _, err := s.jobs.SetPriority(ctx, actor, id, p); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if patch.Response != nil {
		if err := s.jobs.SetResponse(ctx, actor, models.FormatTaskID(models.KindRecipeSet, id), *patch.Response); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	if patch.Comment != nil {
		if err := s.jobs.SetResponseComment(ctx, actor, id, *patch.Comment); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	rs, err := s.jobs.GetRecipeSet(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}
