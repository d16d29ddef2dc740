package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"groupcast/internal/domain"
	"groupcast/internal/lifecycle"
)

type imageReq struct {
	Path string `json:"path"`
	Text string `json:"text"`
}

type createTaskReq struct {
	Group      string      `json:"group"`
	Interval   json.Number `json:"interval"`
	At         string      `json:"at"`
	Text       string      `json:"text"`
	TagMembers bool        `json:"tag_members"`
	Paused     bool        `json:"paused"`
	Images     []imageReq  `json:"images"`
}

type createdResp struct {
	TaskID string `json:"task_id"`
}

type taskResp struct {
	TaskID     string    `json:"task_id"`
	Group      string    `json:"group"`
	Schedule   string    `json:"schedule"`
	Interval   int       `json:"interval,omitempty"`
	At         string    `json:"at,omitempty"`
	Image      string    `json:"image,omitempty"`
	Text       string    `json:"text"`
	TagMembers bool      `json:"tag_members"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toTaskResp(t domain.Task) taskResp {
	return taskResp{
		TaskID:     t.ID,
		Group:      t.Group,
		Schedule:   string(t.Rule.Kind),
		Interval:   t.Rule.Every,
		At:         t.Rule.At,
		Image:      t.ImagePath,
		Text:       t.Text,
		TagMembers: t.TagMembers,
		Status:     string(t.Status),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

// parseInterval accepts the interval as a JSON number or a numeric string.
func parseInterval(n json.Number) (int, bool) {
	v := strings.TrimSpace(n.String())
	if v == "" {
		return 0, true
	}
	i, err := strconv.Atoi(v)
	return i, err == nil
}

func (s *Server) createTasks(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	every, valid := parseInterval(req.Interval)
	if !valid {
		fail(w, http.StatusBadRequest, "interval must be an integer number of minutes")
		return
	}

	base := lifecycle.Definition{
		Group:      req.Group,
		Every:      every,
		At:         req.At,
		Text:       req.Text,
		TagMembers: req.TagMembers,
		Paused:     req.Paused,
	}
	var defs []lifecycle.Definition
	if len(req.Images) == 0 {
		defs = append(defs, base)
	}
	for _, img := range req.Images {
		d := base
		d.ImagePath = img.Path
		if img.Text != "" {
			d.Text = img.Text
		}
		defs = append(defs, d)
	}

	ids, err := s.ctl.Create(r.Context(), defs...)
	created := make([]createdResp, 0, len(ids))
	for _, id := range ids {
		created = append(created, createdResp{TaskID: id})
	}
	if err != nil {
		writeJSON(w, statusFor(err), map[string]any{
			"success":       false,
			"message":       err.Error(),
			"tasks_created": created,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks_created": created})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ctl.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": out})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.ctl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": toTaskResp(t)})
}

type editTaskReq struct {
	Group      *string `json:"group"`
	Interval   *int    `json:"interval"`
	At         *string `json:"at"`
	Text       *string `json:"text"`
	TagMembers *bool   `json:"tag_members"`
}

func (req editTaskReq) patch() (domain.TaskPatch, error) {
	p := domain.TaskPatch{Group: req.Group, Text: req.Text, TagMembers: req.TagMembers}
	switch {
	case req.Interval != nil && req.At != nil:
		return p, validationErr("set either interval or at, not both")
	case req.Interval != nil:
		rule := domain.IntervalRule(*req.Interval)
		p.Rule = &rule
	case req.At != nil:
		rule, err := domain.ParseRule(string(domain.RuleDaily), *req.At)
		if err != nil {
			return p, err
		}
		p.Rule = &rule
	}
	return p, nil
}

func validationErr(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, msg)
}

func (s *Server) editTask(w http.ResponseWriter, r *http.Request) {
	var req editTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	p, err := req.patch()
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.ctl.Edit(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "task updated", "task": toTaskResp(t)})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	ok(w, "task deleted")
}

func (s *Server) stopTask(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctl.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !changed {
		ok(w, "task was not running")
		return
	}
	ok(w, "task stopped")
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctl.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !changed {
		ok(w, "task already running")
		return
	}
	ok(w, "task resumed")
}

type attemptResp struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

func (s *Server) taskAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	attempts, err := s.ctl.Attempts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]attemptResp, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptResp{StartedAt: a.StartedAt, FinishedAt: a.FinishedAt, Success: a.Success, Error: a.Error})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "attempts": out})
}
