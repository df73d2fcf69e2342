package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calmops/beatwatch/internal/domain/check"
	"github.com/calmops/beatwatch/internal/domain/flip"
	"github.com/calmops/beatwatch/internal/schedule"
)

type scheduleDTO struct {
	Kind      string `json:"kind"`
	PeriodSec int64  `json:"period_sec,omitempty"`
	GraceSec  int64  `json:"grace_sec"`
	Expr      string `json:"expr,omitempty"`
	TZ        string `json:"tz,omitempty"`
}

func (d scheduleDTO) toSchedule() (schedule.Schedule, error) {
	var s schedule.Schedule
	grace := time.Duration(d.GraceSec) * time.Second
	switch schedule.Kind(d.Kind) {
	case schedule.KindSimple:
		s = schedule.Simple(time.Duration(d.PeriodSec)*time.Second, grace)
	case schedule.KindCron:
		s = schedule.Cron(d.Expr, d.TZ, grace)
	case schedule.KindOnCalendar:
		s = schedule.OnCalendar(d.Expr, d.TZ, grace)
	default:
		return s, fmt.Errorf("%w: unknown kind %q", schedule.ErrInvalidSchedule, d.Kind)
	}
	return s, s.Validate()
}

func scheduleView(s schedule.Schedule) scheduleDTO {
	return scheduleDTO{
		Kind:      string(s.Kind),
		PeriodSec: int64(s.Period / time.Second),
		GraceSec:  int64(s.Grace / time.Second),
		Expr:      s.Expr,
		TZ:        s.TZ,
	}
}

type checkView struct {
	Code           uuid.UUID   `json:"code"`
	Slug           string      `json:"slug,omitempty"`
	Name           string      `json:"name"`
	Tags           string      `json:"tags,omitempty"`
	Schedule       scheduleDTO `json:"schedule"`
	Status         string      `json:"status"`
	NPings         int64       `json:"n_pings"`
	LastPingAt     *time.Time  `json:"last_ping_at,omitempty"`
	LastDurationMS *int64      `json:"last_duration_ms,omitempty"`
	NextExpectedAt *time.Time  `json:"next_expected_at,omitempty"`
	AlertAfter     *time.Time  `json:"alert_after,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// viewOf derives status just in time, so a check whose grace ran out a
// second ago reads down even before a sweep persisted the crossing.
func (s *Server) viewOf(c *check.Check) checkView {
	v := checkView{
		Code:           c.Code,
		Slug:           c.Slug,
		Name:           c.Name,
		Tags:           c.Tags,
		Schedule:       scheduleView(c.Schedule),
		Status:         string(c.StatusAt(s.clk())),
		NPings:         c.NPings,
		LastPingAt:     c.LastPingAt,
		NextExpectedAt: c.NextExpectedAt,
		AlertAfter:     c.AlertAfter,
		CreatedAt:      c.CreatedAt,
	}
	if c.LastDuration != nil {
		ms := c.LastDuration.Milliseconds()
		v.LastDurationMS = &ms
	}
	return v
}

type checkPayload struct {
	Name      *string      `json:"name"`
	Slug      *string      `json:"slug"`
	Tags      *string      `json:"tags"`
	ProjectID *int64       `json:"project_id"`
	Schedule  *scheduleDTO `json:"schedule"`
}

func (s *Server) handleListChecks(w http.ResponseWriter, r *http.Request) {
	projectID := int64(1)
	if raw := r.URL.Query().Get("project"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad project id")
			return
		}
		projectID = id
	}

	list, err := s.checks.List(r.Context(), projectID, r.URL.Query().Get("tag"))
	if err != nil {
		s.log.Error("list checks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]checkView, 0, len(list))
	for _, c := range list {
		views = append(views, s.viewOf(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateCheck(w http.ResponseWriter, r *http.Request) {
	var p checkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if p.Name == nil || *p.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if p.Schedule == nil {
		writeError(w, http.StatusBadRequest, "schedule is required")
		return
	}
	sched, err := p.Schedule.toSchedule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	projectID := int64(1)
	if p.ProjectID != nil {
		projectID = *p.ProjectID
	}
	c := check.New(projectID, *p.Name, sched)
	if p.Slug != nil {
		c.Slug = *p.Slug
	}
	if p.Tags != nil {
		c.Tags = *p.Tags
	}
	c.CreatedAt = s.clk()

	if err := s.checks.Create(r.Context(), c); err != nil {
		s.log.Error("create check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, s.viewOf(c))
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(c))
}

func (s *Server) handlePatchCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}

	var p checkPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Slug != nil {
		c.Slug = *p.Slug
	}
	if p.Tags != nil {
		c.Tags = *p.Tags
	}
	if p.Schedule != nil {
		// malformed schedules are rejected here, synchronously, never
		// stored for the sweeper to trip over
		sched, err := p.Schedule.toSchedule()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := c.Reschedule(sched); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := s.checks.UpdateConfig(r.Context(), c); err != nil {
		s.log.Error("update check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(c))
}

func (s *Server) handleDeleteCheck(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}
	if err := s.checks.Delete(r.Context(), c.ID); err != nil {
		s.log.Error("delete check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type pingView struct {
	N          int64     `json:"n"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	Method     string    `json:"method,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

func (s *Server) handleListPings(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	rows, err := s.pings.ListByCheck(r.Context(), c.ID, limit)
	if err != nil {
		s.log.Error("list pings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	views := make([]pingView, 0, len(rows))
	for _, p := range rows {
		views = append(views, pingView{
			N:          p.N,
			Kind:       string(p.Kind),
			At:         p.At,
			RemoteAddr: p.RemoteAddr,
			Method:     p.Method,
			UserAgent:  p.UserAgent,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}
	old := c.Status
	if !c.Pause() {
		writeJSON(w, http.StatusOK, s.viewOf(c))
		return
	}
	err := s.tx.WithTx(r.Context(), func(ctx context.Context) error {
		if err := s.checks.UpdateState(ctx, c); err != nil {
			return err
		}
		return s.flips.Insert(ctx, &flip.Flip{
			CheckID:   c.ID,
			CheckCode: c.Code,
			At:        s.clk(),
			OldStatus: old,
			NewStatus: check.StatusPaused,
		})
	})
	if err != nil {
		s.writeStateError(w, "pause check", err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(c))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := s.checkFromPath(w, r)
	if !ok {
		return
	}
	transition, err := c.Resume(s.clk())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if transition == nil {
		writeJSON(w, http.StatusOK, s.viewOf(c))
		return
	}
	err = s.tx.WithTx(r.Context(), func(ctx context.Context) error {
		if err := s.checks.UpdateState(ctx, c); err != nil {
			return err
		}
		return s.flips.Insert(ctx, &flip.Flip{
			CheckID:   c.ID,
			CheckCode: c.Code,
			At:        transition.At,
			OldStatus: transition.From,
			NewStatus: transition.To,
		})
	})
	if err != nil {
		s.writeStateError(w, "resume check", err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewOf(c))
}

type previewRequest struct {
	Schedule scheduleDTO `json:"schedule"`
	From     *time.Time  `json:"from,omitempty"`
}

type previewResponse struct {
	Next []time.Time `json:"next"`
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	sched, err := req.Schedule.toSchedule()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	from := s.clk()
	if req.From != nil {
		from = *req.From
	}
	next, err := schedule.Preview(sched, from, 6)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{Next: next})
}

func (s *Server) checkFromPath(w http.ResponseWriter, r *http.Request) (*check.Check, bool) {
	code, err := uuid.Parse(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad check code")
		return nil, false
	}
	c, err := s.checks.GetByCode(r.Context(), code)
	if errors.Is(err, check.ErrNotFound) {
		writeError(w, http.StatusNotFound, "check not found")
		return nil, false
	}
	if err != nil {
		s.log.Error("get check", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return c, true
}

func (s *Server) writeStateError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, check.ErrConflict) {
		writeError(w, http.StatusConflict, "check changed concurrently, retry")
		return
	}
	s.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
