package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"threadloom/pkg/auth"
	"threadloom/pkg/durable"
	"threadloom/pkg/responder"
	"threadloom/pkg/task"
)

// InstanceView is the admin representation of a durable instance.
type InstanceView struct {
	ID        string     `json:"id"`
	Workflow  string     `json:"workflow"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Signals   int64      `json:"signals"`
	Pending   int64      `json:"pending"`
	Steps     int64      `json:"steps"`
	Parked    bool       `json:"parked"`
	Loaded    bool       `json:"loaded"`
	WakeAt    *time.Time `json:"wake_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// QueryResult wraps the value returned by a named query.
type QueryResult struct {
	ID     string `json:"id"`
	Query  string `json:"query"`
	Result any    `json:"result"`
}

// StopRequest is the body of POST /instances/:id/stop.
type StopRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TaskRequest is the body of POST /tasks. A positive IntervalSeconds starts a periodic
// instance, otherwise a oneshot.
type TaskRequest struct {
	Kind            string `json:"kind"`
	Role            string `json:"role,omitempty"`
	Query           string `json:"query"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	Context         string `json:"context,omitempty"`
}

// TaskResponse names the started instance.
type TaskResponse struct {
	ID       string `json:"id"`
	Workflow string `json:"workflow"`
}

func viewOf(inst durable.Instance, loaded bool) InstanceView {
	view := InstanceView{
		ID:        inst.ID,
		Workflow:  inst.Workflow,
		Status:    string(inst.Status),
		Error:     inst.Error,
		Signals:   inst.Signals,
		Pending:   inst.Pending(),
		Steps:     inst.Steps,
		Parked:    inst.Parked,
		Loaded:    loaded,
		CreatedAt: inst.CreatedAt,
		UpdatedAt: inst.UpdatedAt,
	}
	if !inst.WakeAt.IsZero() {
		wakeAt := inst.WakeAt
		view.WakeAt = &wakeAt
	}
	return view
}

func (s *Service) handleListInstances(c echo.Context) error {
	filter := durable.ListFilter{
		Workflow: strings.TrimSpace(c.QueryParam("workflow")),
		Status:   durable.Status(strings.TrimSpace(c.QueryParam("status"))),
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}

	instances, err := s.deps.Engine.List(c.Request().Context(), filter)
	if err != nil {
		return s.apiError(err)
	}

	views := make([]InstanceView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, viewOf(inst, false))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Service) handleDescribeInstance(c echo.Context) error {
	desc, err := s.deps.Engine.Describe(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, viewOf(desc.Instance, desc.Loaded))
}

func (s *Service) handleQueryInstance(c echo.Context) error {
	id, name := c.Param("id"), c.Param("name")
	result, err := s.deps.Engine.Query(c.Request().Context(), id, name)
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusOK, QueryResult{ID: id, Query: name, Result: result})
}

// handleStopInstance signals periodic instances to stop after the current run and
// terminates everything else.
func (s *Service) handleStopInstance(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req StopRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if req.Reason == "" {
		req.Reason = "stopped by " + subjectOf(c)
	}

	desc, err := s.deps.Engine.Describe(ctx, id)
	if err != nil {
		return s.apiError(err)
	}

	if desc.Workflow == task.PeriodicWorkflow {
		err = s.deps.Tasks.Stop(ctx, id, req.Reason)
	} else {
		err = s.deps.Engine.Terminate(ctx, id, req.Reason)
	}
	if err != nil {
		return s.apiError(err)
	}

	s.log.Info("Instance stopped", "instance_id", id, "workflow", desc.Workflow, "reason", req.Reason)
	return c.NoContent(http.StatusAccepted)
}

func (s *Service) handleCreateTask(c echo.Context) error {
	ctx := c.Request().Context()

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Kind) == "" || strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind and query are required")
	}
	if req.IntervalSeconds < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, task.ErrInvalidInterval.Error())
	}

	if req.IntervalSeconds > 0 {
		id := task.NewPeriodicID()
		err := s.deps.Tasks.StartPeriodic(ctx, id, task.PeriodicInput{
			Kind:            req.Kind,
			Role:            req.Role,
			Query:           req.Query,
			IntervalSeconds: req.IntervalSeconds,
			Context:         req.Context,
		})
		if err != nil {
			return s.apiError(err)
		}
		return c.JSON(http.StatusAccepted, TaskResponse{ID: id, Workflow: task.PeriodicWorkflow})
	}

	id, err := s.deps.Tasks.RunOneShot(ctx, task.OneShotInput{
		Kind:    req.Kind,
		Role:    req.Role,
		Query:   req.Query,
		Context: req.Context,
	})
	if err != nil {
		return s.apiError(err)
	}
	return c.JSON(http.StatusAccepted, TaskResponse{ID: id, Workflow: task.OneShotWorkflow})
}

func (s *Service) apiError(err error) error {
	switch {
	case errors.Is(err, durable.ErrInstanceNotFound), errors.Is(err, durable.ErrUnknownQuery):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, durable.ErrInstanceClosed), errors.Is(err, task.ErrTaskConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, responder.ErrUnknownKind),
		errors.Is(err, task.ErrDirectKind),
		errors.Is(err, task.ErrInvalidInterval):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.log.Error("Admin request failed", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func subjectOf(c echo.Context) string {
	if subject, ok := c.Get(auth.SubjectContextKey).(string); ok && subject != "" {
		return subject
	}
	return "admin"
}
