package task

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/careorders/internal/platform/auth"
	"github.com/ehr/careorders/pkg/pagination"
)

type Handler struct {
	mgr   *Manager
	stops *StopCoordinator
}

func NewHandler(mgr *Manager, stops *StopCoordinator) *Handler {
	return &Handler{mgr: mgr, stops: stops}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	read.GET("/tasks", h.ListTasks)
	read.GET("/tasks/:id", h.GetTask)
	read.GET("/orders/:id/tasks", h.ListOrderTasks)

	nurse := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurse.POST("/tasks/:id/start", h.StartTask)
	nurse.POST("/tasks/:id/complete", h.CompleteTask)
	nurse.POST("/tasks/:id/cancel", h.CancelTask)
	nurse.POST("/orders/:id/tasks/generate", h.GenerateTasks)
	nurse.POST("/orders/:id/stop/confirm", h.ConfirmStop)
	nurse.POST("/orders/:id/stop/reject", h.RejectStop)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/orders/:id/stop", h.RequestStop)
}

type completeRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type stopRequest struct {
	Reason       string     `json:"reason"`
	CutoffTaskID *uuid.UUID `json:"cutoff_task_id,omitempty"`
}

func actor(c echo.Context) uuid.UUID {
	return auth.UserIDFromContext(c.Request().Context())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetTask(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.mgr.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTasks(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	for param, dst := range map[string]**uuid.UUID{
		"order_id":   &f.OrderID,
		"patient_id": &f.PatientID,
		"nurse_id":   &f.NurseID,
	} {
		if v := c.QueryParam(param); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param)
			}
			*dst = &id
		}
	}
	for param, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		if v := c.QueryParam(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid "+param+": expected RFC 3339")
			}
			*dst = &t
		}
	}
	for _, v := range c.QueryParams()["status"] {
		f.Statuses = append(f.Statuses, Status(v))
	}
	items, total, err := h.mgr.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListOrderTasks(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.mgr.ListByOrder(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) StartTask(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	t, err := h.mgr.Start(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CompleteTask(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.mgr.Complete(c.Request().Context(), id, actor(c), req.Result)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CancelTask(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t, err := h.mgr.Cancel(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

// GenerateTasks retries generation for a signed order left without tasks.
func (h *Handler) GenerateTasks(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.mgr.Generate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) RequestStop(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req stopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.stops.RequestStop(c.Request().Context(), id, actor(c), req.Reason, req.CutoffTaskID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ConfirmStop(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	res, err := h.stops.ConfirmStop(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RejectStop(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.stops.RejectStop(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
