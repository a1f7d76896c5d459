package order

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
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	read.GET("/orders", h.ListOrders)
	read.GET("/orders/:id", h.GetOrder)
	read.GET("/orders/:id/history", h.GetHistory)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/orders", h.CreateOrder)
	doctor.PUT("/orders/:id", h.UpdateOrder)
	doctor.POST("/orders/:id/submit", h.SubmitOrder)
	doctor.POST("/orders/:id/resubmit", h.ResubmitOrder)
	doctor.POST("/orders/:id/cancel", h.CancelOrder)

	nurse := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurse.POST("/orders/:id/sign", h.SignOrder)
	nurse.POST("/orders/:id/reject", h.RejectOrder)
}

type createRequest struct {
	Kind           string          `json:"kind"`
	PatientID      uuid.UUID       `json:"patient_id"`
	NurseID        *uuid.UUID      `json:"nurse_id,omitempty"`
	TimingStrategy string          `json:"timing_strategy"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	PlanEndTime    time.Time       `json:"plan_end_time"`
	IntervalHours  *float64        `json:"interval_hours,omitempty"`
	IntervalDays   int             `json:"interval_days,omitempty"`
	SlotsMask      int64           `json:"slots_mask,omitempty"`
	UsageRoute     string          `json:"usage_route"`
	Items          []Item          `json:"items"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (r *createRequest) toOrder() (*Order, error) {
	kind, err := ParseKind(r.Kind)
	if err != nil {
		return nil, err
	}
	strategy, err := ParseStrategy(r.TimingStrategy)
	if err != nil {
		return nil, err
	}
	route, err := ParseRoute(r.UsageRoute)
	if err != nil {
		return nil, err
	}
	return &Order{
		Kind:           kind,
		PatientID:      r.PatientID,
		NurseID:        r.NurseID,
		TimingStrategy: strategy,
		StartTime:      r.StartTime,
		PlanEndTime:    r.PlanEndTime,
		IntervalHours:  r.IntervalHours,
		IntervalDays:   r.IntervalDays,
		SlotsMask:      r.SlotsMask,
		UsageRoute:     route,
		Items:          r.Items,
		Payload:        r.Payload,
	}, nil
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type signResponse struct {
	Order *Order       `json:"order"`
	Tasks *TaskSummary `json:"tasks,omitempty"`
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

func (h *Handler) CreateOrder(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := req.toOrder()
	if err != nil {
		return err
	}
	if err := h.svc.Create(c.Request().Context(), o, actor(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, o)
}

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ListOrders(c echo.Context) error {
	pg := pagination.FromContext(c)
	var f ListFilter
	for param, dst := range map[string]**uuid.UUID{
		"patient_id": &f.PatientID,
		"doctor_id":  &f.DoctorID,
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
	for _, v := range c.QueryParams()["status"] {
		st, err := ParseStatus(v)
		if err != nil {
			return err
		}
		f.Statuses = append(f.Statuses, st)
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdateOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req UpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, summary, err := h.svc.Update(c.Request().Context(), id, &req, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, signResponse{Order: o, Tasks: summary})
}

func (h *Handler) SubmitOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Submit(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) ResubmitOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, err := h.svc.Resubmit(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) CancelOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Cancel(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}

func (h *Handler) SignOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	o, summary, err := h.svc.Sign(c.Request().Context(), id, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, signResponse{Order: o, Tasks: summary})
}

func (h *Handler) RejectOrder(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	o, err := h.svc.Reject(c.Request().Context(), id, actor(c), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, o)
}
