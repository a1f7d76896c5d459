package roster

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/careorders/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	read.GET("/slots", h.ListSlots)
	read.GET("/nurses/:id/assignments", h.ListAssignments)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/slots/:id", h.SaveSlot)
	admin.POST("/assignments", h.Assign)
}

type slotView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Time string `json:"time"`
}

func (h *Handler) ListSlots(c echo.Context) error {
	slots, err := h.svc.ListSlots(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]slotView, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotView{ID: s.ID, Name: s.Name, Time: s.Clock()})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) SaveSlot(c echo.Context) error {
	var req slotView
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	clock, err := time.Parse("15:04", req.Time)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "time must be HH:MM")
	}
	slot := Slot{
		Name:      req.Name,
		TimeOfDay: time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute,
	}
	if err := echo.PathParamsBinder(c).Int64("id", &slot.ID).BindError(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.SaveSlot(c.Request().Context(), slot); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slotView{ID: slot.ID, Name: slot.Name, Time: slot.Clock()})
}

func (h *Handler) Assign(c echo.Context) error {
	var a Assignment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.CreatedBy = auth.UserIDFromContext(c.Request().Context())
	if err := h.svc.Assign(c.Request().Context(), &a); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAssignments(c echo.Context) error {
	nurseID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	from := time.Now().UTC()
	if v := c.QueryParam("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be RFC3339")
		}
	}
	to := from.Add(24 * time.Hour)
	if v := c.QueryParam("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be RFC3339")
		}
	}
	items, err := h.svc.ListByNurse(c.Request().Context(), nurseID, from, to)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}
