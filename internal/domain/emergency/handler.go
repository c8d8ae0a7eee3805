package emergency

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/edqueue/internal/platform/auth"
	"github.com/ehr/edqueue/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	staff := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleNurse, auth.RolePhysician))
	staff.GET("/policy", h.GetPolicy)
	staff.GET("/queue", h.GetBoard)
	staff.GET("/queue/immediate", h.ListImmediate)
	staff.GET("/patients/:id", h.GetPatient)
	staff.DELETE("/queue/:id", h.RemoveEntry)

	reception := api.Group("", auth.RequireRole(auth.RoleReception))
	reception.POST("/patients", h.RegisterPatient)

	intake := api.Group("", auth.RequireRole(auth.RoleReception, auth.RoleNurse))
	intake.GET("/patients", h.ListPatients)
	intake.GET("/patients/untriaged", h.ListUntriaged)

	nurse := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurse.POST("/triage", h.CompleteTriage)

	physician := api.Group("", auth.RequireRole(auth.RolePhysician))
	physician.GET("/queue/in-service", h.GetInService)
	physician.POST("/queue/next", h.CallNext)
	physician.POST("/queue/in-service/finish", h.Finish)
	physician.POST("/queue/in-service/requeue", h.Requeue)
	physician.POST("/queue/immediate/:id/ack", h.AcknowledgeImmediate)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.GET("/removals", h.ListRemovals)
}

// httpError maps queue error kinds to status codes. Anything unrecognised
// is a 500 whose cause stays internal.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrImmediateCare):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmptyQueue), errors.Is(err, ErrNoActiveService):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateEntry), errors.Is(err, ErrSlotOccupied):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Reception --

func (h *Handler) RegisterPatient(c echo.Context) error {
	var p Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.RegisterPatient(c.Request().Context(), &p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListUntriaged(c echo.Context) error {
	items, err := h.svc.ListUntriaged(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, items)
}

// -- Triage --

func (h *Handler) CompleteTriage(c echo.Context) error {
	var t TriageRecord
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t.TriagedBy = auth.UserIDFromContext(c.Request().Context())
	rec, err := h.svc.CompleteTriage(c.Request().Context(), &t)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"triage": t,
		"queue":  rec,
	})
}

// -- Queue --

func (h *Handler) GetPolicy(c echo.Context) error {
	policy := h.svc.Queue().Policy()
	type row struct {
		Acuity AcuityClass `json:"acuity"`
		Rank   int         `json:"rank"`
		Budget Budget      `json:"budget"`
	}
	rows := make([]row, 0, len(policy.Classes()))
	for _, cl := range policy.Classes() {
		b, _ := policy.Budget(cl)
		rows = append(rows, row{Acuity: cl, Rank: policy.Rank(cl), Budget: b})
	}
	return c.JSON(http.StatusOK, rows)
}

func (h *Handler) GetBoard(c echo.Context) error {
	b, err := h.svc.Board(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListImmediate(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Queue().Immediate())
}

func (h *Handler) GetInService(c echo.Context) error {
	e, err := h.svc.InService()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.Queue().Policy().View(e, h.svc.Queue().Now()))
}

func (h *Handler) CallNext(c echo.Context) error {
	e, err := h.svc.CallNext(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Finish(c echo.Context) error {
	var note ServiceNote
	if err := c.Bind(&note); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.Finish(c.Request().Context(), note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) Requeue(c echo.Context) error {
	e, err := h.svc.Requeue(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) AcknowledgeImmediate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.AcknowledgeImmediate(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type removeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) RemoveEntry(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req removeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	by := auth.UserIDFromContext(c.Request().Context())
	if _, err := h.svc.Remove(c.Request().Context(), id, req.Reason, by); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatients(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Patient{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) ListRemovals(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Removals(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*RemovalRecord{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
