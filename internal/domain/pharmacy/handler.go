package pharmacy

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pharmacy/internal/platform/apperr"
	"github.com/ehr/pharmacy/internal/platform/auth"
	"github.com/ehr/pharmacy/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – all pharmacy staff and prescribers
	readGroup := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleTechnician, auth.RolePrescriber, auth.RoleCashier))
	readGroup.GET("/prescriptions", h.ListPrescriptions)
	readGroup.GET("/prescriptions/:id", h.GetPrescription)
	readGroup.GET("/prescriptions/:id/availability", h.CheckAvailability)
	readGroup.GET("/prescriptions/:id/dispense-records", h.ListDispenseRecords)
	readGroup.GET("/medications/:id/reconciliation", h.ReconcileStock)

	// Prescription intake – prescribers and pharmacists
	writeGroup := api.Group("", auth.RequireRole(auth.RolePrescriber, auth.RolePharmacist))
	writeGroup.POST("/prescriptions", h.CreatePrescription)
	writeGroup.POST("/prescriptions/:id/lines", h.AddLine)
	writeGroup.DELETE("/prescriptions/:id/lines/:lineId", h.RemoveLine)
	writeGroup.POST("/prescriptions/:id/cancel", h.Cancel)

	// Dispensing – pharmacists only
	dispenseGroup := api.Group("", auth.RequireRole(auth.RolePharmacist))
	dispenseGroup.POST("/prescriptions/:id/dispense", h.Dispense)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func actor(c echo.Context) (string, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return uid, nil
}

func (h *Handler) CreatePrescription(c echo.Context) error {
	var req CreatePrescriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CreatePrescription(c.Request().Context(), &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPrescriptions(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := PrescriptionFilter{Status: Status(c.QueryParam("status"))}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	items, total, err := h.svc.ListPrescriptions(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) AddLine(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req LineRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.AddLine(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) RemoveLine(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	lineID, err := parseID(c, "lineId")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveLine(c.Request().Context(), id, lineID); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	uid, err := actor(c)
	if err != nil {
		return err
	}
	p, err := h.svc.Cancel(c.Request().Context(), id, uid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CheckAvailability(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	report, err := h.svc.CheckAvailability(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Dispense(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	uid, err := actor(c)
	if err != nil {
		return err
	}
	result, err := h.svc.Dispense(c.Request().Context(), id, uid)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListDispenseRecords(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	records, err := h.svc.ListDispenseRecords(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, records)
}

func (h *Handler) ReconcileStock(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	rec, err := h.svc.ReconcileStock(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
