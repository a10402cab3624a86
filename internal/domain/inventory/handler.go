package inventory

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/pharmacy/internal/platform/apperr"
	"github.com/ehr/pharmacy/internal/platform/auth"
	"github.com/ehr/pharmacy/pkg/pagination"
)

type Handler struct {
	svc      *Service
	resolver *Resolver
}

func NewHandler(svc *Service, resolver *Resolver) *Handler {
	return &Handler{svc: svc, resolver: resolver}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – all pharmacy staff and prescribers
	readGroup := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleTechnician, auth.RolePrescriber, auth.RoleCashier))
	readGroup.GET("/medications", h.ListMedications)
	readGroup.GET("/medications/:id", h.GetMedication)
	readGroup.GET("/medications/:id/availability", h.Resolve)
	readGroup.GET("/medications/:id/batches", h.ListBatches)
	readGroup.GET("/batches/expiring", h.ExpiringBatches)
	readGroup.GET("/batches/:id", h.GetBatch)

	// Stock handling – pharmacists and technicians
	stockGroup := api.Group("", auth.RequireRole(auth.RolePharmacist, auth.RoleTechnician))
	stockGroup.POST("/medications/:id/batches", h.ReceiveBatch)
	stockGroup.POST("/batches/:id/restock", h.Restock)

	// Catalog and pricing – pharmacists
	catalogGroup := api.Group("", auth.RequireRole(auth.RolePharmacist))
	catalogGroup.POST("/medications", h.CreateMedication)
	catalogGroup.PATCH("/medications/:id/active", h.SetMedicationActive)
	catalogGroup.PATCH("/batches/:id/active", h.SetBatchActive)
	catalogGroup.PATCH("/batches/:id/pricing", h.UpdateBatchPricing)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

type activeRequest struct {
	Active *bool `json:"active"`
}

func bindActive(c echo.Context) (bool, error) {
	var req activeRequest
	if err := c.Bind(&req); err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Active == nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	return *req.Active, nil
}

// -- Medication handlers --

func (h *Handler) CreateMedication(c echo.Context) error {
	var m Medication
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateMedication(c.Request().Context(), &m); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMedication(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	m, err := h.svc.GetMedication(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMedications(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := MedicationFilter{
		Category: c.QueryParam("category"),
		Query:    c.QueryParam("q"),
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be true or false")
		}
		f.Active = &active
	}
	items, total, err := h.svc.ListMedications(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL.Path))
}

func (h *Handler) SetMedicationActive(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	active, err := bindActive(c)
	if err != nil {
		return err
	}
	m, err := h.svc.SetMedicationActive(c.Request().Context(), id, active)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	qty := 1
	if v := c.QueryParam("quantity"); v != "" {
		qty, err = strconv.Atoi(v)
		if err != nil || qty <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "quantity must be a positive integer")
		}
	}
	res, err := h.resolver.Resolve(c.Request().Context(), id, qty)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Batch handlers --

func (h *Handler) ReceiveBatch(c echo.Context) error {
	medID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req ReceiveBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.ReceiveBatch(c.Request().Context(), medID, &req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	medID, err := parseID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListBatches(c.Request().Context(), medID)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type restockRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) Restock(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req restockRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.Restock(c.Request().Context(), id, req.Quantity)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) SetBatchActive(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	active, err := bindActive(c)
	if err != nil {
		return err
	}
	b, err := h.svc.SetBatchActive(c.Request().Context(), id, active)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) UpdateBatchPricing(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var req PricingUpdate
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.UpdateBatchPricing(c.Request().Context(), id, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ExpiringBatches(c echo.Context) error {
	days := 30
	if v := c.QueryParam("days"); v != "" {
		var err error
		days, err = strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "days must be an integer")
		}
	}
	items, err := h.svc.ExpiringBatches(c.Request().Context(), days)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}
