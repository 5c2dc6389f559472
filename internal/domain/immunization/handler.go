package immunization

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxreg/internal/platform/auth"
	"github.com/ehr/vaxreg/internal/platform/fhir"
	"github.com/ehr/vaxreg/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Catalog reads – anyone signed in
	readGroup := api.Group("", auth.RequireRole(auth.RoleHCP, auth.RolePatient))
	readGroup.GET("/vaccines", h.ListProducts)
	readGroup.GET("/vaccines/:code", h.GetProduct)
	readGroup.GET("/patients/:id/vaccination-status", h.GetVaccinationStatus)
	readGroup.GET("/patients/:id/immunizations", h.ListImmunizationsFHIR)
	readGroup.POST("/vaccine-appointments", h.RequestAppointment)
	readGroup.GET("/vaccine-appointments", h.ListAppointments)
	readGroup.GET("/vaccine-appointments/:id", h.GetAppointment)

	// Catalog writes – admin only
	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/vaccines", h.CreateProduct)
	adminGroup.PUT("/vaccines/:code", h.UpdateProduct)
	adminGroup.DELETE("/vaccines/:code", h.DeleteProduct)

	// Clinical writes – health care professionals
	hcpGroup := api.Group("", auth.RequireRole(auth.RoleHCP))
	hcpGroup.POST("/vaccine-visits", h.RegisterVisit)
	hcpGroup.POST("/vaccine-eligibility", h.EvaluateEligibility)
	hcpGroup.PUT("/vaccine-appointments/:id/status", h.DecideAppointment)
}

// -- Catalog Handlers --

func (h *Handler) CreateProduct(c echo.Context) error {
	var p Product
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateProduct(c.Request().Context(), &p); err != nil {
		return catalogError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProduct(c echo.Context) error {
	p, err := h.svc.GetProduct(c.Request().Context(), c.Param("code"))
	if err != nil {
		return catalogError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListProducts(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListProducts(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdateProduct(c echo.Context) error {
	var p Product
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.UpdateProduct(c.Request().Context(), c.Param("code"), &p); err != nil {
		return catalogError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProduct(c echo.Context) error {
	if err := h.svc.DeleteProduct(c.Request().Context(), c.Param("code")); err != nil {
		return catalogError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func catalogError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, ReasonVaccineNotFound.Message())
	case errors.Is(err, ErrDuplicateCode):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

// -- Visit Handlers --

// RegisterVisit records a vaccination visit. Administered doses answer 201,
// rejections answer with the reason in the body.
func (h *Handler) RegisterVisit(c echo.Context) error {
	var v Visit
	if err := c.Bind(&v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	req, err := RequestFromVisit(v)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.RegisterVisit(c.Request().Context(), req)
	if err != nil {
		return registerError(c, err)
	}
	if !out.Administered && wantsFHIR(c) {
		return c.JSON(outcomeStatus(out), fhir.BusinessRuleOutcome(string(out.Reason), out.Reason.Message()))
	}
	return c.JSON(outcomeStatus(out), out)
}

func wantsFHIR(c echo.Context) bool {
	return strings.Contains(c.Request().Header.Get(echo.HeaderAccept), "application/fhir+json")
}

func outcomeStatus(out Outcome) int {
	switch {
	case out.Administered:
		return http.StatusCreated
	case out.Reason == ReasonVaccineNotFound:
		return http.StatusNotFound
	}
	return http.StatusConflict
}

func registerError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrUnknownPatient):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrTransient):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	zerolog.Ctx(c.Request().Context()).Error().Err(err).Msg("vaccine visit registration failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func (h *Handler) EvaluateEligibility(c echo.Context) error {
	var req EligibilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := h.svc.EvaluateEligibility(c.Request().Context(), req)
	if err != nil {
		return registerError(c, err)
	}
	if d.Reason == ReasonVaccineNotFound {
		return c.JSON(http.StatusNotFound, d)
	}
	return c.JSON(http.StatusOK, d)
}

func patientParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	if !auth.CanAccessPatient(c.Request().Context(), id.String()) {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "access to patient denied")
	}
	return id, nil
}

func (h *Handler) GetVaccinationStatus(c echo.Context) error {
	id, err := patientParam(c)
	if err != nil {
		return err
	}
	st, err := h.svc.VaccinationStatus(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

// ListImmunizationsFHIR returns the dose history as a searchset Bundle of
// Immunization resources.
func (h *Handler) ListImmunizationsFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome("invalid patient id"))
	}
	if !auth.CanAccessPatient(c.Request().Context(), id.String()) {
		return c.JSON(http.StatusForbidden, fhir.NewOperationOutcome("error", "forbidden", "access to patient denied"))
	}
	doses, err := h.svc.ListDoses(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
	}
	resources := make([]map[string]interface{}, len(doses))
	for i := range doses {
		resources[i] = doses[i].ToFHIR()
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, len(resources), c.Request().URL.Path))
}

// -- Appointment Handlers --

func (h *Handler) RequestAppointment(c echo.Context) error {
	var claim AppointmentClaim
	if err := c.Bind(&claim); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.HasAnyRole(ctx, auth.RoleHCP) {
		// Patients may only request for themselves.
		self, err := uuid.Parse(auth.UserIDFromContext(ctx))
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "patient identity required")
		}
		if claim.PatientID == uuid.Nil {
			claim.PatientID = self
		}
		if claim.PatientID != self {
			return echo.NewHTTPError(http.StatusForbidden, "patients may only request their own appointments")
		}
	}
	if err := h.svc.RequestAppointment(ctx, &claim); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, claim)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	claim, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	}
	if !auth.CanAccessPatient(c.Request().Context(), claim.PatientID.String()) {
		return echo.NewHTTPError(http.StatusForbidden, "access to patient denied")
	}
	return c.JSON(http.StatusOK, claim)
}

type decisionRequest struct {
	Status ClaimStatus `json:"status"`
}

func (h *Handler) DecideAppointment(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body decisionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	claim, err := h.svc.DecideAppointment(c.Request().Context(), id, body.Status)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
	}
	if errors.Is(err, ErrClaimNotPending) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, claim)
}

// ListAppointments lists by patient_id or provider_id. Only pending requests
// are returned unless status is given; status=ALL lists every state.
func (h *Handler) ListAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)
	status := ClaimStatus(c.QueryParam("status"))
	switch status {
	case "":
		status = ClaimPending
	case "ALL":
		status = ""
	}

	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		if !auth.CanAccessPatient(ctx, pid.String()) {
			return echo.NewHTTPError(http.StatusForbidden, "access to patient denied")
		}
		items, total, err := h.svc.ListAppointmentsForPatient(ctx, pid, status, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
	}

	if raw := c.QueryParam("provider_id"); raw != "" {
		if !auth.HasAnyRole(ctx, auth.RoleHCP) {
			return echo.NewHTTPError(http.StatusForbidden, "required role: hcp")
		}
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid provider_id")
		}
		items, total, err := h.svc.ListAppointmentsForProvider(ctx, pid, status, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
	}

	return echo.NewHTTPError(http.StatusBadRequest, "patient_id or provider_id is required")
}
