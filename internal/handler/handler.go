// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/Shivanand-hulikatti/event-admission/internal/admission"
	"github.com/Shivanand-hulikatti/event-admission/internal/model"
	"github.com/Shivanand-hulikatti/event-admission/internal/payment"
	"github.com/Shivanand-hulikatti/event-admission/internal/ratelimit"
	"github.com/Shivanand-hulikatti/event-admission/internal/repository"
	"github.com/Shivanand-hulikatti/event-admission/internal/service"
	"github.com/Shivanand-hulikatti/event-admission/internal/ticket"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// RegistrationHandler holds all HTTP handlers for the admission API.
type RegistrationHandler struct {
	svc       *service.RegistrationService
	processor *payment.Processor
	validate  *validator.Validate
	log       *logrus.Logger
}

// NewRegistrationHandler constructs a RegistrationHandler.
func NewRegistrationHandler(svc *service.RegistrationService, processor *payment.Processor, log *logrus.Logger) *RegistrationHandler {
	return &RegistrationHandler{
		svc:       svc,
		processor: processor,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		log:       log,
	}
}

// Routes mounts the API on r.
func (h *RegistrationHandler) Routes(r chi.Router, auth *Authenticator, adminLimiter ratelimit.Limiter) {
	r.Get("/health", HealthCheck)

	r.Route("/events/{eventID}", func(r chi.Router) {
		r.Get("/categories/{categoryID}/capacity", h.Capacity)
		r.With(auth.Require).Get("/categories/{categoryID}/eligibility", h.Eligibility)
		r.With(auth.Require).Post("/registrations", h.Register)
	})

	r.With(auth.Require).Get("/registrations/{id}", h.GetRegistration)
	r.Post("/webhooks/payments", h.PaymentWebhook)
	r.Post("/tickets/verify", h.VerifyTicket)

	r.Route("/admin", func(r chi.Router) {
		r.Use(RateLimit(adminLimiter, h.log), auth.Require, RequireAdmin)
		r.Delete("/registrations/{id}", h.DeleteRegistration)
		r.Post("/registrations/{id}/ticket", h.ResendTicket)
	})
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func writeRejection(w http.ResponseWriter, reason admission.Reason) {
	writeJSON(w, statusForReason(reason), model.ErrorResponse{Error: reason.Message(), Reason: string(reason)})
}

func statusForReason(reason admission.Reason) int {
	switch reason {
	case admission.EventNotFound, admission.CategoryNotFound:
		return http.StatusNotFound
	case admission.EventFull, admission.CategoryFull, admission.AlreadyRegistered:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (h *RegistrationHandler) validateStruct(v any) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err
	}
	msgs := make([]string, len(fields))
	for i, f := range fields {
		msgs[i] = fmt.Sprintf("invalid '%s': failed '%s'", f.Field(), f.Tag())
	}
	return errors.New(strings.Join(msgs, ", "))
}

func principal(r *http.Request) Principal {
	p, _ := PrincipalFrom(r.Context())
	return p
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// Eligibility handles GET /events/{eventID}/categories/{categoryID}/eligibility
// Runs the admission checks without reserving a slot.
func (h *RegistrationHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	isPair := false
	if v := r.URL.Query().Get("pair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "pair must be a boolean")
			return
		}
		isPair = b
	}

	d, err := h.svc.Eligibility(r.Context(), principal(r).UserID,
		chi.URLParam(r, "eventID"), chi.URLParam(r, "categoryID"), isPair)
	if err != nil {
		h.log.WithError(err).Error("eligibility")
		writeError(w, http.StatusInternalServerError, "failed to evaluate eligibility")
		return
	}
	if !d.Accepted {
		writeRejection(w, d.Reason)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Capacity handles GET /events/{eventID}/categories/{categoryID}/capacity
func (h *RegistrationHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Capacity(r.Context(), chi.URLParam(r, "eventID"), chi.URLParam(r, "categoryID"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "category not found")
			return
		}
		h.log.WithError(err).Error("capacity")
		writeError(w, http.StatusInternalServerError, "failed to read capacity")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Register handles POST /events/{eventID}/registrations
// Reserves a slot and opens a checkout session for the caller.
func (h *RegistrationHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.Register(r.Context(), principal(r).UserID, chi.URLParam(r, "eventID"), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrCheckoutUnavailable):
			writeError(w, http.StatusBadGateway, "payment provider unavailable, please retry")
		default:
			h.log.WithError(err).Error("register")
			writeError(w, http.StatusInternalServerError, "failed to register")
		}
		return
	}
	if !res.Decision.Accepted {
		writeRejection(w, res.Decision.Reason)
		return
	}

	writeJSON(w, http.StatusCreated, res)
}

// GetRegistration handles GET /registrations/{id}
// Only the owner can read a registration.
func (h *RegistrationHandler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.svc.GetForUser(r.Context(), principal(r).UserID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "registration not found")
			return
		}
		h.log.WithError(err).Error("get registration")
		writeError(w, http.StatusInternalServerError, "failed to get registration")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// PaymentWebhook handles POST /webhooks/payments
// 200 for applied or ignored notifications, 400 for rejected ones and 500
// when the processor should redeliver.
func (h *RegistrationHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	out, err := h.processor.Apply(r.Context(), payment.Raw{Header: r.Header, Body: body})
	if err != nil {
		h.log.WithError(err).Error("apply payment notification")
		writeError(w, http.StatusInternalServerError, "temporary failure, retry later")
		return
	}
	if out.Kind == payment.KindRejected {
		h.log.WithError(out.Err).WithField("remote_addr", r.RemoteAddr).Warn("payment notification failed verification")
		writeError(w, http.StatusBadRequest, "notification rejected")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// VerifyTicket handles POST /tickets/verify
// Validates a scanned QR payload at the venue.
func (h *RegistrationHandler) VerifyTicket(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyTicketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validateStruct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := h.svc.VerifyTicket(r.Context(), req.Payload)
	if err != nil {
		switch {
		case errors.Is(err, ticket.ErrInvalidTicket):
			h.log.WithField("remote_addr", r.RemoteAddr).Warn("invalid ticket presented")
			writeError(w, http.StatusUnprocessableEntity, "invalid ticket")
		case errors.Is(err, ticket.ErrNotConfirmed):
			writeError(w, http.StatusConflict, "registration is not confirmed")
		default:
			h.log.WithError(err).Error("verify ticket")
			writeError(w, http.StatusInternalServerError, "failed to verify ticket")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":           true,
		"registration_id": reg.ID,
		"event_id":        reg.EventID,
		"category_id":     reg.CategoryID,
		"is_pair":         reg.IsPair,
	})
}

// DeleteRegistration handles DELETE /admin/registrations/{id}
func (h *RegistrationHandler) DeleteRegistration(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "registration not found")
			return
		}
		h.log.WithError(err).Error("delete registration")
		writeError(w, http.StatusInternalServerError, "failed to delete registration")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResendTicket handles POST /admin/registrations/{id}/ticket
// Issues the ticket if missing and sends the confirmation again.
func (h *RegistrationHandler) ResendTicket(w http.ResponseWriter, r *http.Request) {
	t, err := h.svc.ResendTicket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			writeError(w, http.StatusNotFound, "registration not found")
		case errors.Is(err, ticket.ErrNotConfirmed):
			writeError(w, http.StatusConflict, "registration is not confirmed")
		default:
			h.log.WithError(err).Error("resend ticket")
			writeError(w, http.StatusInternalServerError, "failed to resend ticket")
		}
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
