package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/MrWong99/visitorparse/internal/audit"
	"github.com/MrWong99/visitorparse/internal/category"
	"github.com/MrWong99/visitorparse/internal/errs"
	"github.com/MrWong99/visitorparse/internal/observe"
	"github.com/MrWong99/visitorparse/internal/registration"
)

// ParseRequest is the body of POST /api/v1/parse-visitor.
type ParseRequest struct {
	BuildingID int    `json:"building_id" validate:"required,gt=0"`
	Text       string `json:"text" validate:"required,max=1000,notblank"`
}

// auditQuery holds the query parameters of GET /api/v1/audit.
type auditQuery struct {
	BuildingID int `json:"building_id" validate:"gte=0"`
	Limit      int `json:"limit" validate:"gte=0,lte=500"`
}

// newValidator returns a validator that reports JSON field names and knows
// the notblank tag.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// ── Handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": ServiceName,
		"version": s.version,
		"endpoints": []string{
			"POST " + Prefix + "/parse-visitor",
			"GET " + Prefix + "/health",
			"GET " + Prefix + "/categories",
			"GET " + Prefix + "/audit",
			"GET /healthz",
			"GET /readyz",
			"GET /metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
		"version": s.version,
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, category.All())
}

func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req ParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalid(w, decodeDetails(err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeInvalid(w, validationDetails(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	resp, err := s.parser.Parse(ctx, req.BuildingID, req.Text)
	if err != nil {
		writeJSON(w, statusFor(resp.Kind), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusNotFound, errs.KindAuditDisabled, nil)
		return
	}

	var q auditQuery
	details := map[string]any{}
	for name, dst := range map[string]*int{"building_id": &q.BuildingID, "limit": &q.Limit} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			details[name] = "integer"
			continue
		}
		*dst = n
	}
	if len(details) > 0 {
		writeInvalid(w, details)
		return
	}
	if err := s.validate.Struct(q); err != nil {
		writeInvalid(w, validationDetails(err))
		return
	}

	entries, err := s.audit.Recent(r.Context(), q.BuildingID, q.Limit)
	if err != nil {
		observe.Logger(r.Context()).Error("audit query failed", "err", err)
		writeError(w, http.StatusInternalServerError, errs.KindInternal, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]audit.Entry{"entries": entries})
}

// ── Responses ────────────────────────────────────────────────────────────────

// statusFor maps an error kind to its HTTP status.
func statusFor(k errs.Kind) int {
	switch k {
	case errs.KindBuildingNotFound:
		return http.StatusNotFound
	case errs.KindAuthentication, errs.KindDirectoryUnavailable:
		return http.StatusBadGateway
	case errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// validationDetails maps each failing field to the tag it failed.
func validationDetails(err error) map[string]any {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]any{"body": "invalid"}
	}
	details := make(map[string]any, len(ve))
	for _, fe := range ve {
		details[fe.Field()] = fe.Tag()
	}
	return details
}

func decodeDetails(err error) map[string]any {
	var typeErr *json.UnmarshalTypeError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &typeErr) && typeErr.Field != "":
		return map[string]any{typeErr.Field: typeErr.Type.String()}
	case errors.As(err, &tooLarge):
		return map[string]any{"body": "too large"}
	default:
		return map[string]any{"body": "malformed JSON"}
	}
}

func writeInvalid(w http.ResponseWriter, details map[string]any) {
	writeError(w, http.StatusBadRequest, errs.KindInvalidRequest, details)
}

func writeError(w http.ResponseWriter, status int, k errs.Kind, details map[string]any) {
	writeJSON(w, status, registration.Response{
		Status:  registration.StatusError,
		Kind:    k,
		Message: k.Message(),
		Details: details,
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
