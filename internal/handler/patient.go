package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/mchcare/internal/model"
	"github.com/dukerupert/mchcare/internal/store"
)

const (
	dateLayout         = "2006-01-02"
	defaultSearchLimit = 20
)

type PatientHandler struct {
	patients *store.PatientStore
	logger   *slog.Logger
}

func NewPatientHandler(ps *store.PatientStore, logger *slog.Logger) *PatientHandler {
	return &PatientHandler{patients: ps, logger: logger}
}

type patientRequest struct {
	FirstName   string `json:"first_name" validate:"required,max=100"`
	LastName    string `json:"last_name" validate:"required,max=100"`
	DateOfBirth string `json:"date_of_birth" validate:"omitempty,datetime=2006-01-02"`
	Phone       string `json:"phone" validate:"max=30"`
	Address     string `json:"address" validate:"max=300"`
	Status      string `json:"status" validate:"omitempty,oneof=active inactive"`
}

func (req *patientRequest) normalize() {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Address = strings.TrimSpace(req.Address)
}

func (req *patientRequest) toModel() model.Patient {
	p := model.Patient{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Address:   req.Address,
		Status:    req.Status,
	}
	// Already checked by the datetime validation.
	if dob, err := time.Parse(dateLayout, req.DateOfBirth); err == nil {
		p.DateOfBirth = &dob
	}
	return p
}

func (h *PatientHandler) decode(w http.ResponseWriter, r *http.Request) (*patientRequest, bool) {
	var req patientRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	req.normalize()
	if req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "first_name and last_name are required")
		return nil, false
	}
	return &req, true
}

// List handles GET /api/patients?page=&page_size=
func (h *PatientHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.patients.Paginate(queryInt(r, "page", 1), queryInt(r, "page_size", store.DefaultPageSize))
	if err != nil {
		h.logger.Error("list patients", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list patients")
		return
	}
	if page.Items == nil {
		page.Items = []model.Patient{}
	}
	writeJSON(w, http.StatusOK, page)
}

// Search handles GET /api/patients/search?q=
func (h *PatientHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	patients, err := h.patients.Search(q, queryInt(r, "limit", defaultSearchLimit))
	if err != nil {
		h.logger.Error("search patients", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to search patients")
		return
	}
	if patients == nil {
		patients = []model.Patient{}
	}
	writeJSON(w, http.StatusOK, patients)
}

func (h *PatientHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	p, err := h.patients.Create(req.toModel())
	if err != nil {
		h.logger.Error("create patient", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create patient")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *PatientHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	p, err := h.patients.GetByID(id)
	if err != nil {
		h.logger.Error("get patient", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get patient")
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PatientHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	found, err := h.patients.Update(id, req.toModel())
	if err != nil {
		h.logger.Error("update patient", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update patient")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}

	p, err := h.patients.GetByID(id)
	if err != nil || p == nil {
		writeError(w, http.StatusInternalServerError, "failed to get patient")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *PatientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	existing, err := h.patients.GetByID(id)
	if err != nil {
		h.logger.Error("get patient", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get patient")
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "patient not found")
		return
	}
	err = h.patients.Delete(id)
	if errors.Is(err, store.ErrReferenced) {
		writeError(w, http.StatusConflict, "patient has linked records")
		return
	}
	if err != nil {
		h.logger.Error("delete patient", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete patient")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
