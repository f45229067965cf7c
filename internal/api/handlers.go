package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/savegress/dicomveil/internal/config"
	"github.com/savegress/dicomveil/internal/controller"
	"github.com/savegress/dicomveil/internal/deid"
	"github.com/savegress/dicomveil/internal/dicomnet"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	ctrl    *controller.Controller
	version string
}

// NewHandlers creates new handlers.
func NewHandlers(ctrl *controller.Controller, version string) *Handlers {
	return &Handlers{ctrl: ctrl, version: version}
}

// Health handles liveness checks.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "dicomveil",
		"version": h.version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// Status reports the service state snapshot.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.ctrl.Status())
}

// StartSCP brings up the C-STORE listener.
func (h *Handlers) StartSCP(w http.ResponseWriter, r *http.Request) {
	if h.ctrl.Status().SCPRunning {
		respondError(w, http.StatusConflict, "scp already running")
		return
	}
	if err := h.ctrl.StartSCP(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"scp": "listening"})
}

// StopSCP takes the C-STORE listener down.
func (h *Handlers) StopSCP(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StopSCP(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"scp": "stopped"})
}

type echoRequest struct {
	SCP string `json:"scp"`
}

// Echo probes a configured remote node with C-ECHO.
func (h *Handlers) Echo(w http.ResponseWriter, r *http.Request) {
	var req echoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ctrl.Echo(r.Context(), req.SCP); err != nil {
		if errors.Is(err, controller.ErrUnknownNode) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, statusFor(err), err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"echo": "ok", "scp": req.SCP})
}

type queryRequest struct {
	SCP string `json:"scp"`
	dicomnet.StudyQuery
}

// Query runs a study-level C-FIND against a configured remote node.
func (h *Handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	results, err := h.ctrl.FindStudies(r.Context(), req.SCP, req.StudyQuery)
	if err != nil {
		if errors.Is(err, controller.ErrUnknownNode) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, statusFor(err), err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"studies": results,
	})
}

type accessionQueryRequest struct {
	SCP              string   `json:"scp"`
	AccessionNumbers []string `json:"accession_numbers"`
}

// QueryAccessions resolves an accession list to studies on a remote node.
func (h *Handlers) QueryAccessions(w http.ResponseWriter, r *http.Request) {
	var req accessionQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.AccessionNumbers) == 0 {
		respondError(w, http.StatusBadRequest, "no accession numbers")
		return
	}
	results, err := h.ctrl.FindStudiesByAccession(r.Context(), req.SCP, req.AccessionNumbers)
	if err != nil {
		if errors.Is(err, controller.ErrUnknownNode) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, statusFor(err), err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"studies": results,
	})
}

// StartMove begins study retrieval as a job.
func (h *Handlers) StartMove(w http.ResponseWriter, r *http.Request) {
	var params controller.MoveParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.ctrl.StartMove(params)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusAccepted, job)
}

// StartExport begins a patient export as a job.
func (h *Handlers) StartExport(w http.ResponseWriter, r *http.Request) {
	var params controller.ExportParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.ctrl.StartExport(params)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusAccepted, job)
}

// StartImport begins a local import as a job.
func (h *Handlers) StartImport(w http.ResponseWriter, r *http.Request) {
	var params controller.ImportParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	job, err := h.ctrl.StartImport(params)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusAccepted, job)
}

// ListJobs returns every known job, newest first.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, h.ctrl.JobList())
}

// GetJob returns one job by id.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := h.ctrl.Job(id)
	if !ok {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respond(w, http.StatusOK, job)
}

// AbortJob cancels a running job.
func (h *Handlers) AbortJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.ctrl.AbortJob(id) {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}
	respond(w, http.StatusOK, map[string]string{"job": id, "status": "aborting"})
}

// CreatePHICSV writes the pseudonymization index CSV export.
func (h *Handlers) CreatePHICSV(w http.ResponseWriter, r *http.Request) {
	path, rows, err := h.ctrl.CreatePHICSV()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusCreated, map[string]any{"path": path, "rows": rows})
}

type javaImportRequest struct {
	Path string `json:"path"`
}

// ImportJavaIndex merges a legacy index export into the running index.
func (h *Handlers) ImportJavaIndex(w http.ResponseWriter, r *http.Request) {
	var req javaImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		respondError(w, http.StatusBadRequest, "no path")
		return
	}
	n, err := h.ctrl.ImportJavaIndex(req.Path)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]int{"studies_imported": n})
}

// DeleteStudy removes one stored study by its anonymous UID.
func (h *Handlers) DeleteStudy(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	n, err := h.ctrl.DeleteStudy(uid)
	if errors.Is(err, controller.ErrUnknownStudy) {
		respondError(w, http.StatusNotFound, "study not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]int{"files_removed": n})
}

// GetConfig serves the project model with credentials redacted.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, redact(h.ctrl.Config()))
}

// UpdateConfig persists a new project model; it applies on restart. A blank
// AWS password in the body keeps the current one, so clients can round-trip
// the redacted GET form.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	next := config.Default()
	if err := json.NewDecoder(r.Body).Decode(next); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if cur := h.ctrl.Config(); next.AWS != nil && next.AWS.Password == "" && cur.AWS != nil {
		next.AWS.Password = cur.AWS.Password
	}
	if err := h.ctrl.UpdateConfig(next); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]any{"status": "saved", "restart_required": true})
}

// Save writes the index snapshot immediately.
func (h *Handlers) Save(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.SaveNow(); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "saved"})
}

// redact copies the model with secrets blanked for the wire.
func redact(cfg *config.Config) *config.Config {
	out := *cfg
	if cfg.AWS != nil {
		aws := *cfg.AWS
		aws.Password = ""
		out.AWS = &aws
	}
	return &out
}

// statusFor maps classified network failures onto gateway status codes;
// everything else is a plain 500.
func statusFor(err error) int {
	switch deid.KindOf(err) {
	case deid.KindNetworkTimeout:
		return http.StatusGatewayTimeout
	case deid.KindAssociationRejected, deid.KindPeerAbort:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, map[string]string{"error": message})
}
