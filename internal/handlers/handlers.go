package handlers

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"submission-ledger/internal/attachment"
	"submission-ledger/internal/consistency"
	"submission-ledger/internal/datekey"
	"submission-ledger/internal/ledger"
	"submission-ledger/internal/participant"
	"submission-ledger/internal/storage"
	"submission-ledger/internal/tracker"
)

const (
	// AdminHeader carries the token that marks a caller as privileged.
	AdminHeader     = "X-Admin-Token"
	RequestIDHeader = "X-Request-ID"
)

type Handler struct {
	Service       *tracker.Service
	AdminToken    string
	AttachmentDir string
	Log           logrus.FieldLogger
}

func (h *Handler) Router() *mux.Router {
	if h.Log == nil {
		h.Log = logrus.StandardLogger()
	}
	r := mux.NewRouter()
	r.Use(requestID)

	r.HandleFunc("/participants", h.RegisterHandler).Methods("POST")
	r.HandleFunc("/participants", h.ListParticipantsHandler).Methods("GET")
	r.HandleFunc("/participants/{id}/replies", h.ReplyHandler).Methods("POST")
	r.HandleFunc("/participants/{id}/status", h.StatusHandler).Methods("GET")

	r.HandleFunc("/submissions", h.SubmitHandler).Methods("POST")
	r.HandleFunc("/summary", h.SummaryHandler).Methods("GET")

	r.HandleFunc("/reports/weekly", h.WeeklyReportHandler).Methods("POST")
	r.HandleFunc("/reports/monthly", h.MonthlyReportHandler).Methods("POST")

	r.HandleFunc("/imports/form", h.ImportFormHandler).Methods("POST")

	if h.AttachmentDir != "" {
		files := http.StripPrefix("/attachments/", http.FileServer(attachment.ServeFS(h.AttachmentDir)))
		r.PathPrefix("/attachments/").Handler(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctype := mime.TypeByExtension(filepath.Ext(req.URL.Path))
			if ctype == "" {
				ctype = "application/octet-stream"
			}
			w.Header().Set("Content-Type", ctype)
			w.Header().Set("X-Content-Type-Options", "nosniff")
			files.ServeHTTP(w, req)
		}))
	}
	return r
}

// requestID echoes the caller's request id or assigns a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) privileged(r *http.Request) bool {
	if h.AdminToken == "" {
		return false
	}
	got := r.Header.Get(AdminHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) == 1
}

func (h *Handler) logRequest(r *http.Request, status int, err error) {
	entry := h.Log.WithFields(logrus.Fields{
		"method":     r.Method,
		"path":       r.URL.Path,
		"status":     status,
		"request_id": r.Header.Get(RequestIDHeader),
	})
	if err != nil {
		entry.WithError(err).Warnf("%s %s %s %d", r.Method, r.URL.Path, r.UserAgent(), status)
		return
	}
	entry.Infof("%s %s %s %d", r.Method, r.URL.Path, r.UserAgent(), status)
}

// decode reads the body into v. An empty body leaves v untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		h.logRequest(r, http.StatusBadRequest, err)
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		h.Log.WithField("body", string(body)).Debug("undecodable request")
		h.logRequest(r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Log.WithError(err).Warn("encode response")
	}
	h.logRequest(r, status, nil)
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var fetchErr *attachment.FetchError
	var storeErr *storage.Error
	switch {
	case errors.Is(err, datekey.ErrInvalidDateFormat),
		errors.Is(err, tracker.ErrNoAttachment):
		status = http.StatusBadRequest
	case errors.Is(err, tracker.ErrNotPrivileged),
		errors.Is(err, participant.ErrNotRegistered):
		status = http.StatusForbidden
	case errors.Is(err, participant.ErrAlreadyRegistered),
		errors.Is(err, consistency.ErrReportAlreadyExists),
		errors.Is(err, tracker.ErrAwaitingReply):
		status = http.StatusConflict
	case errors.Is(err, tracker.ErrRegistrationTimeout):
		status = http.StatusRequestTimeout
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.As(err, &storeErr), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
	h.logRequest(r, status, err)
}

type registerRequest struct {
	tracker.Command
	// Interactive asks the caller for a name and waits for the reply.
	Interactive bool `json:"interactive"`
}

func (h *Handler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.CallerID == "" {
		http.Error(w, "caller_id is required", http.StatusBadRequest)
		h.logRequest(r, http.StatusBadRequest, nil)
		return
	}
	var (
		p   participant.Participant
		err error
	)
	if req.Interactive {
		p, err = h.Service.RegisterInteractive(r.Context(), req.Command)
	} else {
		p, err = h.Service.Register(r.Context(), req.Command)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, p)
}

func (h *Handler) ListParticipantsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, h.Service.Participants())
}

func (h *Handler) ReplyHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if !h.Service.Deliver(id, req.Text) {
		http.Error(w, "no reply is awaited from "+id, http.StatusNotFound)
		h.logRequest(r, http.StatusNotFound, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	h.logRequest(r, http.StatusAccepted, nil)
}

func (h *Handler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(tracker.Command{CallerID: mux.Vars(r)["id"]})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, st)
}

type submitRequest struct {
	tracker.Command
	Date string `json:"date"`
}

func (h *Handler) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.Submit(r.Context(), req.Command, req.Date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Outcome == ledger.DuplicateIgnored {
		status = http.StatusOK
	}
	h.writeJSON(w, r, status, res)
}

func (h *Handler) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Service.Summary(tracker.Command{Privileged: h.privileged(r)})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, sum)
}

func (h *Handler) WeeklyReportHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Date      string `json:"date"`
		Overwrite bool   `json:"overwrite"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	rep, err := h.Service.WeeklyReport(r.Context(), tracker.Command{Privileged: h.privileged(r)}, req.Date, req.Overwrite)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, rep)
}

func (h *Handler) MonthlyReportHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Month     string `json:"month"`
		Overwrite bool   `json:"overwrite"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	m, err := time.Parse("2006-01", req.Month)
	if err != nil {
		http.Error(w, "month must look like 2025-05", http.StatusBadRequest)
		h.logRequest(r, http.StatusBadRequest, err)
		return
	}
	rep, err := h.Service.MonthlyReport(r.Context(), tracker.Command{Privileged: h.privileged(r)}, m.Year(), m.Month(), req.Overwrite)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusCreated, rep)
}

func (h *Handler) ImportFormHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rows []tracker.FormRow `json:"rows"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.Service.ImportForm(r.Context(), tracker.Command{Privileged: h.privileged(r)}, req.Rows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, res)
}
