package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/simhub/coordinator"
	"i4.energy/across/simhub/modem"
	"i4.energy/across/simhub/operator"
)

// Server handles incoming HTTP requests for the modems managed by the
// coordinator. Routes under /modems/{id} address one modem; the top-level
// /sms, /ussd and /status routes pick one as the coordinator does for an
// empty id.
type Server struct {
	Logger      *slog.Logger
	Coordinator *coordinator.Coordinator
	Catalog     *operator.Catalog
	Gatherer    prometheus.Gatherer

	router chi.Router
}

// NewServer builds the routes of s.
func NewServer(s *Server) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/operators", s.handleOperators)
	r.Get("/operators/stats", s.handleOperatorStats)

	// Single target routes, kept for clients of the one-modem gateway.
	r.Post("/sms", s.handleSendSMS)
	r.Post("/ussd", s.handleUSSD)
	r.Get("/status", s.handleStatus)

	r.Route("/modems", func(r chi.Router) {
		r.Get("/", s.handleModems)
		r.Post("/detect", s.handleDetect)
		r.Get("/status", s.handleStatusAll)

		r.Route("/{id}", func(r chi.Router) {
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Get("/status", s.handleStatus)
			r.Get("/sim", s.handleSIM)
			r.Get("/sms", s.handleListSMS)
			r.Post("/sms", s.handleSendSMS)
			r.Delete("/sms/{index}", s.handleDeleteSMS)
			r.Post("/ussd", s.handleUSSD)
			r.Delete("/ussd", s.handleCancelUSSD)
			r.Get("/balance", s.handleService(s.Coordinator.Balance))
			r.Get("/data-balance", s.handleService(s.Coordinator.DataBalance))
			r.Post("/recharge", s.handleRecharge)
			r.Post("/services/{service}", s.handleNamedService)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements the http.Handler interface for the Server struct
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

// fail answers with the status matching err.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("Request failed", "path", r.URL.Path, "error", err)
	} else {
		s.Logger.Debug("Request rejected", "path", r.URL.Path, "error", err)
	}

	type ErrorResponse struct {
		Message string `json:"message"`
		Kind    string `json:"kind"`
	}
	s.sendJSON(w, ErrorResponse{Message: err.Error(), Kind: modem.KindOf(err).String()}, status)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownModem), errors.Is(err, modem.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNotConnected),
		errors.Is(err, coordinator.ErrAlreadyConnected),
		errors.Is(err, coordinator.ErrConnectAborted):
		return http.StatusConflict
	case errors.Is(err, coordinator.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, modem.ErrInvalidArgument),
		errors.Is(err, operator.ErrMissingParameter):
		return http.StatusBadRequest
	case errors.Is(err, operator.ErrServiceNotFound),
		errors.Is(err, operator.ErrUnknownOperator):
		return http.StatusUnprocessableEntity
	}

	switch modem.KindOf(err) {
	case modem.KindRejected:
		return http.StatusUnprocessableEntity
	case modem.KindTransient, modem.KindIndeterminate:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleOperators(w http.ResponseWriter, r *http.Request) {
	if country := r.URL.Query().Get("country"); country != "" {
		s.sendJSON(w, s.Catalog.ByCountry(country), http.StatusOK)
		return
	}
	s.sendJSON(w, s.Catalog.All(), http.StatusOK)
}

func (s *Server) handleOperatorStats(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, s.Catalog.Stats(), http.StatusOK)
}

func (s *Server) handleModems(w http.ResponseWriter, r *http.Request) {
	modems := s.Coordinator.Modems()
	if modems == nil {
		modems = []coordinator.Info{}
	}
	s.sendJSON(w, modems, http.StatusOK)
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	handles, err := s.Coordinator.DetectAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, handles, http.StatusOK)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.Coordinator.StatusAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, results, http.StatusOK)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// the modem outlives the request
	if err := s.Coordinator.Connect(context.WithoutCancel(r.Context()), id); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.Coordinator.Disconnect(chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Coordinator.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, st, http.StatusOK)
}

func (s *Server) handleSIM(w http.ResponseWriter, r *http.Request) {
	info, err := s.Coordinator.SIMInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, info, http.StatusOK)
}

func (s *Server) handleListSMS(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.Coordinator.ListMessages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []modem.SMS{}
	}
	s.sendJSON(w, msgs, http.StatusOK)
}

// handleSendSMS sends a message through the modem in the path, or through
// the next modem in turn on the top-level route.
func (s *Server) handleSendSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	res, err := s.Coordinator.SendMessage(r.Context(), chi.URLParam(r, "id"), req.To, req.Message)
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To, "modem", res.ModemID)
		s.fail(w, r, err)
		return
	}

	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "modem", res.ModemID)
	s.sendJSON(w, res, http.StatusOK)
}

func (s *Server) handleDeleteSMS(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.sendError(w, "invalid message index", http.StatusBadRequest)
		return
	}
	if err := s.Coordinator.DeleteMessage(r.Context(), chi.URLParam(r, "id"), index); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUSSD(w http.ResponseWriter, r *http.Request) {
	type USSDRequest struct {
		Code string `json:"code"`
	}

	var req USSDRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		s.sendError(w, "'code' is required", http.StatusBadRequest)
		return
	}

	res, err := s.Coordinator.SendUSSD(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, res, http.StatusOK)
}

func (s *Server) handleCancelUSSD(w http.ResponseWriter, r *http.Request) {
	if err := s.Coordinator.CancelUSSD(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleService(query func(ctx context.Context, id string) (modem.USSDResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := query(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.sendJSON(w, res, http.StatusOK)
	}
}

func (s *Server) handleRecharge(w http.ResponseWriter, r *http.Request) {
	type RechargeRequest struct {
		Code string `json:"code"`
	}

	var req RechargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		s.sendError(w, "'code' is required", http.StatusBadRequest)
		return
	}

	res, err := s.Coordinator.Recharge(r.Context(), chi.URLParam(r, "id"), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, res, http.StatusOK)
}

func (s *Server) handleNamedService(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			s.sendError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.Coordinator.ServiceCode(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "service"), params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.sendJSON(w, res, http.StatusOK)
}
