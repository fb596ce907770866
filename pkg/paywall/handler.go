package paywall

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

const maxRequestBody = 64 << 10

// HandlerConfig configures the paywall HTTP API
type HandlerConfig struct {
	// BasePath prefixes every route (default "/paywall")
	BasePath string

	// PublicURL overrides the base URL used in access links
	PublicURL string

	// AdminToken, when set, is required on statistics, cleanup and
	// retry-claims via X-Admin-Token or a Bearer header
	AdminToken string

	// InvoiceRate limits invoice creation per client address; zero
	// disables it
	InvoiceRate  rate.Limit
	InvoiceBurst int
}

type apiHandler struct {
	service *Service
	config  HandlerConfig
	limiter *callerLimiter
}

// Handler returns the paywall HTTP API:
//
//	POST {base}/create-invoice
//	GET  {base}/check-payment/{quoteId}
//	GET  {base}/validate-token?token=
//	GET  {base}/statistics      (admin)
//	POST {base}/cleanup         (admin)
//	POST {base}/retry-claims    (admin)
func (s *Service) Handler(config HandlerConfig) http.Handler {
	base := "/" + strings.Trim(config.BasePath, "/")
	if base == "/" {
		base = "/paywall"
	}
	config.BasePath = base

	h := &apiHandler{
		service: s,
		config:  config,
		limiter: newCallerLimiter(config.InvoiceRate, config.InvoiceBurst, s.clock),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+base+"/create-invoice", h.handleCreateInvoice)
	mux.HandleFunc("GET "+base+"/check-payment/{quoteId}", h.handleCheckPayment)
	mux.HandleFunc("GET "+base+"/validate-token", h.handleValidateToken)
	mux.HandleFunc("GET "+base+"/statistics", h.admin(h.handleStatistics))
	mux.HandleFunc("POST "+base+"/cleanup", h.admin(h.handleCleanup))
	mux.HandleFunc("POST "+base+"/retry-claims", h.admin(h.handleRetryClaims))
	return mux
}

func (h *apiHandler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, h.service.clock, http.StatusBadRequest, "ValidationFailed", "Invalid request body")
		return
	}
	ip := clientIP(r)
	if strings.TrimSpace(req.UserIdentifier) == "" {
		req.UserIdentifier = ip
	}

	if !h.limiter.allow(ip) {
		h.sendServiceError(w, ErrRateLimited)
		return
	}

	resp, err := h.service.CreateInvoice(r.Context(), req)
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleCheckPayment(w http.ResponseWriter, r *http.Request) {
	quoteID := r.PathValue("quoteId")
	resp, err := h.service.CheckPayment(r.Context(), quoteID, h.baseURL(r))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	if resp.State == StatusNotFound {
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ValidateToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.sendServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Statistics(r.Context())
	if err != nil {
		h.sendMaintenanceError(w, "Failed to get statistics", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *apiHandler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Cleanup(r.Context())
	if err != nil {
		h.sendMaintenanceError(w, "Failed to cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleRetryClaims(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.RetryClaims(r.Context())
	if err != nil {
		h.sendMaintenanceError(w, "Failed to retry claims", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// admin wraps a handler with the admin token check
func (h *apiHandler) admin(next http.HandlerFunc) http.HandlerFunc {
	if h.config.AdminToken == "" {
		return next
	}
	want := []byte(h.config.AdminToken)
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeError(w, h.service.clock, http.StatusUnauthorized, "Unauthorized", "Admin token required")
			return
		}
		next(w, r)
	}
}

// sendServiceError maps service errors to statuses. Only validation
// messages reach the client verbatim.
func (h *apiHandler) sendServiceError(w http.ResponseWriter, err error) {
	clk := h.service.clock
	switch {
	case errors.Is(err, ErrValidationFailed):
		writeError(w, clk, http.StatusBadRequest, "ValidationFailed", err.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, clk, http.StatusNotFound, "NotFound", "Quote not found")
	case errors.Is(err, ErrRateLimited):
		writeError(w, clk, http.StatusTooManyRequests, "RateLimited", "Too many invoices, try again later")
	case errors.Is(err, ErrInvoiceCreationFailed):
		writeError(w, clk, http.StatusBadGateway, "InvoiceCreationFailed", "Failed to create invoice")
	default:
		h.service.logger.Error("paywall request failed", "error", err)
		writeError(w, clk, http.StatusInternalServerError, "InternalError", "Internal error")
	}
}

func (h *apiHandler) sendMaintenanceError(w http.ResponseWriter, message string, err error) {
	h.service.logger.Error(message, "error", err)
	writeError(w, h.service.clock, http.StatusBadRequest, message, err.Error())
}

// baseURL returns the configured public URL, or one derived from the
// request. Plain http is upgraded to https except for local hosts.
func (h *apiHandler) baseURL(r *http.Request) string {
	if h.config.PublicURL != "" {
		return strings.TrimRight(h.config.PublicURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if scheme == "http" && !isLocalHost(r.Host) {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func isLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	if strings.Contains(host, "localhost") {
		return true
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
