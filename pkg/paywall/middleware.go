package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
)

// Gate failure messages.
const (
	MessageTokenRequired = "Access token required"
	MessageTokenInvalid  = "Invalid access token"
	MessageTokenInactive = "Access token expired or inactive"
	MessageUnavailable   = "Access check unavailable"
)

// RecordLookup finds the record behind an access token. Store
// implements it.
type RecordLookup interface {
	ByAccessToken(ctx context.Context, accessToken string) (*PaymentRecord, error)
}

// GateConfig holds the configuration for the access gate
type GateConfig struct {
	// Lookup resolves access tokens
	Lookup RecordLookup

	// ProtectedPath is the path prefix that requires a paid token
	// (e.g., "/mcp"). Matching is by whole path segments.
	ProtectedPath string

	// QueryParam names the query parameter carrying the token
	QueryParam string

	// Clock decides expiry
	Clock clock.Clock

	// Logger receives a line per granted request when LogAccess is set
	Logger    *slog.Logger
	LogAccess bool
}

// ErrorResponse is the JSON body of gate and API errors
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Gate creates a middleware that requires a paid, unexpired access token
// on every request under the protected path. Other paths pass through.
// On success the caller's Identity is attached to the request context.
// Gate panics if config.Lookup is nil, as http.Handle does for a nil
// handler.
func Gate(next http.Handler, config GateConfig) http.Handler {
	if config.Lookup == nil {
		panic("paywall: Gate requires a Lookup")
	}
	if config.QueryParam == "" {
		config.QueryParam = "accessToken"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	protected := strings.TrimRight(config.ProtectedPath, "/")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isProtectedPath(r.URL.Path, protected) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractAccessToken(r, config.QueryParam)
		if token == "" {
			sendUnauthorized(w, config.Clock, MessageTokenRequired)
			return
		}

		record, err := config.Lookup.ByAccessToken(r.Context(), token)
		if errors.Is(err, ErrNotFound) {
			sendUnauthorized(w, config.Clock, MessageTokenInvalid)
			return
		}
		if err != nil {
			config.Logger.Error("access check failed", "path", r.URL.Path, "error", err)
			writeError(w, config.Clock, http.StatusServiceUnavailable, "ServiceUnavailable", MessageUnavailable)
			return
		}

		if !record.IsActive(config.Clock.Now()) {
			sendUnauthorized(w, config.Clock, MessageTokenInactive)
			return
		}

		if config.LogAccess {
			config.Logger.Info("paid access",
				"user_id", record.QuoteID,
				"user", record.UserIdentifier,
				"path", r.URL.Path,
			)
		}

		ctx := WithIdentity(r.Context(), identityFor(record))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isProtectedPath checks if path is the protected prefix or below it
func isProtectedPath(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// extractAccessToken reads the token from the query, then from a Bearer
// Authorization header
func extractAccessToken(r *http.Request, param string) string {
	if token := r.URL.Query().Get(param); token != "" {
		return token
	}
	authHeader := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// sendUnauthorized sends a 401 with the gate's message
func sendUnauthorized(w http.ResponseWriter, clk clock.Clock, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-paywall"`)
	writeError(w, clk, http.StatusUnauthorized, "Unauthorized", message)
}

func writeError(w http.ResponseWriter, clk clock.Clock, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: clk.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
