// Package mcp is a small Model Context Protocol server over HTTP that
// exposes demo tools and resources. It is meant to sit behind
// paywall.Gate: every handler can read the caller's paywall.Identity
// from the request context.
//
// Usage:
//
//	server := mcp.NewServer(mcp.ServerConfig{Name: "mcp-paywall-demo"})
//	mux.Handle("/mcp", paywall.Gate(server.Handler(), gateConfig))
package mcp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/siddimore/mcp-paywall/internal/clock"
	"github.com/siddimore/mcp-paywall/pkg/paywall"
)

// ============================================================================
// MCP PROTOCOL TYPES
// Based on https://modelcontextprotocol.io/docs/specification
// ============================================================================

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSONRPCRequest is a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// MCP error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Tool represents an MCP tool definition
type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema defines the tool's input parameters
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties,omitempty"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single input property
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

// Resource is a readable MCP resource
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is one item returned by resources/read
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text"`
}

// ToolResult is the result of a tool call
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a piece of content in a tool result
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource"
	Text string `json:"text,omitempty"`
}

// ============================================================================
// DEMO MCP SERVER
// ============================================================================

const (
	defaultPasswordLength = 12
	minPasswordLength     = 4
	maxPasswordLength     = 128
	maxRequestBody        = 1 << 20

	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"
)

var weatherConditions = []string{"sunny", "cloudy", "rainy", "snowy", "windy"}

// ServerConfig configures the MCP server
type ServerConfig struct {
	// Name and Version are reported by initialize
	Name    string
	Version string

	// Clock stamps tool output
	Clock clock.Clock

	// Rand drives generated passwords and simulated weather.
	// Defaults to crypto/rand.Reader.
	Rand io.Reader

	Logger *slog.Logger
}

// Server is the demo MCP server
type Server struct {
	config ServerConfig
	randMu sync.Mutex
}

// NewServer creates a new MCP server
func NewServer(config ServerConfig) *Server {
	if config.Name == "" {
		config.Name = "mcp-paywall-demo"
	}
	if config.Version == "" {
		config.Version = "1.0.0"
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Server{config: config}
}

// GetTools returns the list of available tools
func (s *Server) GetTools() []Tool {
	return []Tool{
		{
			Name:        "get_weather",
			Description: "Get current weather information for any city worldwide.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"city": {Type: "string", Description: "City name"},
				},
				Required: []string{"city"},
			},
		},
		{
			Name:        "generate_password",
			Description: "Generate a secure password with customizable length.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"length": {
						Type:        "number",
						Description: fmt.Sprintf("Password length (%d-%d)", minPasswordLength, maxPasswordLength),
						Default:     defaultPasswordLength,
					},
				},
			},
		},
		{
			Name:        "calculate_hash",
			Description: "Calculate the SHA-256 hash of input text.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"input": {Type: "string", Description: "Text to hash"},
				},
				Required: []string{"input"},
			},
		},
		{
			Name:        "paywall_session",
			Description: "Show the paid session this request is authorized by.",
			InputSchema: InputSchema{Type: "object"},
		},
	}
}

// GetResources returns the list of readable resources
func (s *Server) GetResources() []Resource {
	return []Resource{
		{URI: "demo://productivity-tips", Name: "Productivity Tips", Description: "Access to productivity tips.", MimeType: "application/json"},
		{URI: "demo://dev-tools", Name: "Development Tools", Description: "List of useful development tools.", MimeType: "application/json"},
	}
}

// CallTool handles a tool call
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	userID := callerID(ctx)
	s.config.Logger.Info("tool call", "tool", name, "user_id", userID)

	switch name {
	case "get_weather":
		return s.handleWeather(userID, args)
	case "generate_password":
		return s.handlePassword(userID, args)
	case "calculate_hash":
		return s.handleHash(userID, args)
	case "paywall_session":
		return s.handleSession(ctx)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource returns the contents of a resource
func (s *Server) ReadResource(ctx context.Context, uri string) (*ResourceContents, error) {
	userID := callerID(ctx)
	var payload map[string]any
	switch uri {
	case "demo://productivity-tips":
		payload = map[string]any{
			"title": "Productivity Tips",
			"tips": []string{
				"Use the Pomodoro Technique: 25-minute focused work sessions",
				"Prioritize tasks using a simple to-do list",
				"Take regular breaks to maintain focus",
				"Eliminate distractions during work hours",
				"Set clear daily goals",
			},
		}
	case "demo://dev-tools":
		payload = map[string]any{
			"title": "Development Tools",
			"tools": []map[string]string{
				{"name": "Visual Studio Code", "category": "Editor", "url": "https://code.visualstudio.com"},
				{"name": "Git", "category": "Version Control", "url": "https://git-scm.com"},
				{"name": "Postman", "category": "API Testing", "url": "https://postman.com"},
				{"name": "Docker", "category": "Containerization", "url": "https://docker.com"},
			},
		}
	default:
		return nil, fmt.Errorf("unknown resource: %s", uri)
	}
	payload["user_id"] = userID
	payload["accessed_at"] = s.timestamp()

	text, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return &ResourceContents{URI: uri, MimeType: "application/json", Text: string(text)}, nil
}

// ============================================================================
// TOOL IMPLEMENTATIONS
// ============================================================================

func (s *Server) handleWeather(userID string, args map[string]any) (*ToolResult, error) {
	city, _ := args["city"].(string)
	city = strings.TrimSpace(city)
	if city == "" {
		return errorResult("city is required"), nil
	}

	temperature, err := s.randIntn(45)
	if err != nil {
		return nil, err
	}
	temperature -= 10
	pick, err := s.randIntn(len(weatherConditions))
	if err != nil {
		return nil, err
	}
	condition := weatherConditions[pick]

	return jsonResult(map[string]any{
		"city":                city,
		"temperature_celsius": temperature,
		"condition":           condition,
		"description":         fmt.Sprintf("Currently %s with %d°C", condition, temperature),
		"timestamp":           s.timestamp(),
		"user_id":             userID,
		"note":                "This is simulated weather data for demo purposes.",
	})
}

func (s *Server) handlePassword(userID string, args map[string]any) (*ToolResult, error) {
	length := defaultPasswordLength
	if l, ok := args["length"].(float64); ok {
		length = int(l)
	}
	if length < minPasswordLength || length > maxPasswordLength {
		return errorResult(fmt.Sprintf("length must be between %d and %d", minPasswordLength, maxPasswordLength)), nil
	}

	password := make([]byte, length)
	for i := range password {
		n, err := s.randIntn(len(passwordAlphabet))
		if err != nil {
			return nil, err
		}
		password[i] = passwordAlphabet[n]
	}

	return jsonResult(map[string]any{
		"password":     string(password),
		"length":       length,
		"generated_at": s.timestamp(),
		"user_id":      userID,
	})
}

func (s *Server) handleHash(userID string, args map[string]any) (*ToolResult, error) {
	input, ok := args["input"].(string)
	if !ok {
		return errorResult("input is required"), nil
	}
	sum := sha256.Sum256([]byte(input))

	return jsonResult(map[string]any{
		"input_text":    input,
		"sha256_hash":   hex.EncodeToString(sum[:]),
		"calculated_at": s.timestamp(),
		"user_id":       userID,
	})
}

func (s *Server) handleSession(ctx context.Context) (*ToolResult, error) {
	id, ok := paywall.IdentityFromContext(ctx)
	if !ok {
		return errorResult("no paid session on this request"), nil
	}
	return jsonResult(map[string]any{
		"user_id":         id.UserID,
		"user_identifier": id.UserIdentifier,
		"provider":        id.Provider,
		"expires_at":      id.ExpiresAt.UTC().Format(time.RFC3339),
		"remaining":       id.ExpiresAt.Sub(s.config.Clock.Now()).Round(time.Second).String(),
	})
}

// ============================================================================
// TRANSPORT: HTTP
// ============================================================================

// Handler serves JSON-RPC over HTTP POST. Notifications get 202 with no
// body.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)

		var req JSONRPCRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			s.sendError(encoder, nil, ParseError, "Parse error")
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.sendError(encoder, req.ID, InvalidRequest, "Invalid request")
			return
		}
		if req.ID == nil && strings.HasPrefix(req.Method, "notifications/") {
			w.WriteHeader(http.StatusAccepted)
			return
		}

		s.handleRequest(r.Context(), encoder, &req)
	})
}

// ============================================================================
// REQUEST HANDLING
// ============================================================================

func (s *Server) handleRequest(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(encoder, req)
	case "ping":
		s.sendResult(encoder, req.ID, map[string]any{})
	case "tools/list":
		s.sendResult(encoder, req.ID, map[string]any{"tools": s.GetTools()})
	case "tools/call":
		s.handleToolsCall(ctx, encoder, req)
	case "resources/list":
		s.sendResult(encoder, req.ID, map[string]any{"resources": s.GetResources()})
	case "resources/read":
		s.handleResourcesRead(ctx, encoder, req)
	default:
		s.sendError(encoder, req.ID, MethodNotFound, "Method not found")
	}
}

func (s *Server) handleInitialize(encoder *json.Encoder, req *JSONRPCRequest) {
	result := map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    s.config.Name,
			"version": s.config.Version,
		},
		"capabilities": map[string]any{
			"tools":     map[string]bool{},
			"resources": map[string]bool{},
		},
	}
	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleToolsCall(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.sendError(encoder, req.ID, InvalidParams, "Invalid params")
		return
	}

	result, err := s.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		s.sendError(encoder, req.ID, InternalError, err.Error())
		return
	}

	s.sendResult(encoder, req.ID, result)
}

func (s *Server) handleResourcesRead(ctx context.Context, encoder *json.Encoder, req *JSONRPCRequest) {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		s.sendError(encoder, req.ID, InvalidParams, "Invalid params")
		return
	}

	contents, err := s.ReadResource(ctx, params.URI)
	if err != nil {
		s.sendError(encoder, req.ID, InvalidParams, err.Error())
		return
	}
	s.sendResult(encoder, req.ID, map[string]any{"contents": []*ResourceContents{contents}})
}

func (s *Server) sendResult(encoder *json.Encoder, id any, result any) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	})
}

func (s *Server) sendError(encoder *json.Encoder, id any, code int, message string) {
	_ = encoder.Encode(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Server) randIntn(n int) (int, error) {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	v, err := rand.Int(s.config.Rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("mcp: reading randomness: %w", err)
	}
	return int(v.Int64()), nil
}

func (s *Server) timestamp() string {
	return s.config.Clock.Now().UTC().Format("2006-01-02 15:04:05 UTC")
}

// callerID names the paying caller for logs and tool output
func callerID(ctx context.Context) string {
	if id, ok := paywall.IdentityFromContext(ctx); ok {
		return id.UserID
	}
	return "unknown"
}

func jsonResult(v any) (*ToolResult, error) {
	text, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(text)), nil
}

func textResult(text string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func errorResult(message string) *ToolResult {
	return &ToolResult{
		Content: []ContentBlock{{Type: "text", Text: "Error: " + message}},
		IsError: true,
	}
}
