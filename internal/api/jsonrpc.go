package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const jsonRPCVersion = "2.0"

// JSON-RPC error codes. The -3200x range carries hub-specific failures.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeBackendPermanent   = -32000
	codeBackendTimeout     = -32001
	codeNoCompatible       = -32003
	codeBackendUnavailable = -32004
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcNotification is a server-initiated message; stream/start is sent in
// reply to tools/call and also carries the request id.
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  any             `json:"params"`
}

type streamStartParams struct {
	StreamID string `json:"stream_id"`
	WSURL    string `json:"ws_url"`
}

type chunkParams struct {
	StreamID string      `json:"stream_id"`
	Result   *toolResult `json:"result,omitempty"`
	Error    *rpcError   `json:"error,omitempty"`
}

type endParams struct {
	StreamID string `json:"stream_id"`
}

type toolResult struct {
	StructuredOutput structuredOutput `json:"structured_output"`
	Content          []contentItem    `json:"content"`
}

type structuredOutput struct {
	ImageURL             string `json:"image_url"`
	Seed                 int64  `json:"seed"`
	HumanReadableSummary string `json:"human_readable_summary"`
}

type contentItem struct {
	Type   string `json:"type"`
	Source string `json:"source"`
}

func (s *Server) writeRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	s.writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result})
}

// writeRPCError reports a failure; JSON-RPC errors travel with HTTP 200.
func (s *Server) writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	rpcErrorsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	s.writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: message},
	})
}
