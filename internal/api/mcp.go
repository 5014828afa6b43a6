package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/model"
)

const (
	serverName      = "genhub"
	serverVersion   = "0.1.0"
	protocolVersion = "2025-06-18"
)

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeRPCError(w, nil, codeParseError, "invalid JSON received")
		return
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		s.writeRPCError(w, req.ID, codeInvalidRequest, "not a JSON-RPC 2.0 request")
		return
	}

	rpcRequestsTotal.WithLabelValues(rpcMethodLabel(req.Method)).Inc()

	switch req.Method {
	case "initialize":
		s.writeRPCResult(w, req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
		})
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	case "tools/list":
		s.writeRPCResult(w, req.ID, map[string]any{"tools": s.toolDefinitions()})
	case "tools/call":
		s.handleToolCall(w, r, req)
	default:
		s.writeRPCError(w, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// handleToolCall validates the call, picks a backend, opens the stream and
// hands the job to the engine. Every failure here is reported synchronously
// and leaves no stream behind.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request, req rpcRequest) {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		s.writeRPCError(w, req.ID, codeInvalidParams, "params must name a tool")
		return
	}

	genReq, rt, err := s.buildRequest(params.Name, params.Arguments)
	if err != nil {
		var verr *validationError
		switch {
		case errors.As(err, &verr):
			s.writeRPCError(w, req.ID, codeInvalidParams, verr.Error())
		case errors.Is(err, dispatch.ErrNoCompatibleBackend):
			s.writeRPCError(w, req.ID, codeNoCompatible, err.Error())
		default:
			s.logger.Error("build generation request", "tool", params.Name, "error", err)
			s.writeRPCError(w, req.ID, codeInternalError, "internal server error")
		}
		return
	}

	inst, err := s.dispatcher.Select(r.Context(), rt.Name)
	switch {
	case errors.Is(err, dispatch.ErrNoCompatibleBackend):
		s.writeRPCError(w, req.ID, codeNoCompatible, fmt.Sprintf("no backend serves render type %q", rt.Name))
		return
	case errors.Is(err, dispatch.ErrBackendUnavailable):
		s.writeRPCError(w, req.ID, codeBackendUnavailable, fmt.Sprintf("no backend for render type %q answered", rt.Name))
		return
	case err != nil:
		s.logger.Error("select backend", "render_type", rt.Name, "error", err)
		s.writeRPCError(w, req.ID, codeInternalError, "internal server error")
		return
	}

	id := s.streams.Create()
	job := &model.Job{
		ID:        id,
		Type:      rt.Name,
		Request:   genReq,
		Backend:   inst.Name,
		Status:    model.StatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.engine.Submit(r.Context(), job); err != nil {
		s.streams.Close(id)
		s.logger.Error("submit job", "stream_id", id, "error", err)
		s.writeRPCError(w, req.ID, codeInternalError, "internal server error")
		return
	}

	s.logger.Info("job accepted", "stream_id", id, "tool", params.Name, "render_type", rt.Name, "backend", inst.Name)
	s.writeJSON(w, http.StatusOK, rpcNotification{
		JSONRPC: jsonRPCVersion,
		ID:      req.ID,
		Method:  "stream/start",
		Params:  streamStartParams{StreamID: id, WSURL: s.wsURL(r, id)},
	})
}

// wsURL builds the connection endpoint for a stream from the public URL, or
// from the request host when no public URL is configured.
func (s *Server) wsURL(r *http.Request, id string) string {
	scheme, host := "ws", r.Host
	if r.TLS != nil {
		scheme = "wss"
	}
	if s.opts.PublicURL != "" {
		if u, err := url.Parse(s.opts.PublicURL); err == nil && u.Host != "" {
			host = u.Host
			scheme = "ws"
			if u.Scheme == "https" {
				scheme = "wss"
			}
		}
	}
	return fmt.Sprintf("%s://%s/ws/stream/%s", scheme, host, id)
}
