package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/seantiz/genhub/internal/model"
	"github.com/seantiz/genhub/internal/stream"
)

const (
	frameWriteTimeout = 10 * time.Second
	closeGracePeriod  = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream attaches the connection to the stream before upgrading, so
// unknown and already-claimed handles are refused with a plain HTTP status.
// Once upgraded it sends exactly the terminal message and the end signal,
// then closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	log := s.logger.With("stream_id", id)

	if !model.ValidID(id) {
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	}

	feed, err := s.streams.Attach(id)
	switch {
	case errors.Is(err, stream.ErrStreamNotFound):
		s.writeError(w, http.StatusNotFound, "stream not found")
		return
	case errors.Is(err, stream.ErrDuplicateConnection):
		s.writeError(w, http.StatusConflict, "stream already has a connection")
		return
	case err != nil:
		log.Error("attach stream", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to attach stream")
		return
	}
	defer s.streams.Close(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	streamConnections.Inc()
	defer streamConnections.Dec()

	// Clear deadlines inherited from the HTTP server.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.Warn("clear read deadline", "error", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		log.Warn("clear write deadline", "error", err)
	}

	// The reader only watches for the client going away; it also answers
	// pings and close frames through the default handlers.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log.Info("stream connected", "remote", r.RemoteAddr)

	timer := time.NewTimer(s.opts.DeliveryTimeout)
	defer timer.Stop()

	select {
	case outcome := <-feed:
		s.deliver(log, conn, id, outcome)
	case <-gone:
		log.Info("client left before outcome arrived")
		return
	case <-timer.C:
		log.Warn("no outcome within delivery window", "timeout", s.opts.DeliveryTimeout.String())
		closeConn(log, conn, websocket.CloseGoingAway)
		return
	case <-s.closing:
		closeConn(log, conn, websocket.CloseGoingAway)
		return
	}

	select {
	case <-gone:
	case <-time.After(closeGracePeriod):
	}
}

// deliver writes the terminal message and the end signal, then starts the
// close handshake.
func (s *Server) deliver(log *slog.Logger, conn *websocket.Conn, id string, outcome model.Outcome) {
	frames := []rpcNotification{
		{JSONRPC: jsonRPCVersion, Method: "stream/chunk", Params: chunkFor(id, outcome)},
		{JSONRPC: jsonRPCVersion, Method: "stream/end", Params: endParams{StreamID: id}},
	}
	for _, f := range frames {
		data, err := json.Marshal(f)
		if err != nil {
			log.Error("encode stream frame", "method", f.Method, "error", err)
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout)); err != nil {
			log.Warn("set frame write deadline", "method", f.Method, "error", err)
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn("write stream frame", "method", f.Method, "error", err)
			return
		}
	}

	closeConn(log, conn, websocket.CloseNormalClosure)
	log.Info("stream delivered", "succeeded", outcome.Succeeded())
}

func closeConn(log *slog.Logger, conn *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(frameWriteTimeout)); err != nil {
		log.Warn("write close frame", "code", code, "error", err)
	}
}

// chunkFor renders the terminal outcome as stream/chunk params.
func chunkFor(id string, outcome model.Outcome) chunkParams {
	if outcome.Succeeded() {
		res := outcome.Result
		return chunkParams{
			StreamID: id,
			Result: &toolResult{
				StructuredOutput: structuredOutput{
					ImageURL:             res.ImageURL,
					Seed:                 res.Seed,
					HumanReadableSummary: res.Summary(),
				},
				Content: []contentItem{{Type: "image", Source: res.ImageURL}},
			},
		}
	}

	code := codeBackendPermanent
	msg := "job failed"
	if outcome.Err != nil {
		msg = outcome.Err.Message
		if outcome.Err.Kind == model.KindBackendTimeout {
			code = codeBackendTimeout
		}
	}
	return chunkParams{StreamID: id, Error: &rpcError{Code: code, Message: msg}}
}
