package gateway

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/kittengrid/agent/internal/supervisor"
)

// handleLogs streams one output stream of a service over a websocket.
// Retained lines are replayed first, then the stream follows live
// output until the client disconnects.
func (s *Server) handleLogs(stream supervisor.Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		ch, cancel, err := s.sup.Subscribe(name, stream)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown service: "+name)
			return
		}
		defer cancel()

		s.streamLines(w, r, ch)
	}
}

// handleCombinedLogs interleaves stdout and stderr on one websocket.
func (s *Server) handleCombinedLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	stdout, cancelOut, err := s.sup.Subscribe(name, supervisor.StreamStdout)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown service: "+name)
		return
	}
	defer cancelOut()
	stderr, cancelErr, err := s.sup.Subscribe(name, supervisor.StreamStderr)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown service: "+name)
		return
	}
	defer cancelErr()

	merged := make(chan []byte, 64)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	forward := func(src <-chan []byte) {
		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-src:
				if !ok {
					return
				}
				select {
				case merged <- line:
				case <-ctx.Done():
					return
				}
			}
		}
	}
	go forward(stdout)
	go forward(stderr)

	s.streamLines(w, r, merged)
}

func (s *Server) streamLines(w http.ResponseWriter, r *http.Request, lines <-chan []byte) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind the relay.
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case line, ok := <-lines:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := ws.Write(ctx, websocket.MessageText, line); err != nil {
				return
			}
		}
	}
}
