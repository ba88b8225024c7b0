package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"

	"github.com/coder/websocket"
	"github.com/creack/pty"
)

// resizeMsg is a control message sent by the client to resize the
// terminal.
type resizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// handleTerminal upgrades to a websocket and bridges it to a shell on a
// PTY. Binary frames carry terminal I/O, text frames carry resize
// control messages.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Origin differs from Host behind the relay.
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer ws.CloseNow()

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	ptmx, err := pty.Start(cmd)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to start terminal")
		ws.Close(websocket.StatusInternalError, "terminal start failed")
		return
	}
	defer func() {
		ptmx.Close()
		cmd.Process.Kill()
		cmd.Wait()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// PTY -> websocket (binary).
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				if writeErr := ws.Write(ctx, websocket.MessageBinary, buf[:n]); writeErr != nil {
					cancel()
					return
				}
			}
			if err != nil {
				cancel()
				return
			}
		}
	}()

	// Websocket -> PTY. Text messages are control messages (resize).
	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			break
		}

		switch msgType {
		case websocket.MessageBinary:
			if _, err := ptmx.Write(data); err != nil {
				cancel()
				return
			}
		case websocket.MessageText:
			var msg resizeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
				pty.Setsize(ptmx, &pty.Winsize{
					Rows: uint16(msg.Rows),
					Cols: uint16(msg.Cols),
				})
			}
		}
	}

	ws.Close(websocket.StatusNormalClosure, "")
}
