package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyloom/storyloom/core/agent"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:  isAllowedOrigin,
	Subprotocols: []string{wsTokenProtocol},
}

// watchFrame is one message on the /job/watch stream.
type watchFrame struct {
	Type    string             `json:"type"`
	Attempt int                `json:"attempt,omitempty"`
	Job     *jobStatusResponse `json:"job,omitempty"`
	Error   *errorEnvelope     `json:"error,omitempty"`
}

const (
	frameStatus = "status"
	frameFinal  = "final"
	frameError  = "error"
)

// handleWatchJob upgrades to a websocket, polls the job server-side and
// pushes every snapshot, then a final or error frame before closing.
func (s *server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r)
	ra := authFromContext(r.Context())
	if ra == nil {
		writeErrorEnvelope(w, http.StatusUnauthorized, "missing or invalid credentials", "")
		return
	}
	handle, err := handleFromRequest(r)
	if err != nil {
		writeErrorEnvelope(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	log = log.With("thread_id", handle.ThreadID, "agent_run_id", handle.AgentRunID)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	log.Info("watch started", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client never sends data; a read error means it went away.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	send := func(f watchFrame) error {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return ws.WriteJSON(f)
	}

	opts := s.poll
	opts.Logger = log
	opts.OnStatus = func(attempt int, st *agent.JobStatus) {
		s.recordStatus(ctx, log, ra.Principal, handle, st)
		if st.Status.Terminal() {
			return
		}
		resp := newJobStatusResponse(st)
		if err := send(watchFrame{Type: frameStatus, Attempt: attempt, Job: &resp}); err != nil {
			cancel()
		}
	}
	final, err := agent.NewPoller(s.status, opts).PollUntilDone(ctx, ra.Credential, handle)

	switch {
	case err == nil:
		resp := newJobStatusResponse(final)
		_ = send(watchFrame{Type: frameFinal, Job: &resp})
	case errors.Is(err, context.Canceled):
		log.Info("watch cancelled")
		return
	default:
		status, msg, details := describeError(err)
		log.Warn("watch ended with error", "status", status, "error", err)
		f := watchFrame{Type: frameError, Error: &errorEnvelope{Error: msg, Details: clipDetail(details)}}
		if final != nil {
			resp := newJobStatusResponse(final)
			f.Job = &resp
		}
		_ = send(f)
	}
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
