package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/internal/reliability"
	"github.com/glimte/agentmsg/messaging"
	"github.com/glimte/agentmsg/monitor"
	"github.com/glimte/agentmsg/ratelimit"
	"github.com/glimte/agentmsg/router"
	"github.com/glimte/agentmsg/transports/websocket"
	"github.com/glimte/agentmsg/trust"
)

var errContentNotCovered = errors.New("trust token does not cover the message content")

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	sess, err := s.hub.Session(chi.URLParam(r, "session"))
	switch {
	case errors.Is(err, ErrInvalidSession):
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	return sess, true
}

// SessionInfo describes a session's queues and transports
type SessionInfo struct {
	Session   string         `json:"session"`
	Depths    map[string]int `json:"depths"`
	Transport string         `json:"transport"`
	Mailbox   int            `json:"mailbox"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.hub.Names()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.hub.Lookup(chi.URLParam(r, "session"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, SessionInfo{
		Session:   sess.Name(),
		Depths:    sess.Router().Depths(),
		Transport: messaging.TransportName(sess.Transport()),
		Mailbox:   sess.Mailbox().Len(),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var msg contracts.AgentMessage
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&msg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if msg.TrustToken != nil && s.codec != nil {
		err := s.codec.Check(msg.TrustToken)
		if err == nil && !trust.MatchesContent(msg.TrustToken, []byte(msg.Content)) {
			err = errContentNotCovered
		}
		if err != nil {
			s.hub.metrics.MessageRejected(msg.AgentType, monitor.RejectUntrusted)
			s.logger.Info("message rejected",
				"reason", monitor.RejectUntrusted,
				"session", chi.URLParam(r, "session"),
				"messageId", msg.ID,
				"agentType", msg.AgentType,
				"error", err)
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	receipt, err := sess.Router().Submit(r.Context(), &msg)
	if err != nil {
		status, message := submitStatus(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window/time.Second)))
		}
		writeError(w, status, message)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func submitStatus(err error) (int, string) {
	switch {
	case errors.Is(err, contracts.ErrValidation):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, contracts.ErrStaleMessage):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, contracts.ErrRateLimited):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, router.ErrNotAccepting):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "max must be a non-negative integer")
			return
		}
		max = n
	}

	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	messages := sess.Mailbox().Poll(max)
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

type ackRequest struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) ack(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	sess, ok := s.hub.Lookup(chi.URLParam(r, "session"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	ack := messaging.Ack{
		MessageID:   chi.URLParam(r, "id"),
		Success:     req.Success == nil || *req.Success,
		Error:       req.Error,
		ProcessedAt: time.Now(),
	}
	if !sess.Mailbox().Ack(ack) {
		writeError(w, http.StatusNotFound, "no delivery is waiting for that acknowledgment")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Warn("websocket upgrade failed", "session", sess.Name(), "error", err)
		return
	}

	t := websocket.Accept(conn,
		websocket.WithTracker(sess.Tracker()),
		websocket.WithLogger(sess.logger),
	)
	sess.Attach(t)
	defer sess.Detach(t)

	err = t.Run(s.hub.ctx)
	sess.logger.Debug("websocket closed", "error", err)
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := reliability.FailureFilter{
		Session:    q.Get("session"),
		AgentType:  contracts.AgentType(q.Get("agentType")),
		Outcome:    reliability.Outcome(q.Get("outcome")),
		Unresolved: q.Get("unresolved") == "true",
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	records, err := s.hub.Failures().List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []*reliability.FailureRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": records})
}

func (s *Server) resolveFailure(w http.ResponseWriter, r *http.Request) {
	err := s.hub.Failures().Resolve(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, reliability.ErrFailureNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// VerifyResponse is the body returned by the token verification endpoint
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request) {
	if s.codec == nil {
		writeError(w, http.StatusNotImplemented, "no signing secret configured")
		return
	}
	var token contracts.TrustToken
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodySize)).Decode(&token); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	res := s.codec.Verify(&token)
	out := VerifyResponse{Valid: res.Valid, Reason: string(res.Reason)}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}
