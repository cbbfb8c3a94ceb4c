package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/casualjim/chanman/internal/session"
	"github.com/casualjim/chanman/pkg/slogx"
	json "github.com/goccy/go-json"
)

const okMessage = "Ok"

type publishRequest struct {
	Topic   *string `json:"topic"`
	Message *string `json:"message"`
}

type response struct {
	Message string `json:"message"`
}

type statsResponse struct {
	Sessions int            `json:"sessions"`
	Topics   map[string]int `json:"topics"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "invalid publish payload: " + err.Error()})
		return
	}
	if req.Topic == nil || req.Message == nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "publish payload requires topic and message"})
		return
	}

	s.metrics.publishes.Inc()
	// Success does not depend on anyone listening.
	if err := s.broker.Publish(r.Context(), *req.Topic, *req.Message); err != nil {
		s.logger.Debug("publish interrupted", slogx.Topic(*req.Topic), slogx.Error(err))
	}
	writeJSON(w, http.StatusOK, response{Message: okMessage})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		writeJSON(w, http.StatusServiceUnavailable, response{Message: "shutting down"})
		return
	}
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already answered the request.
		s.logger.Debug("websocket upgrade failed", slogx.Error(err))
		return
	}

	sess := session.New(conn, s.broker,
		session.WithLogger(s.logger),
		session.WithPingPeriod(s.pingPeriod),
		session.WithWriteWait(s.writeWait),
	)

	s.sessions.Add(sess.ID(), sess)
	s.metrics.sessions.Inc()
	defer func() {
		s.metrics.sessions.Dec()
		s.sessions.Del(sess.ID())
	}()

	if err := sess.Run(s.baseCtx); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, session.ErrNoTopic) || errors.Is(err, session.ErrClosed) {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "session ended", slogx.Session(sess.ID()), slogx.Error(err))
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Sessions: s.sessions.Len(),
		Topics:   s.broker.Topics(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Message: okMessage})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
