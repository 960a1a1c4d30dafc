package tunnel

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

type statusPayload struct {
	GeneratedAt    time.Time        `json:"generatedAt"`
	ListenAddr     string           `json:"listenAddr"`
	ActiveSessions int              `json:"activeSessions"`
	Sessions       []statusSession  `json:"sessions"`
	Resources      resourceSnapshot `json:"resources"`
}

type statusSession struct {
	ID          string    `json:"id"`
	Account     string    `json:"account,omitempty"`
	Source      string    `json:"source"`
	State       string    `json:"state"`
	Target      string    `json:"target,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	BytesUp     int64     `json:"bytesUp"`
	BytesDown   int64     `json:"bytesDown"`
}

func (s *Server) collectStatus() statusPayload {
	payload := statusPayload{
		GeneratedAt: time.Now(),
		ListenAddr:  s.opts.listen,
		Resources:   s.resources.snapshot(),
	}

	s.sessions.Range(func(_, value any) bool {
		if session, ok := value.(*Session); ok {
			payload.Sessions = append(payload.Sessions, session.snapshot())
		}
		return true
	})
	sort.Slice(payload.Sessions, func(i, j int) bool {
		return payload.Sessions[i].ConnectedAt.Before(payload.Sessions[j].ConnectedAt)
	})
	payload.ActiveSessions = len(payload.Sessions)
	return payload
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.collectStatus()); err != nil {
		s.logger.Warn("encode status", "error", err)
	}
}
