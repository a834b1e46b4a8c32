package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/AgentPipe/internal/models"
)

// statusResult is the GET /status payload.
type statusResult struct {
	Sessions  int                    `json:"sessions"`
	Jobs      int                    `json:"jobs"`
	Heartbeat *models.HeartbeatState `json:"heartbeat,omitempty"`
	UptimeSec int64                  `json:"uptime_seconds"`
}

// statusHandler reports overall process state.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	result := statusResult{
		Sessions:  len(s.registry.List()),
		Jobs:      len(s.engine.Jobs()),
		UptimeSec: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.heartbeat != nil {
		state := s.heartbeat.State()
		result.Heartbeat = &state
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

// sessionsHandler lists sessions and removes one or all of them.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.registry.List()))
	case http.MethodDelete:
		key := r.URL.Query().Get("key")
		if key == "" {
			s.registry.Clear()
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("All sessions removed", nil))
			return
		}
		if err := s.registry.Remove(key); err != nil {
			slog.Warn("Server.sessionsHandler: session removal failed", "key", key, "error", err)
			writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session removed", nil))
	default:
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// sessionLogHandler returns the durable message log for one session.
func (s *Server) sessionLogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing key parameter"))
		return
	}
	sess, err := s.registry.Get(key)
	if err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Session not found"))
		return
	}
	entries, err := s.st.LoadLog(sess.ID)
	if err != nil {
		slog.Error("Server.sessionLogHandler: log load failed", "key", key, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load session log"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// jobsHandler lists, creates and deletes scheduled jobs.
func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSONResponse(w, http.StatusOK, models.Success(s.engine.Jobs()))
	case http.MethodPost:
		var job models.ScheduledJob
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
			return
		}
		job.Enabled = true
		created, err := s.engine.AddJob(job)
		if err != nil {
			slog.Warn("Server.jobsHandler: job rejected", "name", job.Name, "error", err)
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid job: "+err.Error()))
			return
		}
		slog.Info("Server.jobsHandler: job created", "id", created.ID, "name", created.Name)
		writeJSONResponse(w, http.StatusCreated, models.Success(created))
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing id parameter"))
			return
		}
		if err := s.engine.RemoveJob(id); err != nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
			return
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job removed", nil))
	default:
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
	}
}

// jobActionHandler serves /jobs/{id} and /jobs/{id}/{run|enable|disable}.
func (s *Server) jobActionHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			job, err := s.engine.Job(id)
			if err != nil {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.Success(job))
		case http.MethodDelete:
			if err := s.engine.RemoveJob(id); err != nil {
				writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
				return
			}
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job removed", nil))
		default:
			writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		}
		return
	}

	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var err error
	switch parts[1] {
	case "run":
		err = s.engine.RunNow(r.Context(), id)
	case "enable":
		err = s.engine.SetEnabled(id, true)
	case "disable":
		err = s.engine.SetEnabled(id, false)
	default:
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown job action"))
		return
	}
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
			return
		}
		slog.Warn("Server.jobActionHandler: job action failed", "id", id, "action", parts[1], "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Job action failed: "+err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Job "+parts[1]+" succeeded", nil))
}

// inboundRequest is the POST /inbound body from the desktop client.
type inboundRequest struct {
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// inboundHandler injects one desktop message into the router. Replies and
// notices come back through GET /outbound.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}

	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON body"))
		return
	}

	msg := models.InboundMessage{
		Channel:        models.ChannelDesktop,
		ConversationID: req.ConversationID,
		SenderID:       "owner",
		Body:           req.Body,
	}
	if err := s.desktop.Inject(msg); err != nil {
		slog.Warn("Server.inboundHandler: inject failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Message rejected: "+err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.SuccessWithMessage("Message accepted", nil))
}

// outboundHandler drains queued desktop messages for the polling client.
func (s *Server) outboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.desktop.DrainOutbound()))
}

// twilioInboundHandler serves the Twilio webhook when the channel is on.
func (s *Server) twilioInboundHandler(w http.ResponseWriter, r *http.Request) {
	if s.twilio == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Twilio channel not configured"))
		return
	}
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	s.twilio.WebhookHandler(w, r)
}
