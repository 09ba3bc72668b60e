package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"reminderd/internal/config"
	"reminderd/internal/core"
	"reminderd/internal/runner"
	"reminderd/internal/slack"
)

// SlackAPI is the directory/formatting surface the handlers need; the
// delivery path itself goes through the runner.
type SlackAPI interface {
	ListChannels(ctx context.Context) ([]slack.Channel, error)
	ChannelMembers(ctx context.Context, channelID string) ([]string, error)
	FindChannelByName(ctx context.Context, name string) (*slack.Channel, error)
	SendFormattedMessage(ctx context.Context, channelID, fallback, lead string, fields []slack.Field) error
}

type Server struct {
	Store  *core.Store
	Runner *runner.Runner
	Slack  SlackAPI
	Auth   config.AuthConfig
	Log    zerolog.Logger
}

func NewServer(store *core.Store, run *runner.Runner, api SlackAPI, auth config.AuthConfig, log zerolog.Logger) *Server {
	return &Server{
		Store:  store,
		Runner: run,
		Slack:  api,
		Auth:   auth,
		Log:    log.With().Str("component", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(instrument)

	s.mountHealth(r)
	s.mountMetrics(r)

	// Due-check trigger, protected by the cron shared secret. GET is kept for
	// hosted-cron services that only issue GETs.
	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(s.Auth.CronSecret))
		g.Post("/run-due", s.runDue)
		g.Get("/run-due", s.runDue)
	})

	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(s.Auth.ExternalAPISecret))
		g.Post("/external-message", s.externalMessage)
	})

	// Dashboard API.
	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(s.Auth.APIToken))
		g.Get("/reminders", s.listReminders)
		g.Post("/reminders", s.createReminder)
		g.Put("/reminders/{id}", s.updateReminder)
		g.Delete("/reminders/{id}", s.deleteReminder)
		g.Post("/reminders/{id}/run", s.runReminder)
		g.Get("/slack/channels", s.listChannels)
		g.Get("/slack/channel-members", s.channelMembers)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store errors onto the API error taxonomy. Internal detail
// is logged, not leaked.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrValidation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "reminder not found"})
	default:
		s.Log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (s *Server) runDue(w http.ResponseWriter, r *http.Request) {
	results, err := s.Runner.RunDue(r.Context(), time.Now().UTC())
	if err != nil {
		s.Log.Error().Err(err).Msg("due-check failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "run failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "count": len(results), "results": results})
}

func (s *Server) listReminders(w http.ResponseWriter, r *http.Request) {
	items, err := s.Store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) createReminder(w http.ResponseWriter, r *http.Request) {
	var in core.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	in.CreatedBy = r.Header.Get("X-Forwarded-User")
	item, err := s.Store.Create(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func (s *Server) updateReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var in core.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_body"})
		return
	}
	item, err := s.Store.Update(r.Context(), id, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) deleteReminder(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runReminder fires one reminder immediately through the normal
// delivery+persist path, due or not.
func (s *Server) runReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := s.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	now := time.Now().UTC()
	res := s.Runner.RunOne(r.Context(), &rem, now)
	if !res.Sent {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": res.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": rem.ID, "lastRunAt": now})
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.Slack.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if channels == nil {
		channels = []slack.Channel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) channelMembers(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channelId")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channelId is required"})
		return
	}
	members, err := s.Slack.ChannelMembers(r.Context(), channelID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

type externalMessageRequest struct {
	RequestTime string `json:"requestTime"`
	RequestType string `json:"requestType"`
	Message     string `json:"message"`
	RequestBy   string `json:"requestBy"`
	HRRecords   string `json:"HR Records/Recommendation"`
	ChannelName string `json:"channelName"`
}

// externalMessage lets trusted external systems post a formatted notification
// into a channel addressed by name.
func (s *Server) externalMessage(w http.ResponseWriter, r *http.Request) {
	var in externalMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON in request body"})
		return
	}
	if in.ChannelName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "the 'channelName' field is required"})
		return
	}

	channel, err := s.Slack.FindChannelByName(r.Context(), in.ChannelName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if channel == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "channel " + in.ChannelName + " not found"})
		return
	}

	var fields []slack.Field
	if in.RequestType != "" {
		fields = append(fields, slack.Field{Label: "Request Type", Value: in.RequestType})
	}
	if in.RequestBy != "" {
		fields = append(fields, slack.Field{Label: "Requested By", Value: in.RequestBy})
	}
	if in.HRRecords != "" {
		fields = append(fields, slack.Field{Label: "HR Records/Recommendation", Value: in.HRRecords})
	}
	if in.RequestTime != "" {
		fields = append(fields, slack.Field{Label: "Request Time", Value: in.RequestTime})
	}
	if in.Message == "" && len(fields) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no message content provided"})
		return
	}

	fallback := "New message received for " + in.ChannelName
	if err := s.Slack.SendFormattedMessage(r.Context(), channel.ID, fallback, in.Message, fields); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Message sent successfully."})
}
