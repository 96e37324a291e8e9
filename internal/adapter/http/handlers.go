package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/PRDForge/internal/adapter/ws"
	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/domain/event"
	"github.com/Strob0t/PRDForge/internal/domain/project"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/port/database"
)

// SourceAPI is the source agent of events published by the HTTP API.
const SourceAPI = "api"

// Handlers holds the collaborators behind the HTTP API. Memory, Store,
// Journal and Hub are optional; their routes answer 503 when unset.
type Handlers struct {
	Lead       *agent.Lead
	Consultant *agent.Consultant
	Memory     *agent.Memory
	Bus        *eventbus.Bus
	Store      database.Store
	Journal    *eventbus.Journal
	Hub        *ws.Hub
	Checks     []HealthCheck
	BodyLimit  int64
}

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

const healthCheckTimeout = 2 * time.Second

func (h *Handlers) bodyLimit() int64 {
	if h.BodyLimit > 0 {
		return h.BodyLimit
	}
	return defaultBodyLimit
}

type healthResponse struct {
	Status        string            `json:"status"`
	Subscriptions int               `json:"subscriptions"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// Health reports liveness, the number of live subscriptions and the result of
// every dependency check. A failing check answers 503 with status degraded.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for _, n := range h.Bus.Metrics().ActiveSubscriptions {
		resp.Subscriptions += n
	}
	code := http.StatusOK
	if len(h.Checks) > 0 {
		resp.Checks = make(map[string]string, len(h.Checks))
	}
	for _, c := range h.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}
	writeJSON(w, code, resp)
}

// InitializeProject handles POST /api/v1/projects/init. The request
// correlation id becomes the project id.
func (h *Handlers) InitializeProject(w http.ResponseWriter, r *http.Request) {
	in, ok := readJSON[project.Init](w, r, h.bodyLimit())
	if !ok {
		return
	}
	res := h.Lead.InitializeProject(r.Context(), in)
	if res.Failed() {
		writeJSON(w, http.StatusBadRequest, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// SubmitFeedback handles POST /api/v1/projects/feedback by sending a
// user_feedback event to the lead under the project's correlation id.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	p, ok := readJSON[event.UserFeedbackPayload](w, r, h.bodyLimit())
	if !ok {
		return
	}
	msg, err := h.Lead.SubmitFeedback(r.Context(), SourceAPI, p)
	if err != nil {
		writeDomainError(w, err, "no active project")
		return
	}
	writeJSON(w, http.StatusAccepted, agent.OK(map[string]string{"message_id": msg.ID, "project_id": msg.CorrelationID}))
}

// GetProgress handles GET /api/v1/projects/progress.
func (h *Handlers) GetProgress(w http.ResponseWriter, _ *http.Request) {
	p, err := h.Lead.Progress()
	if err != nil {
		writeDomainError(w, err, "no active project")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetDocument handles GET /api/v1/projects/document. ?format=markdown
// returns the rendered PRD instead of JSON.
func (h *Handlers) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Lead.Document()
	if err != nil {
		writeDomainError(w, err, "no active project")
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "json":
		writeJSON(w, http.StatusOK, doc)
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc.Markdown()))
	default:
		writeError(w, http.StatusBadRequest, "format must be json or markdown")
	}
}

type consultantMessageRequest struct {
	Message string `json:"message"`
}

// ConsultantMessage handles POST /api/v1/consultant/messages.
func (h *Handlers) ConsultantMessage(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[consultantMessageRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}
	if !requireField(w, req.Message, "message") {
		return
	}
	res := h.Consultant.ProcessMessage(r.Context(), req.Message)
	if res.Failed() {
		writeJSON(w, http.StatusBadGateway, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ApproveSummary handles POST /api/v1/consultant/approve. Approving before
// a summary exists is a conflict.
func (h *Handlers) ApproveSummary(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.Consultant.Summary(); !ok {
		writeError(w, http.StatusConflict, agent.ErrNoSummary.Error())
		return
	}
	res := h.Consultant.ApproveSummary(r.Context())
	if res.Failed() {
		writeJSON(w, http.StatusInternalServerError, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// ListEvents handles GET /api/v1/events with optional topic, since and
// until (RFC 3339) filters over the in-memory history.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
		return
	}
	until, err := queryTime(r, "until")
	if err != nil {
		writeError(w, http.StatusBadRequest, "until must be an RFC 3339 timestamp")
		return
	}
	f := eventbus.HistoryFilter{Topic: r.URL.Query().Get("topic"), Start: since, End: until}
	if f.Topic != "" && f.Topic != eventbus.Wildcard {
		if err := h.Bus.Router().Validate(f.Topic); err != nil {
			writeDomainError(w, err, "")
			return
		}
	}
	writeJSON(w, http.StatusOK, h.Bus.History(f))
}

// EventsByCorrelation handles GET /api/v1/events/{correlationID} from the
// durable event log.
func (h *Handlers) EventsByCorrelation(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "event log not configured")
		return
	}
	id := urlParam(r, "correlationID")
	if !requireField(w, id, "correlation id") {
		return
	}
	events, err := h.Store.ListEventsByCorrelation(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "events not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type metricsResponse struct {
	eventbus.Metrics
	WebSocketConnections int   `json:"websocket_connections"`
	JournalDropped       int64 `json:"journal_dropped"`
	JournalFailed        int64 `json:"journal_failed"`
}

// GetMetrics handles GET /api/v1/metrics.
func (h *Handlers) GetMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := metricsResponse{Metrics: h.Bus.Metrics()}
	if h.Hub != nil {
		resp.WebSocketConnections = h.Hub.ConnectionCount()
	}
	if h.Journal != nil {
		resp.JournalDropped = h.Journal.Dropped()
		resp.JournalFailed = h.Journal.Failed()
	}
	writeJSON(w, http.StatusOK, resp)
}

// SearchMemory handles GET /api/v1/memory/search?q=...&k=...
func (h *Handlers) SearchMemory(w http.ResponseWriter, r *http.Request) {
	if h.Memory == nil {
		writeError(w, http.StatusServiceUnavailable, "memory not configured")
		return
	}
	q := r.URL.Query().Get("q")
	if !requireField(w, q, "q") {
		return
	}
	k, err := queryInt(r, "k", agent.DefaultSimilarK)
	if err != nil || k < 1 {
		writeError(w, http.StatusBadRequest, "k must be a positive integer")
		return
	}
	hits, err := h.Memory.SearchSimilar(r.Context(), q, k)
	if err != nil {
		writeDomainError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, hits)
}

// Stream upgrades to the live event WebSocket.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	if h.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "websocket not configured")
		return
	}
	h.Hub.HandleWS(w, r)
}
