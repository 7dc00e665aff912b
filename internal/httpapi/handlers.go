package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/events"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/queues"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Handler groups the request handlers around the node components.
type Handler struct {
	queues   *queues.Registry
	broker   broker.Broker
	pipeline Pipeline
	webhooks *events.Forwarder
	nodeID   string
	started  time.Time
	logger   *slog.Logger
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type errorBody struct {
	Error string `json:"error"`
}

type createJobReq struct {
	Priority    int            `json:"priority"`
	Data        map[string]any `json:"data"`
	MaxAttempts int            `json:"maxAttempts"`
}

type createJobResp struct {
	ID    string `json:"id"`
	Queue string `json:"queue"`
}

type updateJobReq struct {
	Status       string         `json:"status"`
	Progress     map[string]any `json:"progress"`
	Results      map[string]any `json:"results"`
	MergeResults map[string]any `json:"mergeResults"`
	Error        *string        `json:"error"`
	Data         map[string]any `json:"data"`
	Priority     *int           `json:"priority"`
}

type completeJobReq struct {
	Results map[string]any `json:"results"`
}

type failJobReq struct {
	Error string `json:"error"`
}

type queueListResp struct {
	Queues []queues.Info `json:"queues"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type webhookReq struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Types  []string `json:"types"`
	Filter string   `json:"filter"`
}

type webhookListResp struct {
	Webhooks []events.Webhook `json:"webhooks"`
}

// HealthInfo is the body of GET /health.
type HealthInfo struct {
	Status   string       `json:"status"`
	NodeID   string       `json:"nodeId"`
	UptimeMs int64        `json:"uptimeMs"`
	Queues   int          `json:"queues"`
	Broker   broker.Stats `json:"broker"`
}

// ─── Health & stats ───────────────────────────────────────────────────────────

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthInfo{
		Status:   "ok",
		NodeID:   h.nodeID,
		UptimeMs: time.Since(h.started).Milliseconds(),
		Queues:   len(h.queues.List()),
		Broker:   h.broker.Stats(),
	})
}

func (h *Handler) allStats(w http.ResponseWriter, r *http.Request) {
	infos := h.queues.List()
	out := make([]jobs.QueueStats, 0, len(infos))
	for _, info := range infos {
		a, err := h.queues.Get(info.Name)
		if err != nil {
			continue // removed meanwhile
		}
		s, err := a.GetQueueStats(r.Context())
		if err != nil {
			h.writeErr(w, err)
			return
		}
		out = append(out, s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	s, err := a.GetQueueStats(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ─── Queues ───────────────────────────────────────────────────────────────────

func (h *Handler) listQueues(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, queueListResp{Queues: h.queues.List()})
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.Remove(r.PathValue("queue")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Jobs ─────────────────────────────────────────────────────────────────────

func (h *Handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MaxAttempts < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "maxAttempts must not be negative"})
		return
	}
	a, err := h.queues.Ensure(r.PathValue("queue"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	id, err := a.CreateJob(r.Context(), jobs.NewJob{
		Priority:    req.Priority,
		Data:        req.Data,
		MaxAttempts: req.MaxAttempts,
	})
	h.writeCreated(w, a.Queue(), id, err)
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	q, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	list, err := a.GetJobs(r.Context(), q)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	j, err := a.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	var req updateJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	status := jobs.Status(req.Status)
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("unknown status %q", req.Status)})
		return
	}
	j, err := a.UpdateJob(r.Context(), r.PathValue("id"), jobs.Update{
		Status:       status,
		Progress:     req.Progress,
		Results:      req.Results,
		MergeResults: req.MergeResults,
		Error:        req.Error,
		Data:         req.Data,
		Priority:     req.Priority,
	})
	h.writeJob(w, j, err)
}

func (h *Handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	existed, err := a.DeleteJob(r.Context(), id)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	if !existed {
		h.writeErr(w, &jobs.JobNotFoundError{Queue: a.Queue(), ID: id})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) retryJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	j, err := a.RetryJob(r.Context(), r.PathValue("id"))
	h.writeJob(w, j, err)
}

func (h *Handler) completeJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	var req completeJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	j, err := a.CompleteJob(r.Context(), r.PathValue("id"), req.Results)
	h.writeJob(w, j, err)
}

func (h *Handler) failJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	var req failJobReq
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Error == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "error is required"})
		return
	}
	j, err := a.FailJob(r.Context(), r.PathValue("id"), errors.New(req.Error))
	h.writeJob(w, j, err)
}

// claimJob hands the next waiting job to an external worker. 204 means the
// queue had nothing waiting.
func (h *Handler) claimJob(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	j, err := a.ProcessNextJob(r.Context())
	if j == nil && err == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJob(w, j, err)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func (h *Handler) deadLetters(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	list, err := a.DeadLetters(r.Context(), page)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	n, err := a.ReplayDeadLetters(r.Context(), limit)
	if err != nil && n == 0 {
		h.writeErr(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("dead letter replay stopped early", "queue", a.Queue(), "replayed", n, "err", err)
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: n})
}

// ─── Webhooks ─────────────────────────────────────────────────────────────────

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request) {
	a, ok := h.adapter(w, r)
	if !ok {
		return
	}
	var req webhookReq
	if !decodeJSON(w, r, &req) {
		return
	}
	wh := events.Webhook{Queue: a.Queue(), URL: req.URL, Filter: req.Filter, Secret: req.Secret}
	for _, t := range req.Types {
		wh.Types = append(wh.Types, types.MessageType(t))
	}
	id, err := h.webhooks.Register(r.Context(), wh)
	if err != nil {
		h.writeErr(w, err)
		return
	}
	wh.ID = id
	writeJSON(w, http.StatusCreated, wh)
}

func (h *Handler) listWebhooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, webhookListResp{Webhooks: h.webhooks.List()})
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := h.webhooks.Deregister(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Pipeline ─────────────────────────────────────────────────────────────────

func (h *Handler) enqueueExtraction(w http.ResponseWriter, r *http.Request) {
	var req queues.ExtractionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.pipeline.Extraction.Enqueue(r.Context(), req)
	h.writeCreated(w, queues.Extraction, id, err)
}

func (h *Handler) enqueueCrawl(w http.ResponseWriter, r *http.Request) {
	var req queues.CrawlRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.pipeline.Crawl.Enqueue(r.Context(), req)
	h.writeCreated(w, queues.Crawl, id, err)
}

func (h *Handler) enqueueTraining(w http.ResponseWriter, r *http.Request) {
	var req queues.TrainingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := h.pipeline.Training.Enqueue(r.Context(), req)
	h.writeCreated(w, queues.Training, id, err)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// adapter resolves the {queue} path value, writing 404 when it is unknown.
func (h *Handler) adapter(w http.ResponseWriter, r *http.Request) (*jobs.Adapter, bool) {
	a, err := h.queues.Get(r.PathValue("queue"))
	if err != nil {
		h.writeErr(w, err)
		return nil, false
	}
	return a, true
}

// writeCreated answers a job creation. A lost job.queued event still yields
// 201 since the job is stored; the warning header says what went missing.
func (h *Handler) writeCreated(w http.ResponseWriter, queue, id string, err error) {
	if err != nil {
		if id == "" || !eventOnly(err) {
			h.writeErr(w, err)
			return
		}
		w.Header().Set(WarningHeader, err.Error())
	}
	writeJSON(w, http.StatusCreated, createJobResp{ID: id, Queue: queue})
}

// writeJob answers with the job after a mutation, treating an event-only
// error like writeCreated does.
func (h *Handler) writeJob(w http.ResponseWriter, j *jobs.Job, err error) {
	if err != nil {
		if j == nil || !eventOnly(err) {
			h.writeErr(w, err)
			return
		}
		w.Header().Set(WarningHeader, err.Error())
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handler) writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, queues.ErrNotFound),
		errors.Is(err, events.ErrWebhookNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, jobs.ErrVersionConflict),
		errors.Is(err, queues.ErrBuiltin):
		return http.StatusConflict
	case errors.Is(err, queues.ErrInvalidName),
		errors.Is(err, jobs.ErrInvalidPriority),
		errors.Is(err, queues.ErrInvalidRequest),
		errors.Is(err, events.ErrInvalidWebhook),
		errors.Is(err, events.ErrInvalidFilter),
		errors.Is(err, broker.ErrInvalidSubscription):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, broker.ErrTimeout),
		errors.Is(err, broker.ErrCircuitOpen),
		errors.Is(err, broker.ErrShutdown),
		errors.Is(err, jobs.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func eventOnly(err error) bool {
	var ev *jobs.EventError
	return errors.As(err, &ev)
}

// parseQuery reads the GetJobs filter, sort and page from the query string:
// status (comma separated), minPriority, createdAfter, createdBefore,
// sort (createdAt|updatedAt|priority), order (asc|desc), offset, limit.
func parseQuery(r *http.Request) (jobs.Query, error) {
	var q jobs.Query
	v := r.URL.Query()

	if raw := v.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := jobs.Status(strings.TrimSpace(s))
			if !st.Valid() {
				return q, fmt.Errorf("unknown status %q", s)
			}
			q.Filter.Statuses = append(q.Filter.Statuses, st)
		}
	}
	if raw := v.Get("minPriority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			return q, fmt.Errorf("minPriority: %w", err)
		}
		q.Filter.MinPriority = &p
	}
	var err error
	if q.Filter.CreatedAfter, err = int64Param(r, "createdAfter"); err != nil {
		return q, err
	}
	if q.Filter.CreatedBefore, err = int64Param(r, "createdBefore"); err != nil {
		return q, err
	}

	switch f := jobs.SortField(v.Get("sort")); f {
	case "":
	case jobs.SortCreatedAt, jobs.SortUpdatedAt, jobs.SortPriority:
		q.Sort.Field = f
	default:
		return q, fmt.Errorf("unknown sort field %q", f)
	}
	switch v.Get("order") {
	case "", "desc":
	case "asc":
		q.Sort.Ascending = true
	default:
		return q, fmt.Errorf("order must be asc or desc")
	}

	q.Page, err = parsePage(r)
	return q, err
}

func parsePage(r *http.Request) (jobs.Page, error) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return jobs.Page{}, err
	}
	limit, err := intParam(r, "limit", jobs.DefaultPageLimit)
	if err != nil {
		return jobs.Page{}, err
	}
	if offset < 0 || limit < 0 {
		return jobs.Page{}, errors.New("offset and limit must not be negative")
	}
	return jobs.Page{Offset: offset, Limit: limit}, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be unix milliseconds", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large"})
			return false
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
