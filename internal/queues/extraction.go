package queues

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
	"github.com/sneh-joshi/jobrelay/internal/types"
)

// Well-known queue names.
const (
	Extraction     = "document-extraction"
	Crawl          = "web-crawl"
	Training       = "model-training"
	MaterialImport = "material-import"
)

// SourceJobKey is the result key an import job uses to name the extraction
// job it was started from.
const SourceJobKey = "sourceJobId"

// ErrInvalidRequest is returned by Enqueue for an incomplete request.
var ErrInvalidRequest = errors.New("queues: invalid request")

// ExtractionRequest asks for a document to be extracted.
type ExtractionRequest struct {
	FileName string         `json:"fileName"`
	FileURL  string         `json:"fileUrl"`
	Priority int            `json:"priority,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ExtractionQueue is the document-extraction queue.
type ExtractionQueue struct {
	*jobs.Adapter
}

// NewExtractionQueue builds the document-extraction adapter.
func NewExtractionQueue(store jobs.Store, b broker.Broker, opts ...jobs.Option) (*ExtractionQueue, error) {
	a, err := jobs.NewAdapter(Extraction, store, b, opts...)
	if err != nil {
		return nil, err
	}
	return &ExtractionQueue{Adapter: a}, nil
}

// Enqueue creates an extraction job.
func (q *ExtractionQueue) Enqueue(ctx context.Context, req ExtractionRequest) (string, error) {
	if req.FileName == "" || req.FileURL == "" {
		return "", fmt.Errorf("%w: fileName and fileUrl are required", ErrInvalidRequest)
	}
	data := map[string]any{"fileName": req.FileName, "fileUrl": req.FileURL}
	if len(req.Options) > 0 {
		data["options"] = maps.Clone(req.Options)
	}
	return q.CreateJob(ctx, jobs.NewJob{Priority: req.Priority, Data: data})
}

// LinkImports follows the material-import queue: when an import job
// completes, its outcome is merged into the results of the extraction job
// named by its sourceJobId result under the "import" key.
func (q *ExtractionQueue) LinkImports(ctx context.Context) (broker.Teardown, error) {
	return q.OnUpstreamEvent(ctx, MaterialImport, []types.MessageType{types.JobCompleted}, linkImport)
}

func linkImport(ctx context.Context, a *jobs.Adapter, msg *types.Message) error {
	p, ok := msg.Payload.(types.CompletedPayload)
	if !ok {
		return nil
	}
	src, _ := p.Results[SourceJobKey].(string)
	if src == "" {
		return nil
	}
	summary := map[string]any{
		"jobId":       p.JobID,
		"durationMs":  p.DurationMs,
		"completedAt": msg.Timestamp,
	}
	if len(p.Results) > 0 {
		res := maps.Clone(p.Results)
		delete(res, SourceJobKey)
		summary["results"] = res
	}
	_, err := a.UpdateJob(ctx, src, jobs.Update{MergeResults: map[string]any{"import": summary}})
	var evErr *jobs.EventError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		a.Logger().Warn("import completed for unknown extraction job", "job_id", src, "import_job_id", p.JobID)
		return nil
	case errors.As(err, &evErr):
		// The merge is stored; only its notification was lost.
		a.Logger().Warn("import linked without event", "job_id", src, "err", err)
		return nil
	}
	return err
}
