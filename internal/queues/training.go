package queues

import (
	"context"
	"fmt"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

// DefaultEpochs is used when a TrainingRequest leaves Epochs at zero.
const DefaultEpochs = 10

// TrainingRequest asks for a model to be trained on a dataset.
type TrainingRequest struct {
	ModelType string `json:"modelType"`
	DatasetID string `json:"datasetId"`
	Epochs    int    `json:"epochs,omitempty"`
	Priority  int    `json:"priority,omitempty"`
}

// TrainingQueue is the model-training queue.
type TrainingQueue struct {
	*jobs.Adapter
}

// NewTrainingQueue builds the model-training adapter.
func NewTrainingQueue(store jobs.Store, b broker.Broker, opts ...jobs.Option) (*TrainingQueue, error) {
	a, err := jobs.NewAdapter(Training, store, b, opts...)
	if err != nil {
		return nil, err
	}
	return &TrainingQueue{Adapter: a}, nil
}

// Enqueue creates a training job.
func (q *TrainingQueue) Enqueue(ctx context.Context, req TrainingRequest) (string, error) {
	if req.ModelType == "" || req.DatasetID == "" {
		return "", fmt.Errorf("%w: modelType and datasetId are required", ErrInvalidRequest)
	}
	if req.Epochs < 0 {
		return "", fmt.Errorf("%w: epochs must not be negative", ErrInvalidRequest)
	}
	if req.Epochs == 0 {
		req.Epochs = DefaultEpochs
	}
	return q.CreateJob(ctx, jobs.NewJob{
		Priority: req.Priority,
		Data: map[string]any{
			"modelType": req.ModelType,
			"datasetId": req.DatasetID,
			"epochs":    req.Epochs,
		},
	})
}
