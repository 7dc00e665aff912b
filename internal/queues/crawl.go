package queues

import (
	"context"
	"fmt"
	"net/url"

	"github.com/sneh-joshi/jobrelay/internal/broker"
	"github.com/sneh-joshi/jobrelay/internal/jobs"
)

// Crawl defaults.
const (
	DefaultMaxDepth = 2
	DefaultMaxPages = 100
)

// CrawlRequest asks for a site to be crawled from URL.
type CrawlRequest struct {
	URL      string `json:"url"`
	MaxDepth int    `json:"maxDepth,omitempty"`
	MaxPages int    `json:"maxPages,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

// CrawlQueue is the web-crawl queue.
type CrawlQueue struct {
	*jobs.Adapter
}

// NewCrawlQueue builds the web-crawl adapter.
func NewCrawlQueue(store jobs.Store, b broker.Broker, opts ...jobs.Option) (*CrawlQueue, error) {
	a, err := jobs.NewAdapter(Crawl, store, b, opts...)
	if err != nil {
		return nil, err
	}
	return &CrawlQueue{Adapter: a}, nil
}

// Enqueue creates a crawl job. Zero limits take the defaults.
func (q *CrawlQueue) Enqueue(ctx context.Context, req CrawlRequest) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: url must be an absolute http(s) URL: %q", ErrInvalidRequest, req.URL)
	}
	if req.MaxDepth < 0 || req.MaxPages < 0 {
		return "", fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	if req.MaxDepth == 0 {
		req.MaxDepth = DefaultMaxDepth
	}
	if req.MaxPages == 0 {
		req.MaxPages = DefaultMaxPages
	}
	return q.CreateJob(ctx, jobs.NewJob{
		Priority: req.Priority,
		Data: map[string]any{
			"url":      u.String(),
			"maxDepth": req.MaxDepth,
			"maxPages": req.MaxPages,
		},
	})
}
