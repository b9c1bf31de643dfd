package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/baechuer/jetbus/event"
)

// BatchItem is one topic publish within a batch.
type BatchItem struct {
	Topic   string
	Message map[string]any
	Opts    event.Opts
}

// BatchResult aggregates a fan-out. Partial failure is reported here,
// never raised.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []PublishResult
	Duration  time.Duration
}

// Batch fans publishes out concurrently, bounded by the configured
// publisher pool size.
type Batch struct {
	pub         *Publisher
	concurrency int
}

func NewBatch(pub *Publisher) *Batch {
	concurrency := pub.cfg.ConnectionPoolSize
	if concurrency < 1 {
		concurrency = 1
	}
	return &Batch{pub: pub, concurrency: concurrency}
}

// Publish runs every item and collects per-item results in input
// order.
func (b *Batch) Publish(ctx context.Context, items []BatchItem) BatchResult {
	start := time.Now()
	results := make([]PublishResult, len(items))

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = b.pub.PublishTopic(ctx, item.Topic, item.Message, item.Opts)
		}(i, item)
	}
	wg.Wait()

	res := BatchResult{
		Total:    len(items),
		Results:  results,
		Duration: time.Since(start),
	}
	for _, r := range results {
		if r.OK {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res
}
