// Package streampool is the attachment streaming pool (C5): a bounded
// fan-out of worker goroutines draining a shared queue of
// NormalizedAttachments, stopping cooperatively on a rate-limit signal
// or timeout.
//
// Grounded on the teacher's internal/artifact/uploader.go upload loop:
// a work channel fed by one producer, N worker goroutines pulling from
// it, and a WaitGroup join — reframed around a single shared queue
// (rather than per-artifact work units) because §4.5 only ever has one
// flat list of attachments in flight at a time.
package streampool

import (
	"context"
	"sync"

	"github.com/devrev/airdrop-runtime/internal/model"
	"github.com/devrev/airdrop-runtime/logger"
)

// StreamResult is what a per-item stream() function returns, per §4.5.
type StreamResult struct {
	Delay *int64 // seconds to wait before the caller may try again
	Err   error
}

// StreamFunc fetches, uploads, and confirms one attachment, synthesizing
// its ssor_attachment record as a side effect (internal/adapter wires
// this to processAttachment). A nil StreamResult and nil error means
// success.
type StreamFunc func(ctx context.Context, attachment model.NormalizedAttachment) (*StreamResult, error)

const (
	minBatchSize = 1
	maxBatchSize = 50
)

// ClampBatchSize enforces the [1, 50] range §4.5 mandates regardless of
// what the caller's configuration requested.
func ClampBatchSize(n int) int {
	if n < minBatchSize {
		return minBatchSize
	}
	if n > maxBatchSize {
		return maxBatchSize
	}
	return n
}

// Pool runs stream over a queue of attachments with up to batchSize
// concurrent workers, skipping anything already present in processed
// (matched on id+parent_id), and stopping early if stream reports a
// rate-limit delay.
type Pool struct {
	logger                 logger.Logger
	progressReportInterval int
}

func New(l logger.Logger, progressReportInterval int) *Pool {
	if progressReportInterval <= 0 {
		progressReportInterval = 50
	}
	return &Pool{logger: l, progressReportInterval: progressReportInterval}
}

// Result is the pool's outcome for one run over a queue.
type Result struct {
	// Processed is the ordered-by-completion list of {id, parent_id}
	// pairs the pool successfully streamed this run.
	Processed []model.AttachmentRef
	// Delay is set when a worker observed a rate-limit response; the
	// caller should surface it to the adapter instead of continuing.
	Delay *int64
}

// Run drains queue using up to ClampBatchSize(batchSize) workers. already
// is consulted (id+parent_id) before dispatch per invariant A1; it is not
// mutated. isTimeout is polled between attachments so the pool exits its
// loop cooperatively rather than mid-flight.
func (p *Pool) Run(ctx context.Context, queue []model.NormalizedAttachment, already map[model.AttachmentRef]struct{}, stream StreamFunc, batchSize int, isTimeout func() bool) Result {
	workers := ClampBatchSize(batchSize)
	if workers > len(queue) {
		workers = len(queue)
	}
	if workers < 1 {
		return Result{}
	}

	work := make(chan model.NormalizedAttachment)
	var (
		mu        sync.Mutex
		processed []model.AttachmentRef
		delay     *int64
		count     int
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attachment := range work {
				mu.Lock()
				d := delay
				mu.Unlock()
				if d != nil {
					continue
				}
				if isTimeout != nil && isTimeout() {
					continue
				}

				ref := model.AttachmentRef{ID: attachment.ID, ParentID: attachment.ParentID}
				if _, skip := already[ref]; skip {
					continue
				}

				result, err := stream(ctx, attachment)
				if err != nil {
					p.logger.Warn("[streampool] attachment %s (%s): %s", attachment.ID, attachment.FileName, err)
					continue
				}
				if result != nil && result.Err != nil {
					p.logger.Warn("[streampool] attachment %s (%s): %s", attachment.ID, attachment.FileName, result.Err)
					continue
				}
				if result != nil && result.Delay != nil {
					mu.Lock()
					if delay == nil {
						delay = result.Delay
					}
					mu.Unlock()
					continue
				}

				mu.Lock()
				processed = append(processed, ref)
				count++
				if count%p.progressReportInterval == 0 {
					p.logger.Info("[streampool] processed %d attachments", count)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, attachment := range queue {
		mu.Lock()
		d := delay
		mu.Unlock()
		if d != nil {
			break feed
		}
		if isTimeout != nil && isTimeout() {
			break feed
		}
		select {
		case <-ctx.Done():
			break feed
		case work <- attachment:
		}
	}
	close(work)
	wg.Wait()

	return Result{Processed: processed, Delay: delay}
}
