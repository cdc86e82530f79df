package transfer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BadgerOps/offload/internal/report"
)

// Pool runs copy jobs on a fixed number of worker goroutines.
type Pool struct {
	copier     *Copier
	workers    int
	logger     *slog.Logger
	onComplete func(report.TransferRecord)
}

// NewPool creates a new pool with the specified number of worker goroutines.
func NewPool(copier *Copier, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		copier:  copier,
		workers: workers,
		logger:  logger,
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int {
	return p.workers
}

// SetOnComplete registers fn to be called by the worker that finishes a job,
// before the record is handed to the results channel.
func (p *Pool) SetOnComplete(fn func(report.TransferRecord)) {
	p.onComplete = fn
}

// Run executes jobs received on jobs until it is closed. The send side blocks
// while every worker is busy. The returned channel yields one terminal record
// per job and is closed after all workers exit.
func (p *Pool) Run(ctx context.Context, jobs <-chan Job) <-chan report.TransferRecord {
	results := make(chan report.TransferRecord, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, i, jobs, results, &wg)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (p *Pool) worker(ctx context.Context, id int, jobs <-chan Job, results chan<- report.TransferRecord, wg *sync.WaitGroup) {
	defer wg.Done()

	for job := range jobs {
		p.logger.Debug("copy job started", "worker", id, "source", job.Source.RelPath, "destination", job.Target.Root)

		rec := p.copier.Copy(ctx, job)

		if p.onComplete != nil {
			p.onComplete(rec)
		}
		results <- rec
	}
}
