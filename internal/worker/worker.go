// Package worker pulls analysis jobs off a tier queue and executes them.
// Each claimed job is mutated by exactly one worker: progress checkpoints,
// heartbeats and the terminal write all flow through the job store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lyricdash/analysis-be/internal/jobstore"
	"github.com/lyricdash/analysis-be/internal/tasks"
	"github.com/lyricdash/analysis-be/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger            *slog.Logger
	Store             *jobstore.Store
	RabbitClient      *rabbitmq.Client
	Registry          *tasks.Registry
	QueueName         string
	PrefetchCount     int
	Concurrency       int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	RetentionTTL      time.Duration
	PurgeInterval     time.Duration
}

// Worker consumes one tier queue and runs jobs on a goroutine pool
type Worker struct {
	logger            *slog.Logger
	store             *jobstore.Store
	rabbitClient      *rabbitmq.Client
	registry          *tasks.Registry
	queueName         string
	prefetchCount     int
	concurrency       int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	retentionTTL      time.Duration
	purgeInterval     time.Duration
	workerID          string
	jobsChan          chan *jobMessage
	wg                sync.WaitGroup
	stopChan          chan struct{}
}

// jobMessage is one delivery handed from the dispatcher to the pool
type jobMessage struct {
	JobID       string
	DeliveryTag uint64
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:            cfg.Logger,
		store:             cfg.Store,
		rabbitClient:      cfg.RabbitClient,
		registry:          cfg.Registry,
		queueName:         cfg.QueueName,
		prefetchCount:     cfg.PrefetchCount,
		concurrency:       cfg.Concurrency,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		retentionTTL:      cfg.RetentionTTL,
		purgeInterval:     cfg.PurgeInterval,
		workerID:          fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:          make(chan *jobMessage),
		stopChan:          make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. Blocks until the context is
// canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queueName),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)

	if w.purgeInterval > 0 {
		w.wg.Add(1)
		go w.retentionLoop(ctx)
	}

	w.startMessageDispatcher(ctx, deliveries)
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// retentionLoop periodically expires terminal records past the TTL
func (w *Worker) retentionLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := w.store.PurgeTerminal(ctx, time.Now().Add(-w.retentionTTL))
			if err != nil {
				w.logger.Warn("Retention purge failed",
					slog.Any("error", err),
				)
				continue
			}
			if purged > 0 {
				w.logger.Info("Retention purge completed",
					slog.Int64("purged", purged),
				)
			}
		}
	}
}
