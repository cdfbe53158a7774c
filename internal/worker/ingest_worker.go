package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"alumniportal/internal/platform/rabbitmq"
)

// DocumentProcessor runs the ingestion pipeline for one document. Pipeline
// failures are recorded on the document itself; an error here means the
// attempt could not run at all and the job should be redelivered.
type DocumentProcessor interface {
	Process(ctx context.Context, documentID uint) error
}

// IngestWorker consumes queued ingest jobs with a fixed pool of goroutines.
// Concurrency is bounded by both the pool size and the channel prefetch, so
// a burst of uploads cannot stampede the embedding backend.
type IngestWorker struct {
	conn      *amqp.Connection
	processor DocumentProcessor
	queueName string
	workers   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, processor DocumentProcessor, queueName string, workers int) *IngestWorker {
	if workers <= 0 {
		workers = 2
	}
	return &IngestWorker{
		conn:      conn,
		processor: processor,
		queueName: queueName,
		workers:   workers,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	if err := ch.Qos(w.workers, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker prefetch failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	jobs := make(chan amqp.Delivery)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer ch.Close()
		defer close(jobs)

		for {
			select {
			case <-workerCtx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case <-workerCtx.Done():
					_ = d.Nack(false, true)
					return
				case jobs <- d:
				}
			}
		}
	}()

	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for d := range jobs {
				w.handle(workerCtx, d)
			}
		}()
	}

	return nil
}

func (w *IngestWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job rabbitmq.IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Printf("worker decode ingest job failed: %v", err)
		_ = d.Nack(false, false)
		return
	}
	if job.DocumentID == 0 {
		log.Printf("worker dropped ingest job without document id")
		_ = d.Nack(false, false)
		return
	}

	if err := w.processor.Process(ctx, job.DocumentID); err != nil {
		log.Printf("worker process document %d failed: %v", job.DocumentID, err)
		// Requeue once the broker redelivers; the pending-status claim
		// makes duplicate deliveries harmless.
		_ = d.Nack(false, true)
		return
	}

	_ = d.Ack(false)
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
