package queue

import (
	"context"
	"sync"

	"go.uber.org/zap"

	enginemetrics "github.com/pulsedesk/analytics-engine/internal/metrics"
)

// MemoryQueue is a buffered in-process task queue.
type MemoryQueue struct {
	tasks  chan RetrainTask
	logger *zap.SugaredLogger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemoryQueue(size int, logger *zap.SugaredLogger) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{
		tasks:  make(chan RetrainTask, size),
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, task RetrainTask) error {
	// Checked before the send: select picks randomly among ready cases, so
	// without this a closed queue could still accept work.
	select {
	case <-q.closed:
		return context.Canceled
	default:
	}

	select {
	case q.tasks <- task:
		enginemetrics.QueueDepth.Set(float64(len(q.tasks)))
		return nil
	case <-q.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler func(context.Context, RetrainTask) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case task := <-q.tasks:
			enginemetrics.QueueDepth.Set(float64(len(q.tasks)))
			if err := handler(ctx, task); err != nil {
				q.logger.Errorw("retrain task failed",
					"model", task.ModelName, "workspace", task.WorkspaceID, "reason", task.Reason, "error", err)
			}
		}
	}
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
