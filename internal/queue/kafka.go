package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue publishes retrain tasks through a broker so training workers
// can run outside the serving process.
type KafkaQueue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	logger *zap.SugaredLogger
}

func NewKafkaQueue(brokers []string, topic string, logger *zap.SugaredLogger) *KafkaQueue {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: "engine-training",
	})
	return &KafkaQueue{writer: writer, reader: reader, logger: logger}
}

func (q *KafkaQueue) Publish(ctx context.Context, task RetrainTask) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode retrain task: %w", err)
	}
	// Key by scope so retrains for one scope stay ordered per partition.
	key := fmt.Sprintf("%s/%s/%s", task.ModelName, task.WorkspaceID, task.TargetMetric)
	return q.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value})
}

func (q *KafkaQueue) Consume(ctx context.Context, handler func(context.Context, RetrainTask) error) error {
	for {
		msg, err := q.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read retrain task: %w", err)
		}
		var task RetrainTask
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			q.logger.Errorw("dropping malformed retrain task", "error", err)
			continue
		}
		if err := handler(ctx, task); err != nil {
			q.logger.Errorw("retrain task failed",
				"model", task.ModelName, "workspace", task.WorkspaceID, "reason", task.Reason, "error", err)
		}
	}
}

func (q *KafkaQueue) Close() error {
	if err := q.writer.Close(); err != nil {
		return err
	}
	return q.reader.Close()
}
