package log

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaAppenderOpt struct {
	Brokers []string
	Topic   string
}

// messageWriter is the part of *kafka.Writer used by the appender.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaAppender publishes each formatted entry as one message.
type kafkaAppender struct {
	w messageWriter
}

func (m *MultiWriter) AddKafkaAppender(options KafkaAppenderOpt) *MultiWriter {
	return m.Add(&kafkaAppender{w: &kafka.Writer{
		Addr:         kafka.TCP(options.Brokers...),
		Topic:        options.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 100 * time.Millisecond,
		Async:        true,
	}})
}

func (a *kafkaAppender) Write(p []byte) (int, error) {
	// the writer keeps the slice after returning in async mode
	value := make([]byte, len(p))
	copy(value, p)
	if err := a.w.WriteMessages(context.Background(), kafka.Message{Value: value}); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *kafkaAppender) Close() error {
	return a.w.Close()
}
