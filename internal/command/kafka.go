package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/vpnrelay/internal/config"
	"firestige.xyz/vpnrelay/internal/log"
)

// DefaultCommandTTL applies when the channel config carries no TTL.
const DefaultCommandTTL = 5 * time.Minute

// commitTimeout bounds the commit and response publish of a message that was
// already handled when the consumer is being stopped.
const commitTimeout = 5 * time.Second

// ErrConsumerStopped is returned by Start after Stop.
var ErrConsumerStopped = errors.New("kafka command consumer stopped")

// KafkaCommand is the wire format for commands received via Kafka.
//
// Example JSON:
//
//	{
//	  "version":    "v1",
//	  "target":     "relay-01",
//	  "command":    "rule_create",
//	  "timestamp":  "2026-01-15T10:30:00Z",
//	  "request_id": "req-abc-123",
//	  "payload":    { ... }
//	}
type KafkaCommand struct {
	Version   string          `json:"version"`    // Protocol version ("v1")
	Target    string          `json:"target"`     // Node hostname or "*" for broadcast
	Command   string          `json:"command"`    // Command name (e.g., "user_create")
	Timestamp time.Time       `json:"timestamp"`  // When the command was issued
	RequestID string          `json:"request_id"` // Unique request ID for tracing
	Payload   json.RawMessage `json:"payload"`    // Command-specific parameters
}

// KafkaResponse is published to the response topic after a command runs.
type KafkaResponse struct {
	Version   string      `json:"version"`
	Source    string      `json:"source"` // hostname of the responding node
	Command   string      `json:"command"`
	RequestID string      `json:"request_id"`
	Timestamp time.Time   `json:"timestamp"`
	Result    interface{} `json:"result,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaCommandConsumer consumes commands from Kafka and dispatches to handler.
type KafkaCommandConsumer struct {
	ccConfig config.CommandChannelConfig
	hostname string // local node hostname for target matching
	reader   messageReader
	writer   messageWriter // nil when no response topic is configured
	handler  *CommandHandler
	ttl      time.Duration // command TTL for stale-command rejection

	retryBackoff time.Duration

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc // cancels the running Start loop
	done    chan struct{}      // closed when the running Start loop returns
}

// NewKafkaCommandConsumer creates a new Kafka command consumer using the global config.
func NewKafkaCommandConsumer(ccConfig config.CommandChannelConfig, hostname string, handler *CommandHandler) (*KafkaCommandConsumer, error) {
	kc := ccConfig.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	// Determine start offset
	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	default:
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.Topic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        1 * time.Second,
	})

	var writer messageWriter
	if kc.ResponseTopic != "" {
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(kc.Brokers...),
			Topic:                  kc.ResponseTopic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		}
	}

	return newKafkaCommandConsumer(ccConfig, hostname, handler, reader, writer), nil
}

func newKafkaCommandConsumer(ccConfig config.CommandChannelConfig, hostname string, handler *CommandHandler, reader messageReader, writer messageWriter) *KafkaCommandConsumer {
	ttl := ccConfig.CommandTTL
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}
	return &KafkaCommandConsumer{
		ccConfig:     ccConfig,
		hostname:     hostname,
		reader:       reader,
		writer:       writer,
		handler:      handler,
		ttl:          ttl,
		retryBackoff: 5 * time.Second,
	}
}

// Start starts consuming commands from Kafka.
// Blocks until context is cancelled, Stop is called or an unrecoverable error
// occurs. A consumer runs at most one Start loop.
func (c *KafkaCommandConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrConsumerStopped
	}
	if c.done != nil {
		c.mu.Unlock()
		return errors.New("kafka command consumer already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	reader := c.reader
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	log.GetLogger().WithFields(map[string]interface{}{
		"brokers":  c.ccConfig.Kafka.Brokers,
		"topic":    c.ccConfig.Kafka.Topic,
		"group_id": c.ccConfig.Kafka.GroupID,
		"hostname": c.hostname,
		"ttl":      c.ttl.String(),
	}).Info("kafka command consumer started")

	for {
		select {
		case <-ctx.Done():
			log.GetLogger().WithField("reason", ctx.Err()).Info("kafka command consumer stopped")
			return ctx.Err()
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.GetLogger().WithError(err).Error("failed to fetch kafka message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			log.GetLogger().WithError(err).WithFields(map[string]interface{}{
				"topic":     msg.Topic,
				"partition": msg.Partition,
				"offset":    msg.Offset,
			}).Error("failed to process command")
		}

		// A handled command is committed even when Stop cancelled ctx meanwhile,
		// so a daemon_shutdown is not replayed on the next start.
		commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = reader.CommitMessages(commitCtx, msg)
		cancelCommit()
		if err != nil {
			log.GetLogger().WithError(err).Error("failed to commit message")
		}
	}
}

// processMessage processes a single Kafka message as a KafkaCommand.
func (c *KafkaCommandConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var kCmd KafkaCommand
	if err := json.Unmarshal(msg.Value, &kCmd); err != nil {
		return fmt.Errorf("failed to parse kafka command: %w", err)
	}

	if kCmd.Target != "*" && kCmd.Target != "" && kCmd.Target != c.hostname {
		log.GetLogger().WithFields(map[string]interface{}{
			"target":     kCmd.Target,
			"hostname":   c.hostname,
			"request_id": kCmd.RequestID,
		}).Debug("skipping command not targeting this node")
		return nil
	}

	if !kCmd.Timestamp.IsZero() && time.Since(kCmd.Timestamp) > c.ttl {
		log.GetLogger().WithFields(map[string]interface{}{
			"command":    kCmd.Command,
			"request_id": kCmd.RequestID,
			"timestamp":  kCmd.Timestamp,
			"ttl":        c.ttl.String(),
		}).Warn("skipping stale command")
		return nil
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"command":    kCmd.Command,
		"request_id": kCmd.RequestID,
		"target":     kCmd.Target,
		"version":    kCmd.Version,
	}).Info("received kafka command")

	cmd := Command{
		Method: kCmd.Command,
		Params: kCmd.Payload,
		ID:     kCmd.RequestID,
	}
	response := c.handler.Handle(ctx, cmd)
	c.respond(ctx, kCmd, response)

	if response.Error != nil {
		return fmt.Errorf("command %s failed: %w", cmd.Method, response.Error)
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"method":     cmd.Method,
		"request_id": cmd.ID,
	}).Info("command executed successfully")
	return nil
}

// respond publishes the response keyed by request id. Failures are logged only.
func (c *KafkaCommandConsumer) respond(ctx context.Context, kCmd KafkaCommand, resp Response) {
	if c.writer == nil {
		return
	}
	payload, err := json.Marshal(KafkaResponse{
		Version:   "v1",
		Source:    c.hostname,
		Command:   kCmd.Command,
		RequestID: kCmd.RequestID,
		Timestamp: time.Now().UTC(),
		Result:    resp.Result,
		Error:     resp.Error,
	})
	if err != nil {
		log.GetLogger().WithError(err).Error("failed to encode command response")
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.writer.WriteMessages(writeCtx, kafka.Message{Key: []byte(kCmd.RequestID), Value: payload}); err != nil {
		log.GetLogger().WithError(err).WithField("request_id", kCmd.RequestID).Error("failed to publish command response")
	}
}

// Stop cancels a running Start loop, waits for it to return and closes the
// reader and writer. Repeated calls are no-ops. Stop must not be called from
// the goroutine running Start.
func (c *KafkaCommandConsumer) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	log.GetLogger().Info("closing kafka command consumer")
	if cancel != nil {
		cancel()
		<-done
	}

	var errs []error
	if err := c.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close kafka reader: %w", err))
	}
	if c.writer != nil {
		if err := c.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close kafka writer: %w", err))
		}
	}
	return errors.Join(errs...)
}
