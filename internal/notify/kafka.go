// Package notify publishes finished runs to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/batchui/batchrun/internal/model"
)

const DefaultTopic = "batchrun.runs"

type Config struct {
	Brokers []string
	Topic   string
}

// ConfigFrom converts the configuration section. It returns false when no
// broker is configured.
func ConfigFrom(cfg model.Kafka) (Config, bool) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return Config{}, false
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	return Config{Brokers: brokers, Topic: topic}, true
}

// Publisher writes one message per finished run, keyed by script id so the
// runs of a script stay ordered within a partition.
type Publisher struct {
	writer messageWriter
	now    func() time.Time
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker must be provided")
	}
	if cfg.Topic == "" {
		return nil, errors.New("topic must be provided")
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		AllowAutoTopicCreation: true,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
	}
	return newPublisher(writer), nil
}

func newPublisher(writer messageWriter) *Publisher {
	return &Publisher{writer: writer, now: time.Now}
}

// Message is the JSON value of a published run.
type Message struct {
	RunID      string       `json:"run_id"`
	ScriptID   string       `json:"script_id"`
	Kind       model.Kind   `json:"kind"`
	Status     model.Status `json:"status"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    *time.Time   `json:"end_time,omitempty"`
	DurationMs *int64       `json:"duration_ms,omitempty"`
	Progress   int          `json:"progress"`
	LogPath    string       `json:"log_path,omitempty"`
	Message    string       `json:"message,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

func newMessage(run model.Run, message string, now time.Time) Message {
	m := Message{
		RunID:     run.ID,
		ScriptID:  run.ScriptID,
		Kind:      run.Kind,
		Status:    run.Status,
		StartTime: run.StartTime,
		EndTime:   run.EndTime,
		Progress:  run.Progress,
		LogPath:   run.LogPath,
		Message:   message,
		Timestamp: now.UTC(),
	}
	if run.EndTime != nil {
		d := run.EndTime.Sub(run.StartTime).Milliseconds()
		m.DurationMs = &d
	}
	return m
}

// RunFinished publishes run.
func (p *Publisher) RunFinished(ctx context.Context, run model.Run, message string) error {
	if p.writer == nil {
		return errors.New("publisher is not initialized")
	}
	payload, err := json.Marshal(newMessage(run, message, p.now()))
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(run.ScriptID),
		Value: payload,
		Time:  p.now(),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
