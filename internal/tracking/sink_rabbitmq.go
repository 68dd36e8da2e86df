package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"govsim/internal/config"
)

const defaultTrackingQueue = "govsim.tracking"

// 消息类型，写入 AMQP Type 字段。
const (
	MessageRunStarted  = "run.started"
	MessageEvent       = "run.event"
	MessageArtifact    = "run.artifact"
	MessageRunFinished = "run.finished"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQSink 把追踪记录以 JSON 消息投递到队列，由下游服务落库。
type RabbitMQSink struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	pub   amqpPublisher
	queue string
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(cfg config.RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = defaultTrackingQueue
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, pub: ch, queue: queue}, nil
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return DriverRabbitMQ }

func (s *RabbitMQSink) publish(ctx context.Context, kind, runID string, payload any) error {
	if s == nil || s.pub == nil {
		return errors.New("RabbitMQ sink 未初始化")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 %s 消息失败: %w", kind, err)
	}
	err = s.pub.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Type:          kind,
		CorrelationId: runID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("投递 %s 消息失败: %w", kind, err)
	}
	return nil
}

// StartRun 投递 run.started。
func (s *RabbitMQSink) StartRun(ctx context.Context, run Run) error {
	return s.publish(ctx, MessageRunStarted, run.ID, run)
}

// LogEvent 投递 run.event。
func (s *RabbitMQSink) LogEvent(ctx context.Context, ev Event) error {
	return s.publish(ctx, MessageEvent, ev.RunID, ev)
}

// LogArtifact 投递产物清单，文件内容不经过消息队列。
func (s *RabbitMQSink) LogArtifact(ctx context.Context, run Run, rec ArtifactRecord) error {
	return s.publish(ctx, MessageArtifact, run.ID, rec)
}

// FinishRun 投递 run.finished。
func (s *RabbitMQSink) FinishRun(ctx context.Context, run Run) error {
	return s.publish(ctx, MessageRunFinished, run.ID, run)
}

// Close 关闭 channel 与连接。
func (s *RabbitMQSink) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
