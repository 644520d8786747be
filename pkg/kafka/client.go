// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"

	"morphik-go/internal/config"
	"morphik-go/pkg/log"
	"morphik-go/pkg/tasks"
)

// maxAttempts 是同一任务的最大处理次数，超过后提交 offset 放弃重试。
const maxAttempts = 3

// TaskProcessor defines the interface for any service that can process a task.
// This decouples the Kafka consumer from the concrete pipeline implementation.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestionTask) error
}

// Producer 发送摄取任务。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(cfg.Brokers, ",")...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// ProduceIngestionTask 发送一个摄取任务到 Kafka，以文档 ID 作为消息 key。
func (p *Producer) ProduceIngestionTask(ctx context.Context, task tasks.IngestionTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.DocumentID),
		Value: taskBytes,
	})
}

// Close 关闭生产者。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// AttemptCounter 用 Redis 记录任务失败次数。
type AttemptCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAttemptCounter 创建失败计数器。
func NewAttemptCounter(rdb *redis.Client) *AttemptCounter {
	return &AttemptCounter{rdb: rdb, ttl: 24 * time.Hour}
}

func attemptsKey(documentID string) string {
	return fmt.Sprintf("kafka:attempts:%s", documentID)
}

// Incr 增加一次失败计数并返回当前次数。
func (c *AttemptCounter) Incr(ctx context.Context, documentID string) (int64, error) {
	key := attemptsKey(documentID)
	attempts, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	_ = c.rdb.Expire(ctx, key, c.ttl).Err()
	return attempts, nil
}

// Reset 清理失败计数。
func (c *AttemptCounter) Reset(ctx context.Context, documentID string) {
	_ = c.rdb.Del(ctx, attemptsKey(documentID)).Err()
}

// Consumer 消费摄取任务。
type Consumer struct {
	reader    *kafka.Reader
	processor TaskProcessor
	attempts  *AttemptCounter
}

// NewConsumer 创建消费者。
func NewConsumer(cfg config.KafkaConfig, processor TaskProcessor, attempts *AttemptCounter) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(cfg.Brokers, ","),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, processor: processor, attempts: attempts}
}

// Run 循环拉取消息直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("Kafka 消费者已停止")
				return
			}
			log.Error("从 Kafka 读取消息失败", err)
			return
		}
		if c.handle(ctx, m.Value) {
			if err := c.reader.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
			}
		}
	}
}

// handle 处理一条消息，返回是否应当提交 offset。
func (c *Consumer) handle(ctx context.Context, value []byte) bool {
	var task tasks.IngestionTask
	if err := json.Unmarshal(value, &task); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	log.Infof("开始处理摄取任务: document_id=%s, filename=%s", task.DocumentID, task.Filename)
	if err := c.processor.Process(ctx, task); err != nil {
		log.Errorf("处理摄取任务失败: document_id=%s, error: %v", task.DocumentID, err)
		attempts, incErr := c.attempts.Incr(ctx, task.DocumentID)
		if incErr != nil {
			// Redis 异常时保守处理：不提交 offset，让 Kafka 重试
			return false
		}
		if attempts >= maxAttempts {
			log.Errorf("摄取任务多次失败(>=%d)，提交 offset 终止重试: document_id=%s", maxAttempts, task.DocumentID)
			return true
		}
		return false
	}

	log.Infof("摄取任务处理成功: document_id=%s", task.DocumentID)
	c.attempts.Reset(ctx, task.DocumentID)
	return true
}
