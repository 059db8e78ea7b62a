package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/dadaWilliam/chat-app/internal/metrics"
	"github.com/dadaWilliam/chat-app/internal/models"
	"github.com/rs/zerolog/log"
)

// Appender 是归档消费者需要的持久层能力,重复消息 id 必须按成功处理。
type Appender interface {
	Append(ctx context.Context, msg models.Message) error
}

// Consumer 以独立消费组订阅全部房间主题,把总线上的每条消息写入归档。
// 订阅采用正则主题,新建房间的主题会被自动纳入,无需重启。
type Consumer struct {
	consumer *kafka.Consumer
	prefix   string
	groupID  string
	store    Appender
}

// GroupID 是归档消费组的固定名称,横向扩容时由 Kafka 分摊分区。
const GroupID = "chat-archiver"

func NewConsumer(brokers, prefix string, store Appender) (*Consumer, error) {
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":       brokers,
		"group.id":                GroupID,
		"auto.offset.reset":       "latest",
		"enable.auto.commit":      true,
		"auto.commit.interval.ms": 5000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create archive consumer: %w", err)
	}
	return &Consumer{consumer: c, prefix: prefix, groupID: GroupID, store: store}, nil
}

// Run 启动拉取循环,直到 ctx 取消或出现致命的 Kafka 错误。
func (c *Consumer) Run(ctx context.Context) error {
	pattern := "^" + regexp.QuoteMeta(c.prefix) + ".*"
	if err := c.consumer.SubscribeTopics([]string{pattern}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}
	log.Info().Str("pattern", pattern).Str("group", c.groupID).Msg("archive consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("archive consumer stopping")
			return nil
		default:
		}

		ev := c.consumer.Poll(500)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			if err := c.handleMessage(ctx, topicOf(e), e.Value); err != nil {
				log.Error().Err(err).
					Int32("partition", e.TopicPartition.Partition).
					Str("offset", e.TopicPartition.Offset.String()).
					Msg("archive message")
				metrics.ArchiveErrorsTotal.Inc()
			}
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("fatal kafka error: %w", e)
			}
			log.Warn().Str("err", e.String()).Msg("archive consume error")
		}
	}
}

// handleMessage 解码一条总线消息并落库;房间 id 缺失时由主题名推导。
func (c *Consumer) handleMessage(ctx context.Context, topic string, value []byte) error {
	var msg models.Message
	if err := json.Unmarshal(value, &msg); err != nil {
		// 无法解码的消息记录后丢弃,重试不会让它变好。
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if msg.RoomID == "" {
		msg.RoomID = strings.TrimPrefix(topic, c.prefix)
	}
	if msg.ID == "" {
		return fmt.Errorf("message without id on topic %s", topic)
	}
	if err := c.store.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist message %s: %w", msg.ID, err)
	}
	metrics.ArchivedTotal.Inc()
	return nil
}

func topicOf(m *kafka.Message) string {
	if m.TopicPartition.Topic == nil {
		return ""
	}
	return *m.TopicPartition.Topic
}

// Close 关闭底层消费者。
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
