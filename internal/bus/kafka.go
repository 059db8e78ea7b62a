package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Bus 是对房间级 Kafka 主题的薄封装:发布、按房间订阅与主题声明。
// 每个房间一个主题,主题名 = 前缀 + 房间 id。
type Bus struct {
	producer   *kafka.Producer
	admin      *kafka.AdminClient
	brokers    string
	prefix     string
	instanceID string
}

// Connect 创建生产者并用有界退避探测 broker;启动期探测耗尽即失败。
func Connect(ctx context.Context, brokers, prefix string) (*Bus, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "1",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	admin, err := kafka.NewAdminClientFromProducer(p)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to create admin client: %w", err)
	}
	err = StartupBackoff.Do(ctx, func() error {
		_, err := admin.GetMetadata(nil, false, 5000)
		return err
	})
	if err != nil {
		admin.Close()
		p.Close()
		return nil, fmt.Errorf("kafka broker unreachable: %w", err)
	}
	return &Bus{
		producer:   p,
		admin:      admin,
		brokers:    brokers,
		prefix:     prefix,
		instanceID: uuid.NewString()[:8],
	}, nil
}

// Topic 返回房间对应的主题名。
func (b *Bus) Topic(roomID string) string {
	return b.prefix + roomID
}

// EnsureTopic 幂等地声明房间主题;已存在视为成功。
func (b *Bus) EnsureTopic(ctx context.Context, roomID string) error {
	topic := b.Topic(roomID)
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	results, err := b.admin.CreateTopics(tctx, []kafka.TopicSpecification{{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	for _, result := range results {
		if result.Error.Code() != kafka.ErrNoError && result.Error.Code() != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", result.Topic, result.Error)
		}
	}
	return nil
}

// Publish 把消息发布到房间主题,以房间 id 作为分区键保持分区内有序。
// broker 暂时不可用时按 PublishBackoff 重试,耗尽后把错误交还调用方。
func (b *Bus) Publish(ctx context.Context, roomID string, value []byte) error {
	topic := b.Topic(roomID)
	return PublishBackoff.Do(ctx, func() error {
		deliveryCh := make(chan kafka.Event, 1)
		err := b.producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
			Key:            []byte(roomID),
			Value:          value,
		}, deliveryCh)
		if err != nil {
			return fmt.Errorf("failed to produce to %s: %w", topic, err)
		}
		select {
		case e := <-deliveryCh:
			m, ok := e.(*kafka.Message)
			if !ok {
				return fmt.Errorf("unexpected delivery event: %v", e)
			}
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery to %s failed: %w", topic, m.TopicPartition.Error)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Subscription 是一个房间主题的活动消费者,Close 时停止拉取并释放资源。
type Subscription struct {
	consumer *kafka.Consumer
	quit     chan struct{}
	done     chan struct{}
}

// Subscribe 为房间创建一个独立消费者并启动拉取循环。
// 消费组带进程实例标识,使每个服务实例都收到全部消息;
// handler 按分区投递顺序被逐条调用,不得重排或并发。
func (b *Bus) Subscribe(roomID string, handler func(value []byte)) (*Subscription, error) {
	topic := b.Topic(roomID)
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        b.brokers,
		"group.id":                 fmt.Sprintf("hub-%s-%s", b.instanceID, roomID),
		"auto.offset.reset":        "latest",
		"enable.auto.commit":       true,
		"allow.auto.create.topics": true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for %s: %w", topic, err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	sub := &Subscription{consumer: c, quit: make(chan struct{}), done: make(chan struct{})}
	go sub.run(topic, handler)
	return sub, nil
}

func (s *Subscription) run(topic string, handler func(value []byte)) {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		ev := s.consumer.Poll(200)
		if ev == nil {
			continue
		}
		switch e := ev.(type) {
		case *kafka.Message:
			handler(e.Value)
		case kafka.Error:
			// 消费侧错误不致命,客户端库会自行重连。
			log.Warn().Str("topic", topic).Str("err", e.String()).Bool("fatal", e.IsFatal()).Msg("bus consume error")
		}
	}
}

// Close 停止拉取循环并关闭消费者;可安全地重复调用。
func (s *Subscription) Close() error {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
	<-s.done
	return s.consumer.Close()
}

// Close 释放生产者与 admin 客户端,先冲刷未确认的消息。
func (b *Bus) Close() {
	b.producer.Flush(5000)
	b.admin.Close()
	b.producer.Close()
}
