package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/notify"
)

// messaging: куда outbox доставляет события order.paid.
// С Kafka: outbox -> топик -> consumer -> notifier. Без Kafka outbox вызывает notifier напрямую.
type messaging struct {
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	producer  *kafka.Producer
	consumer  *kafka.Consumer
}

func newSender(cfg SMTPConfig, logger *log.Entry) notify.Sender {
	if cfg.Addr == "" {
		return notify.NewLogSender(logger.WithField("component", "notify-log-sender"))
	}
	sender, err := notify.NewSMTPSender(notify.SMTPConfig{
		Addr:     cfg.Addr,
		From:     cfg.From,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		logger.WithError(err).Warn("invalid smtp config, confirmation emails go to the log")
		return notify.NewLogSender(logger.WithField("component", "notify-log-sender"))
	}
	logger.WithField("addr", cfg.Addr).Info("smtp sender enabled")
	return sender
}

func initMessaging(cfg KafkaConfig, notifier *notify.OrderPaidHandler, logger *log.Entry) *messaging {
	direct := &messaging{publisher: notifier}
	if len(cfg.Brokers) == 0 {
		logger.Info("kafka not configured, outbox delivers to notifier directly")
		return direct
	}

	producer, err := kafka.NewProducer(cfg.Brokers, logger.WithField("component", "kafka-producer"))
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return direct
	}
	logger.WithField("brokers", cfg.Brokers).Info("kafka producer initialized")

	m := &messaging{
		publisher: kafka.NewOutboxPublisher(producer, cfg.OrderTopic),
		dlq:       kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue),
		producer:  producer,
	}

	consumer, err := kafka.NewConsumerWithDLQ(
		cfg.Brokers,
		cfg.ConsumerGroup,
		[]string{cfg.OrderTopic},
		kafka.EnvelopeHandler(notifier),
		producer,
		cfg.MaxRetries,
	)
	if err != nil {
		// События остаются в топике и будут прочитаны после рестарта.
		logger.WithError(err).Warn("failed to create kafka consumer, confirmation emails are paused")
		return m
	}
	m.consumer = consumer
	return m
}

func (m *messaging) start(ctx context.Context, logger *log.Entry) {
	if m.consumer == nil {
		return
	}
	if err := m.consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start kafka consumer")
	}
}

func (m *messaging) close(logger *log.Entry) {
	if m.consumer != nil {
		if err := m.consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if m.producer == nil {
		return
	}
	if err := m.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}
