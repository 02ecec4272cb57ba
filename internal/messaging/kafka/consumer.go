package kafka

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const defaultRetryDelay = 200 * time.Millisecond

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// EventHandler обрабатывает событие по типу и телу. Реализуется notify.OrderPaidHandler.
type EventHandler interface {
	Handle(ctx context.Context, eventType string, payload []byte) error
}

// EnvelopeHandler распаковывает Envelope и передаёт payload в handler.
func EnvelopeHandler(handler EventHandler) MessageHandler {
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		envelope, err := ParseEnvelope(message)
		if err != nil {
			return err
		}
		return handler.Handle(ctx, envelope.EventType, envelope.Payload)
	}
}

// Consumer: consumer group с повторами в процессе и DLQ.
type Consumer struct {
	consumer    sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	logger      *log.Entry
	wg          sync.WaitGroup
	dlqProducer *Producer
	maxRetries  int
	retryDelay  time.Duration
}

// NewConsumer создаёт consumer без DLQ.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler) (*Consumer, error) {
	return NewConsumerWithDLQ(brokers, groupID, topics, handler, nil, 3)
}

func consumerGroupConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	return cfg
}

// NewConsumerWithDLQ создаёт consumer, который после maxRetries неудач перекладывает
// сообщение в DLQ через dlqProducer. Без dlqProducer сообщение остаётся непомеченным.
func NewConsumerWithDLQ(brokers []string, groupID string, topics []string, handler MessageHandler, dlqProducer *Producer, maxRetries int) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerGroupConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "create kafka consumer group %s", groupID)
	}
	return &Consumer{
		consumer:    group,
		topics:      topics,
		handler:     handler,
		logger:      log.WithFields(log.Fields{"component": "kafka-consumer", "group": groupID}),
		dlqProducer: dlqProducer,
		maxRetries:  max(maxRetries, 1),
		retryDelay:  defaultRetryDelay,
	}, nil
}

// Start запускает чтение и журнал ошибок группы в фоне и сразу возвращается.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.logGroupErrors()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// consumeLoop заново входит в Consume после каждого rebalance, пока группа не закрыта.
func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		err := c.consumer.Consume(ctx, c.topics, c)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case err != nil:
			c.logger.WithError(err).Error("consume session ended with error")
		}
	}
}

func (c *Consumer) logGroupErrors() {
	defer c.wg.Done()
	for err := range c.consumer.Errors() {
		c.logger.WithError(err).Error("consumer group error")
	}
}

// Stop закрывает consumer group и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return errors.Wrap(err, "close kafka consumer")
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте consumer session.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup вызывается при завершении consumer session.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim обрабатывает сообщения партиции. Не обработанное и не отправленное в DLQ
// сообщение не помечается и будет прочитано снова после rebalance.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		var (
			message *sarama.ConsumerMessage
			ok      bool
		)
		select {
		case <-ctx.Done():
			return nil
		case message, ok = <-claim.Messages():
		}
		if !ok || message == nil {
			return nil
		}

		logger := c.logger.WithFields(log.Fields{
			"topic":     message.Topic,
			"partition": message.Partition,
			"offset":    message.Offset,
		})
		if err := c.handleMessageWithRetry(ctx, message); err != nil {
			logger.WithError(err).Error("message left unacknowledged")
			continue
		}
		session.MarkMessage(message, "")
	}
}

// handleMessageWithRetry вызывает handler, пока общий счётчик попыток меньше maxRetries.
// Счётчик продолжается с заголовка x-retry-count, если сообщение уже переигрывали.
func (c *Consumer) handleMessageWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempts := c.getRetryCount(message)
	var handleErr error
	for {
		if handleErr = c.handler(ctx, message); handleErr == nil {
			return nil
		}
		if attempts++; attempts >= c.maxRetries {
			break
		}
		c.logger.WithError(handleErr).WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempts,
			"max_retries": c.maxRetries,
		}).Warn("message handler failed, retrying")

		if err := c.pause(ctx); err != nil {
			return err
		}
	}

	if c.dlqProducer == nil {
		return handleErr
	}
	if err := c.sendToDLQ(message, handleErr, attempts); err != nil {
		return errors.Wrap(err, "send to dlq")
	}
	c.logger.WithFields(log.Fields{"topic": message.Topic, "retry_count": attempts}).Warn("message moved to DLQ")
	return nil
}

func (c *Consumer) pause(ctx context.Context) error {
	if c.retryDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// getRetryCount читает x-retry-count; отсутствующий или кривой заголовок даёт 0.
func (c *Consumer) getRetryCount(message *sarama.ConsumerMessage) int {
	for _, h := range message.Headers {
		if h == nil || string(h.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(h.Value)); err == nil {
			return n
		}
	}
	return 0
}

func (c *Consumer) sendToDLQ(message *sarama.ConsumerMessage, cause error, attempts int) error {
	failedAt := time.Now().UTC()
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderOriginalTopic), Value: []byte(message.Topic)},
		{Key: []byte(HeaderRetryCount), Value: []byte(strconv.Itoa(attempts))},
		{Key: []byte(HeaderErrorMessage), Value: []byte(cause.Error())},
		{Key: []byte(HeaderFailedAt), Value: []byte(failedAt.Format(time.RFC3339))},
	}
	return c.dlqProducer.PublishEvent(TopicDeadLetterQueue, string(message.Key), DLQRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        attempts,
	}, headers...)
}
