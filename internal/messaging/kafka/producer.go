package kafka

import (
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
)

const clientID = "storefront"

// producerConfig: идемпотентный producer с подтверждением от всех реплик.
// Idempotent требует MaxOpenRequests=1, иначе sarama отклонит конфиг.
func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Net.MaxOpenRequests = 1

	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionSnappy
	return cfg
}

// Producer публикует JSON-события в Kafka синхронно.
type Producer struct {
	client sarama.SyncProducer
	logger *log.Entry
}

// NewProducer подключается к brokers.
func NewProducer(brokers []string, logger *log.Entry) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, errors.Wrap(err, "create kafka producer")
	}
	return newProducer(sp, logger), nil
}

func newProducer(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{client: sp, logger: logger}
}

// PublishEvent кодирует event в JSON и отправляет в topic с ключом key.
func (p *Producer) PublishEvent(topic, key string, event any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "marshal event for %s", topic)
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.client.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.Now(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return errors.Wrapf(err, "send message to %s", topic)
	}

	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

func (p *Producer) Close() error {
	return errors.Wrap(p.client.Close(), "close kafka producer")
}
