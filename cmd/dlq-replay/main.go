// Команда dlq-replay возвращает события order.paid из DLQ обратно в topic заказов.
// По умолчанию работает в dry-run и только показывает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
)

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	eventType   string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

func (c config) mode() string {
	if c.execute {
		return "execute"
	}
	return "dry-run"
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// replayProducer реализуется kafka.Producer.
type replayProducer interface {
	PublishEvent(topic, key string, event any, headers ...sarama.RecordHeader) error
	Close() error
}

// consumerSource приводит sarama.Consumer к partitionConsumerSource.
type consumerSource struct{ sarama.Consumer }

func (s consumerSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.Consumer.ConsumePartition(topic, partition, offset)
}

// kafkaDeps: всё, что нужно одному запуску. producer есть только в execute.
type kafkaDeps struct {
	client   offsetClient
	consumer partitionConsumerSource
	producer replayProducer
}

func (d kafkaDeps) Close() {
	for _, c := range []interface{ Close() error }{d.producer, d.consumer, d.client} {
		if c != nil {
			_ = c.Close()
		}
	}
}

var dialKafka = func(cfg config) (kafkaDeps, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = "storefront-dlq-replay"
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, saramaCfg)
	if err != nil {
		return kafkaDeps{}, errors.Wrap(err, "create kafka client")
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return kafkaDeps{}, errors.Wrap(err, "create kafka consumer")
	}
	deps := kafkaDeps{client: client, consumer: consumerSource{consumer}}
	if !cfg.execute {
		return deps, nil
	}

	producer, err := kafka.NewProducer(cfg.brokers, log.WithField("component", "dlq-replay-producer"))
	if err != nil {
		deps.Close()
		return kafkaDeps{}, errors.Wrap(err, "create kafka producer")
	}
	deps.producer = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{targetTopic: strings.TrimSpace(getenv("KAFKA_ORDER_TOPIC"))}
	if cfg.targetTopic == "" {
		cfg.targetTopic = kafka.TopicOrderEvents
	}

	var brokers string
	fs := flag.NewFlagSet("dlq-replay", flag.ContinueOnError)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (fallback: KAFKA_BROKERS)")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	fs.StringVar(&cfg.targetTopic, "target-topic", cfg.targetTopic, "topic to replay into (fallback: KAFKA_ORDER_TOPIC)")
	fs.StringVar(&cfg.eventType, "event-type", domain.EventTypeOrderPaid, "replay only this event type; empty replays everything")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replays; without it only candidates are logged")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without messages")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv("KAFKA_BROKERS")
	}
	cfg.brokers = parseBrokers(brokers)
	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case len(c.brokers) == 0:
		return errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(c.sourceTopic) == "":
		return errors.New("source-topic is required")
	case strings.TrimSpace(c.targetTopic) == "":
		return errors.New("target-topic is required")
	case c.sourceTopic == c.targetTopic:
		return errors.New("source-topic and target-topic must differ")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"event_type":   cfg.eventType,
		"limit":        cfg.limit,
		"mode":         cfg.mode(),
	}).Info("starting dlq replay")

	deps, err := dialKafka(cfg)
	if err != nil {
		return err
	}
	defer deps.Close()

	_, err = newReplayer(cfg, deps).replay(ctx)
	return err
}

type replayStats struct {
	processed int
	replayed  int
	skipped   int
}

func (s *replayStats) add(other replayStats) {
	s.processed += other.processed
	s.replayed += other.replayed
	s.skipped += other.skipped
}

type replayer struct {
	cfg    config
	deps   kafkaDeps
	logger *log.Entry
}

func newReplayer(cfg config, deps kafkaDeps) *replayer {
	return &replayer{cfg: cfg, deps: deps, logger: log.WithField("source_topic", cfg.sourceTopic)}
}

// replay читает партиции по возрастанию номера, пока не наберёт cfg.limit сообщений.
func (r *replayer) replay(ctx context.Context) (replayStats, error) {
	var total replayStats
	if r.deps.client == nil || r.deps.consumer == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.deps.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.deps.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, errors.Wrapf(err, "get partitions for topic %s", r.cfg.sourceTopic)
	}
	if len(partitions) == 0 {
		r.logger.Warn("source topic has no partitions")
		return total, nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		if total.processed >= r.cfg.limit {
			break
		}
		stats, err := r.drainPartition(ctx, partition, r.cfg.limit-total.processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	r.logger.WithFields(log.Fields{
		"mode":      r.cfg.mode(),
		"processed": total.processed,
		"replayed":  total.replayed,
		"skipped":   total.skipped,
	}).Info("dlq replay finished")
	return total, nil
}

// window возвращает [start, end) смещений, которые читаются в партиции.
func (r *replayer) window(partition int32, remaining int) (start, end int64, err error) {
	oldest, err := r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "get oldest offset for partition %d", partition)
	}
	end, err = r.deps.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return 0, 0, errors.Wrapf(err, "get newest offset for partition %d", partition)
	}
	start = oldest
	if r.cfg.fromNewest {
		start = max(end-int64(remaining), oldest)
	}
	return start, end, nil
}

// drainPartition читает партицию до её конца на момент старта, исчерпания remaining
// или простоя дольше idleTimeout.
func (r *replayer) drainPartition(ctx context.Context, partition int32, remaining int) (replayStats, error) {
	var stats replayStats
	if remaining <= 0 {
		return stats, nil
	}
	start, end, err := r.window(partition, remaining)
	if err != nil || end <= start {
		return stats, err
	}

	pc, err := r.deps.consumer.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return stats, errors.Wrapf(err, "consume partition %d", partition)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for stats.processed < remaining {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case <-idle.C:
			return stats, nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, errors.Wrapf(cerr, "partition %d consumer error", partition)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return stats, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			stats.processed++
			replayed, err := r.handle(msg)
			if err != nil {
				return stats, err
			}
			if replayed {
				stats.replayed++
			} else {
				stats.skipped++
			}
			if msg.Offset+1 >= end {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// handle разбирает одно сообщение DLQ. Непонятные и отфильтрованные сообщения
// пропускаются; ошибкой считается только сбой публикации.
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	replay, ok, err := extractReplayMessage(msg, r.cfg.targetTopic)
	if err != nil {
		logger.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}
	if !ok || (r.cfg.eventType != "" && replay.eventType != r.cfg.eventType) {
		return false, nil
	}

	logger = logger.WithFields(log.Fields{"target_topic": replay.topic, "key": replay.key, "event_type": replay.eventType})
	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}
	if err := publishReplay(r.deps.producer, replay); err != nil {
		return false, errors.Wrap(err, "publish replay message")
	}
	logger.Info("dlq message replayed")
	return true, nil
}

// replayMessage: восстановленное исходное событие.
type replayMessage struct {
	topic     string
	key       string
	eventType string
	outboxID  string
	value     json.RawMessage
}

func (m replayMessage) headers() []sarama.RecordHeader {
	headers := []sarama.RecordHeader{{Key: []byte(kafka.HeaderEventType), Value: []byte(m.eventType)}}
	if m.outboxID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderOutboxID), Value: []byte(m.outboxID)})
	}
	return headers
}

func publishReplay(producer replayProducer, msg replayMessage) error {
	if producer == nil {
		return errors.New("producer is nil")
	}
	return producer.PublishEvent(msg.topic, msg.key, msg.value, msg.headers()...)
}

// extractReplayMessage понимает два формата DLQ: запись consumer (kafka.DLQRecord)
// и outbox-конверт, внутри которого лежит outbox.DLQEnvelope.
// ok=false означает, что сообщение не похоже ни на один из них.
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayMessage, bool, error) {
	var record kafka.DLQRecord
	if err := json.Unmarshal(msg.Value, &record); err == nil && record.OriginalValue != "" {
		replay, err := fromConsumerRecord(record, defaultTopic)
		return replay, err == nil, err
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}
	replay, err := fromOutboxEnvelope(envelope, defaultTopic)
	return replay, err == nil, err
}

// fromConsumerRecord: consumer сохранил исходное сообщение целиком, его и отправляем.
func fromConsumerRecord(record kafka.DLQRecord, defaultTopic string) (replayMessage, error) {
	var original kafka.Envelope
	if err := json.Unmarshal([]byte(record.OriginalValue), &original); err != nil {
		return replayMessage{}, errors.Wrap(err, "decode original envelope")
	}
	return replayMessage{
		topic:     firstNonEmpty(strings.TrimSpace(record.OriginalTopic), defaultTopic),
		key:       firstNonEmpty(record.OriginalKey, original.AggregateID, original.ID),
		eventType: original.EventType,
		outboxID:  original.ID,
		value:     json.RawMessage(record.OriginalValue),
	}, nil
}

// fromOutboxEnvelope собирает новый конверт из payload, вложенного outbox worker'ом.
func fromOutboxEnvelope(envelope kafka.Envelope, topic string) (replayMessage, error) {
	var dead outbox.DLQEnvelope
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayMessage{}, errors.Wrap(err, "decode outbox dlq payload")
	}
	if len(dead.Payload) == 0 || string(dead.Payload) == "null" {
		return replayMessage{}, errors.New("outbox dlq payload does not contain original event payload")
	}

	rebuilt := kafka.Envelope{
		ID:            firstNonEmpty(dead.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dead.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	value, err := json.Marshal(rebuilt)
	if err != nil {
		return replayMessage{}, errors.Wrap(err, "encode replay envelope")
	}
	return replayMessage{
		topic:     topic,
		key:       firstNonEmpty(rebuilt.AggregateID, rebuilt.ID),
		eventType: rebuilt.EventType,
		outboxID:  rebuilt.ID,
		value:     value,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
