package fork

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"factum/pkg/fact"
)

// KafkaConfig configures a KafkaSink, validated the same way
// statebus.KafkaConfig is: brokers, topic, and (for the writer side) no
// group id since a producer doesn't consume.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaSink is a RemoteSink that relays saved envelopes onto a Kafka
// topic instead of (or in addition to) a direct wire client, for
// deployments that fan a fact stream out to other consumers rather than
// a single remote peer.
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaSink{writer: w}, nil
}

// wireBatch mirrors the JSON envelope batch pkg/wire posts to a remote
// save endpoint, so a consumer reading this topic can share a decoder
// with the HTTP path.
type wireBatch struct {
	Envelopes []fact.Envelope `json:"envelopes"`
}

func (k *KafkaSink) Send(ctx context.Context, envelopes []fact.Envelope) error {
	payload, err := json.Marshal(wireBatch{Envelopes: envelopes})
	if err != nil {
		return err
	}
	key := []byte("")
	if len(envelopes) > 0 {
		if ref, err := fact.RefOf(envelopes[0].Fact); err == nil {
			key = []byte(ref.String())
		}
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: payload})
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
