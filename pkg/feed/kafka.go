package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MrHarBear/Snowflake-Insurance-data-sharing/pkg/models"
)

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSource accumulates records from a topic of JSON-encoded ClaimRecord
// messages, keyed by policy number with last-write-wins. Fetch returns the
// accumulated set, so each materialization cycle sees the latest feed state.
type KafkaSource struct {
	reader kafkaReader

	mu      sync.RWMutex
	byKey   map[string]models.ClaimRecord
	started bool
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
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
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &KafkaSource{reader: r, byKey: map[string]models.ClaimRecord{}}, nil
}

// Start consumes the topic until ctx is cancelled. Call once.
func (s *KafkaSource) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.consume(ctx)
}

func (s *KafkaSource) consume(ctx context.Context) {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("feed: kafka read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		var rec models.ClaimRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			log.Printf("feed: skipping malformed record: %v", err)
			continue
		}
		key := strings.TrimSpace(rec.PolicyNumber)
		if key == "" {
			continue
		}
		s.mu.Lock()
		s.byKey[key] = rec
		s.mu.Unlock()
	}
}

func (s *KafkaSource) Fetch(ctx context.Context) ([]models.ClaimRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ClaimRecord, 0, len(s.byKey))
	for _, rec := range s.byKey {
		out = append(out, rec)
	}
	return out, nil
}

func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
