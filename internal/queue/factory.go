package queue

import (
	"fmt"
	"strings"

	"github.com/replikv/replikv/internal/config"
)

// Backend names accepted in configuration.
const (
	TypeMemory = "memory"
	TypeNATS   = "nats"
	TypeRedis  = "redis"
	TypeKafka  = "kafka"
)

// New builds the configured queue backend. The in-memory backend is the
// default: a single-node deployment should not need a broker to hold
// hints.
func New(cfg config.QueueConfig) (Queue, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		return newMemoryQueue(), nil

	case TypeNATS:
		return newNATSQueue(cfg.URL)

	case TypeRedis:
		return newRedisQueue(RedisConfig{
			URL:      cfg.URL,
			Password: cfg.Password,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			Group:    cfg.RedisGroup,
			Consumer: cfg.RedisConsumer,
		})

	case TypeKafka:
		return newKafkaQueue(KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
		})

	default:
		return nil, fmt.Errorf("unsupported queue type %q (supported: memory, nats, redis, kafka)", cfg.Type)
	}
}
