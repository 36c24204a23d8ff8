package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"notifyd/internal/config"
	"notifyd/internal/queue"
	"notifyd/internal/types"
)

// NewBroker connects the broker selected by cfg.Kind.
func NewBroker(ctx context.Context, cfg config.BrokerConfig, awsCfg aws.Config, logger types.Logger) (queue.Broker, error) {
	switch cfg.Kind {
	case "rabbitmq":
		topo := queue.Topology{
			Exchange:   cfg.Exchange,
			MessageTTL: cfg.MessageTTL,
			MaxLength:  cfg.MaxLength,
		}
		b, err := queue.DialRabbitMQ(ctx, cfg.AMQPURL.Unmask(), topo, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "sqs":
		return queue.NewSQSBroker(sqs.NewFromConfig(awsCfg), SQSQueues(cfg), cfg.SQSWaitTime, logger), nil
	case "memory":
		return queue.NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("app: unknown broker kind %q", cfg.Kind)
	}
}

// SQSQueues maps every routing key that has a configured queue URL.
func SQSQueues(cfg config.BrokerConfig) map[string]string {
	queues := make(map[string]string)
	for _, key := range queue.DefaultTopology().RoutingKeys() {
		if url := cfg.QueueURL(key); url != "" {
			queues[key] = url
		}
	}
	return queues
}
