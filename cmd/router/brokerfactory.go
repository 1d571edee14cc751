package main

import (
	"context"
	"encoding/json"
	"fmt"

	"go.flowcatalyst.tech/internal/broker"
	"go.flowcatalyst.tech/internal/broker/embeddednats"
	"go.flowcatalyst.tech/internal/broker/sqs"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/router/configsync"
)

// sqsDescriptor is the brokerDescriptor shape for type "sqs".
type sqsDescriptor struct {
	Type     string `json:"type"`
	QueueURL string `json:"queueUrl"`
	Region   string `json:"region"`
}

// embeddedDescriptor is the brokerDescriptor shape for type "embedded".
type embeddedDescriptor struct {
	Type       string `json:"type"`
	StreamName string `json:"streamName"`
	Subject    string `json:"subject"`
}

// deploymentBrokerFactory builds broker.Broker instances from a queue
// definition's brokerDescriptor, dispatching on its "type" field. Shared AWS
// settings and the embedded data directory come from the static config;
// everything queue-specific comes from the descriptor.
type deploymentBrokerFactory struct {
	cfg *config.Config
}

func newDeploymentBrokerFactory(cfg *config.Config) *deploymentBrokerFactory {
	return &deploymentBrokerFactory{cfg: cfg}
}

func (f *deploymentBrokerFactory) Build(ctx context.Context, def configsync.QueueDefinition) (broker.Broker, error) {
	raw, err := json.Marshal(def.BrokerDescriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal brokerDescriptor for queue %s: %w", def.Identifier, err)
	}

	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &kind); err != nil {
		return nil, fmt.Errorf("parse brokerDescriptor type for queue %s: %w", def.Identifier, err)
	}

	switch kind.Type {
	case "sqs":
		var d sqsDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("parse sqs brokerDescriptor for queue %s: %w", def.Identifier, err)
		}
		if d.QueueURL == "" {
			return nil, fmt.Errorf("queue %s: sqs brokerDescriptor missing queueUrl", def.Identifier)
		}
		region := d.Region
		if region == "" {
			region = f.cfg.SQS.Region
		}
		return sqs.New(ctx, sqs.Config{
			QueueURL:            d.QueueURL,
			Region:              region,
			WaitTimeSeconds:     int32(f.cfg.SQS.WaitTimeSeconds),
			VisibilityTimeout:   int32(f.cfg.SQS.VisibilityTimeout),
			MaxNumberOfMessages: 10,
			CustomEndpoint:      f.cfg.SQS.CustomEndpoint,
			AccessKeyID:         f.cfg.SQS.AccessKeyID,
			SecretAccessKey:     f.cfg.SQS.SecretAccessKey,
		})

	case "embedded", "":
		var d embeddedDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("parse embedded brokerDescriptor for queue %s: %w", def.Identifier, err)
		}
		ecfg := embeddednats.DefaultConfig()
		ecfg.DataDir = f.cfg.EmbeddedNATS.DataDir + "/" + def.Identifier
		ecfg.Host = f.cfg.EmbeddedNATS.Host
		ecfg.Port = f.cfg.EmbeddedNATS.Port
		ecfg.ConsumerName = "router-" + def.Identifier
		if d.StreamName != "" {
			ecfg.StreamName = d.StreamName
		} else {
			ecfg.StreamName = def.Identifier
		}
		if d.Subject != "" {
			ecfg.Subject = d.Subject
		}
		return embeddednats.New(ctx, ecfg)

	default:
		return nil, fmt.Errorf("queue %s: unknown brokerDescriptor type %q", def.Identifier, kind.Type)
	}
}
