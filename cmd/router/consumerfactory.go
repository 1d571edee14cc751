package main

import (
	"go.flowcatalyst.tech/internal/broker"
	"go.flowcatalyst.tech/internal/consumer"
	"go.flowcatalyst.tech/internal/manager"
	"go.flowcatalyst.tech/internal/router/configsync"
	"go.flowcatalyst.tech/internal/router/health"
)

// deploymentConsumerFactory builds consumer.Consumer instances and registers
// each one's broker with the broker health registry so /q/health reflects
// every queue ConfigSyncer currently has deployed.
type deploymentConsumerFactory struct {
	manager     *manager.Manager
	brokerHealth *health.BrokerHealthService
}

func newDeploymentConsumerFactory(mgr *manager.Manager, brokerHealth *health.BrokerHealthService) *deploymentConsumerFactory {
	return &deploymentConsumerFactory{manager: mgr, brokerHealth: brokerHealth}
}

// consumerRunner adapts *consumer.Consumer to configsync.ConsumerRunner and
// deregisters its broker from health tracking once stopped.
type consumerRunner struct {
	*consumer.Consumer
	queueID      string
	brokerHealth *health.BrokerHealthService
}

func (r *consumerRunner) Stop() {
	r.Consumer.Stop()
	r.brokerHealth.UnregisterBroker(r.queueID)
}

func (f *deploymentConsumerFactory) Build(queueID string, brk broker.Broker) configsync.ConsumerRunner {
	f.brokerHealth.RegisterBroker(queueID, brk)
	return &consumerRunner{
		Consumer:     consumer.New(queueID, brk, f.manager),
		queueID:      queueID,
		brokerHealth: f.brokerHealth,
	}
}
