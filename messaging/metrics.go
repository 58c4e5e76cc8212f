// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the peer link. A nil
// *Metrics disables instrumentation.
type Metrics struct {
	meter metric.Meter

	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	messagesSent        metric.Int64Counter
	messagesReceived    metric.Int64Counter
	messagesAcked       metric.Int64Counter
	messagesRejected    metric.Int64Counter
	bytesSent           metric.Int64Counter
	bytesReceived       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	connectionsCurrent metric.Int64UpDownCounter
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("amqp-peerlink"),
	}

	instruments := []struct {
		counter *metric.Int64Counter
		name    string
		desc    string
	}{
		{&m.connectionsTotal, "amqp.connections.total", "Total peer connections established"},
		{&m.disconnectionsTotal, "amqp.disconnections.total", "Total peer disconnections"},
		{&m.messagesSent, "amqp.messages.sent.total", "Total messages transmitted to the peer"},
		{&m.messagesReceived, "amqp.messages.received.total", "Total messages received from the peer"},
		{&m.messagesAcked, "amqp.messages.acknowledged.total", "Total messages settled as acknowledged"},
		{&m.messagesRejected, "amqp.messages.rejected.total", "Total messages settled as rejected"},
		{&m.bytesSent, "amqp.bytes.sent.total", "Total payload bytes sent"},
		{&m.bytesReceived, "amqp.bytes.received.total", "Total payload bytes received"},
		{&m.errorsTotal, "amqp.errors.total", "Total errors by type"},
	}
	for _, inst := range instruments {
		c, err := m.meter.Int64Counter(inst.name, metric.WithDescription(inst.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", inst.name, err)
		}
		*inst.counter = c
	}

	var err error
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"amqp.connections.current",
		metric.WithDescription("Current number of active peer connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create amqp.connections.current gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordConnection() {
	ctx := context.Background()
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, 1)
}

func (m *Metrics) RecordDisconnection() {
	ctx := context.Background()
	m.disconnectionsTotal.Add(ctx, 1)
	m.connectionsCurrent.Add(ctx, -1)
}

func (m *Metrics) RecordMessageSent(sizeBytes int64) {
	ctx := context.Background()
	m.messagesSent.Add(ctx, 1)
	m.bytesSent.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordMessageReceived(sizeBytes int64) {
	ctx := context.Background()
	m.messagesReceived.Add(ctx, 1)
	m.bytesReceived.Add(ctx, sizeBytes)
}

func (m *Metrics) RecordMessageAcknowledged() {
	m.messagesAcked.Add(context.Background(), 1)
}

func (m *Metrics) RecordMessageRejected() {
	m.messagesRejected.Add(context.Background(), 1)
}

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
