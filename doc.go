// Package flowadapter runs messages from a consumer through a chain of
// services into one or more producers, under a lifecycle that cascades from
// the Adapter through its Channels down to every workflow, connection,
// consumer, producer and service.
//
// An Adapter owns Channels and the connections they share. A Channel owns its
// connections, its workflows and the error handler its workflows fall back
// to. Every node is a Component with the same four states (Closed,
// Initialised, Started, Stopped); Start on a Closed node initialises it first
// and Close on a Started node stops it first. Containers bring children up in
// declaration order and abort on the first failure, and tear them down in
// reverse order without aborting.
//
// # Workflows
//
// NewStandardWorkflow processes each message on the goroutine that delivered
// it, NewPooledWorkflow spreads messages over a bounded pool of workers with a
// chain each, and NewMultiProducerWorkflow fans a message out to additional
// producers. Failures never reach the consumer: they are handed to the error
// handler together with the failing component.
//
// # Error handling
//
// NewDeadLetterHandler runs a dead-letter chain once. NewRetryHandler
// re-runs the workflow, optionally restarting its producer first, on a
// constant or exponential schedule until it succeeds or its RetryLimit is
// reached. Connections raise exceptions to RestartComponents or
// RestartChannel handlers when their transport breaks.
//
// # Expressions
//
// Producer destinations and metadata services accept %message{key},
// %message{$$key}, %message{%size}, %message{%uniqueId} and
// %payload{xpath:...|jsonpath:...|jq:...|id:...} references.
//
// # Transports
//
// Transport connections are built from Config through the transport registry.
// The package registers these transports:
//   - channel: in-memory Go channels
//   - kafka: consumer groups over Kafka
//   - rabbitmq: durable AMQP queues
//   - nats: core NATS
//   - http: webhook style delivery
//   - aws: SNS topics with SQS subscriptions, LocalStack friendly
package flowadapter
