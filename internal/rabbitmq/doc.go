// Package rabbitmq provides the AMQP 0-9-1 plumbing used by the RabbitMQ
// network transport.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reports closures to
//     state listeners, optionally reconnecting
//   - ChannelPool: pools confirm-mode channels for publishing
//   - Publisher: publishes with broker confirmation
//   - Consumer: runs delivery loops on dedicated channels
//   - TopologyManager: declares the exchange, inbox queues and bindings
package rabbitmq
