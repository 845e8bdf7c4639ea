// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
//   - ConnectionManager: dials the broker and reconnects after failures
//   - ChannelPool: reuses AMQP channels between publishes
//   - Publisher: publishes with broker confirms
//   - Consumer: runs one delivery loop per subscription
//   - TopologyManager: declares the exchanges and queues destinations map to
//
// Broadcast destinations are fanout exchanges; every subscriber binds its
// own exclusive, server-named queue. Direct destinations are plain queues
// reached through the default exchange.
package rabbitmq
