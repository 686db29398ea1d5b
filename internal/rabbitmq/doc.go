// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport: a
// connection manager that redials with backoff, a confirm-mode publisher
// and the per-session topology declaration.
package rabbitmq
