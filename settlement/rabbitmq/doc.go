// Package rabbitmq delivers settlement outbox events to a RabbitMQ topic
// exchange with publisher confirms.
package rabbitmq
