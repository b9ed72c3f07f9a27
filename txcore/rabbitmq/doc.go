// Package rabbitmq publishes committed transaction events over AMQP.
//
// Connection owns the AMQP connection with rate-limited reconnects and a
// management API health check. ConfirmablePublisher waits for broker acks
// and recovers its channel after closure. EventPublisher puts the two
// together behind a Publish(ctx, subject, payload) call.
package rabbitmq
