package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// queueSpec is one durable queue of the job topology.
type queueSpec struct {
	name string
	args amqp.Table
}

// topology returns the queues behind queue, in declaration order: the dead
// letter queue, the retry queue whose expired messages go back to queue, and
// queue itself, which dead-letters rejected messages.
func topology(queue string) []queueSpec {
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"
	return []queueSpec{
		{name: dlqQ},
		{name: retryQ, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}},
		{name: queue, args: amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		}},
	}
}

// DeclareTopology declares the job queues on ch. The publisher and the
// worker both call it so their queue arguments always agree.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	for _, q := range topology(queue) {
		if _, err := ch.QueueDeclare(
			q.name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			q.args,
		); err != nil {
			return err
		}
	}
	return nil
}

func RetryQueue(queue string) string { return queue + ".retry" }
