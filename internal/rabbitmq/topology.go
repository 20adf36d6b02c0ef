package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RetryQueue returns the name of the delayed-retry queue for queue.
func RetryQueue(queue string) string {
	return queue + ".retry"
}

// DLQ returns the name of the dead letter queue for queue.
func DLQ(queue string) string {
	return queue + ".dlq"
}

// DeclareEventQueueTopology declares the three durable queues an event
// route needs. All declarations are idempotent, so publisher and
// consumer can both call this on startup in any order.
//
//   - <queue>        main queue, dead-letters to <queue>.dlq
//   - <queue>.retry  parks delayed retries, dead-letters back to <queue>
//   - <queue>.dlq    terminal queue for messages given up on
//
// Delayed retries need no broker plugin: the consumer republishes to
// the retry queue with a per-message TTL, and expiry dead-letters the
// message back onto the main queue.
func DeclareEventQueueTopology(ch *amqp.Channel, queue string) error {
	dlq := DLQ(queue)
	retry := RetryQueue(queue)

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", dlq, err)
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", queue, err)
	}

	if _, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return fmt.Errorf("error declaring queue %s: %w", retry, err)
	}

	return nil
}
