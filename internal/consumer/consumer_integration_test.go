package consumer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/consumer"
	"github.com/ibras0696/outbox-relay/internal/metrics"
	"github.com/ibras0696/outbox-relay/internal/rabbitmq"
	"github.com/ibras0696/outbox-relay/internal/testsuite"
)

// recordingHandler records every message and fails when told to.
type recordingHandler struct {
	mu   sync.Mutex
	seen []consumer.Message
	fail error
}

func (h *recordingHandler) Handle(_ context.Context, msg consumer.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seen = append(h.seen, msg)

	return h.fail
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.seen)
}

func (h *recordingHandler) messages() []consumer.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]consumer.Message(nil), h.seen...)
}

type ConsumerSuite struct {
	testsuite.BaseSuite

	cancels []context.CancelFunc
}

func (s *ConsumerSuite) SetupSuite() {
	s.SetupRabbit()
}

func (s *ConsumerSuite) TearDownSuite() {
	s.TearDownInfrastructure()
}

func (s *ConsumerSuite) TearDownTest() {
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
}

func (s *ConsumerSuite) startConsumer(queue string, maxRetries int, h consumer.Handler) {
	cfg := consumer.Config{
		Queue:      queue,
		MaxRetries: maxRetries,
		RetryBase:  200 * time.Millisecond,
		Prefetch:   10,
	}

	c := consumer.New(s.AmqpURL, cfg, h, zap.NewNop(), metrics.New(prometheus.NewRegistry()))

	ctx, cancel := context.WithCancel(s.Ctx)
	s.cancels = append(s.cancels, cancel)

	go func() { _ = c.Run(ctx) }()
}

func (s *ConsumerSuite) channel() *amqp.Channel {
	conn, err := amqp.Dial(s.AmqpURL)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = conn.Close() })

	ch, err := conn.Channel()
	s.Require().NoError(err)

	return ch
}

func (s *ConsumerSuite) publish(queue, messageID string, body []byte) {
	pub, err := rabbitmq.NewPublisher(s.AmqpURL, zap.NewNop())
	s.Require().NoError(err)
	defer pub.Close()

	s.Require().NoError(pub.Publish(context.Background(), queue, messageID, body))
}

// publishWithRetryCount drops a message onto the main queue carrying an
// already-spent retry counter, as if it had been through the retry
// queue before.
func (s *ConsumerSuite) publishWithRetryCount(ch *amqp.Channel, queue string, retryCount int, body []byte) {
	s.Require().NoError(rabbitmq.DeclareEventQueueTopology(ch, queue))

	err := ch.PublishWithContext(context.Background(), "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      amqp.Table{rabbitmq.RetryCountHeader: int32(retryCount)},
		Body:         body,
	})
	s.Require().NoError(err)
}

func (s *ConsumerSuite) getFromDLQ(queue string, within time.Duration) amqp.Delivery {
	ch := s.channel()

	var got amqp.Delivery
	s.Require().Eventually(func() bool {
		d, ok, err := ch.Get(rabbitmq.DLQ(queue), true)
		if err != nil || !ok {
			return false
		}
		got = d

		return true
	}, within, 100*time.Millisecond)

	return got
}

func (s *ConsumerSuite) TestAcksSuccessfulDelivery() {
	const queue = "ctest_ack"

	h := &recordingHandler{}
	s.startConsumer(queue, 5, h)

	body := []byte(`{"order_id": "ord-1"}`)
	s.publish(queue, "101", body)

	s.Require().Eventually(func() bool {
		return h.count() == 1
	}, 5*time.Second, 100*time.Millisecond)

	msg := h.messages()[0]
	s.Require().Equal("101", msg.MessageID)
	s.Require().Equal(body, msg.Body)
	s.Require().Zero(msg.RetryCount)

	// Nothing left behind: not on the main queue, not dead-lettered.
	time.Sleep(300 * time.Millisecond)
	ch := s.channel()

	_, ok, err := ch.Get(queue, true)
	s.Require().NoError(err)
	s.Require().False(ok)

	_, ok, err = ch.Get(rabbitmq.DLQ(queue), true)
	s.Require().NoError(err)
	s.Require().False(ok)
}

func (s *ConsumerSuite) TestRejectsWhenRetryBudgetSpent() {
	const queue = "ctest_budget"

	h := &recordingHandler{fail: errors.New("still broken")}
	s.startConsumer(queue, 1, h)

	body := []byte(`{"order_id": "ord-2"}`)
	s.publishWithRetryCount(s.channel(), queue, 1, body)

	d := s.getFromDLQ(queue, 10*time.Second)
	s.Require().Equal(body, d.Body)

	// One look was enough, no retry was scheduled.
	s.Require().Equal(1, h.count())
}

func (s *ConsumerSuite) TestRetriesThroughRetryQueueThenRejects() {
	const queue = "ctest_cycle"

	h := &recordingHandler{fail: errors.New("still broken")}
	s.startConsumer(queue, 1, h)

	body := []byte(`{"order_id": "ord-3"}`)
	s.publish(queue, "7", body)

	// First delivery retries via the TTL queue, the redelivery carries
	// retry count 1 and goes to the DLQ.
	d := s.getFromDLQ(queue, 15*time.Second)
	s.Require().Equal(body, d.Body)
	s.Require().Equal("7", d.MessageId)
	s.Require().Equal(int32(1), d.Headers[rabbitmq.RetryCountHeader])

	s.Require().Equal(2, h.count())

	msgs := h.messages()
	s.Require().Zero(msgs[0].RetryCount)
	s.Require().Equal(1, msgs[1].RetryCount)
}

func (s *ConsumerSuite) TestMalformedMessageGoesStraightToDLQ() {
	const queue = "ctest_malformed"

	h := &recordingHandler{fail: fmt.Errorf("%w: garbage", consumer.ErrMalformedMessage)}
	s.startConsumer(queue, 5, h)

	body := []byte(`not json at all`)
	s.publish(queue, "9", body)

	d := s.getFromDLQ(queue, 10*time.Second)
	s.Require().Equal(body, d.Body)

	// Malformed messages never burn retries.
	s.Require().Equal(1, h.count())
}

func TestConsumerSuite(t *testing.T) {
	suite.Run(t, new(ConsumerSuite))
}
