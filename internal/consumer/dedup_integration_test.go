package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/ibras0696/outbox-relay/internal/consumer"
	"github.com/ibras0696/outbox-relay/internal/testsuite"
)

// recordingDispatcher counts the orders it is handed.
type recordingDispatcher struct {
	mu     sync.Mutex
	orders []string
}

func (d *recordingDispatcher) DispatchOrder(_ context.Context, orderID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.orders = append(d.orders, orderID)

	return nil
}

func (d *recordingDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.orders...)
}

type DedupSuite struct {
	testsuite.BaseSuite
}

func (s *DedupSuite) SetupSuite() {
	s.SetupPostgres("../../migrations")
}

func (s *DedupSuite) TearDownSuite() {
	s.TearDownInfrastructure()
}

func (s *DedupSuite) SetupTest() {
	s.TruncateTable("processed_events")
}

func (s *DedupSuite) TestRunsActionOncePerMessageID() {
	calls := 0
	action := func(context.Context) error {
		calls++

		return nil
	}

	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "m1", action))
	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "m1", action))
	s.Require().Equal(1, calls)

	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "m2", action))
	s.Require().Equal(2, calls)
}

func (s *DedupSuite) TestFailedActionReleasesTheClaim() {
	calls := 0
	boom := errors.New("boom")
	action := func(context.Context) error {
		calls++
		if calls == 1 {
			return boom
		}

		return nil
	}

	err := consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "m3", action)
	s.Require().ErrorIs(err, boom)

	// The claim was rolled back with the action, a redelivery runs it
	// again.
	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "m3", action))
	s.Require().Equal(2, calls)
}

func (s *DedupSuite) TestMissingMessageIDAlwaysRuns() {
	calls := 0
	action := func(context.Context) error {
		calls++

		return nil
	}

	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "", action))
	s.Require().NoError(consumer.Deduped(s.Ctx, s.DbPool, zap.NewNop(), "", action))
	s.Require().Equal(2, calls)
}

func (s *DedupSuite) TestOrderHandlerDispatchesDuplicatesOnce() {
	dispatcher := &recordingDispatcher{}
	h := consumer.NewOrderHandler(s.DbPool, dispatcher, zap.NewNop())

	msg := consumer.Message{
		MessageID: "55",
		Body:      []byte(`{"order_id": "ord-55"}`),
	}

	s.Require().NoError(h.Handle(s.Ctx, msg))
	s.Require().NoError(h.Handle(s.Ctx, msg))
	s.Require().Equal([]string{"ord-55"}, dispatcher.dispatched())

	other := consumer.Message{
		MessageID: "56",
		Body:      []byte(`{"order_id": "ord-56"}`),
	}

	s.Require().NoError(h.Handle(s.Ctx, other))
	s.Require().Equal([]string{"ord-55", "ord-56"}, dispatcher.dispatched())
}

func TestDedupSuite(t *testing.T) {
	suite.Run(t, new(DedupSuite))
}
