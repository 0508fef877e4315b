package auction

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"auctionpulse/internal/payment"
	"auctionpulse/internal/session"
	"auctionpulse/internal/transport"
)

type fakeAPI struct {
	mu         sync.Mutex
	snapshots  []Snapshot // successive FetchAuction results
	fetchCalls int
	fetchErr   error

	autoBids      []int64
	autoBidErr    error
	cancelCalls   int
	buyNowCalls   int
	endCalls      int
	deleteCalls   int
	likeResult    LikeResult
	descriptor    payment.Descriptor
	descriptorErr error
}

func (f *fakeAPI) FetchAuction(ctx context.Context, auctionID int64) (Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return Snapshot{}, f.fetchErr
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	f.fetchCalls++
	return snap, nil
}

func (f *fakeAPI) SubmitAutoBid(ctx context.Context, auctionID int64, ceiling int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.autoBidErr != nil {
		return f.autoBidErr
	}
	f.autoBids = append(f.autoBids, ceiling)
	return nil
}

func (f *fakeAPI) CancelAutoBid(ctx context.Context, auctionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeAPI) SubmitBuyNow(ctx context.Context, auctionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buyNowCalls++
	return nil
}

func (f *fakeAPI) EndAuctionEarly(ctx context.Context, auctionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endCalls++
	return nil
}

func (f *fakeAPI) ToggleLike(ctx context.Context, auctionID int64) (LikeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.likeResult, nil
}

func (f *fakeAPI) DeleteAuction(ctx context.Context, auctionID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	return nil
}

func (f *fakeAPI) FetchPaymentDescriptor(ctx context.Context, auctionID int64) (payment.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.descriptor, f.descriptorErr
}

func (f *fakeAPI) fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

// fakeTransport records publishes and lets tests inject inbound frames. It
// delegates Subscribe to a real (never connected) channel so unsubscribe
// handles are genuine.
type fakeTransport struct {
	ch *transport.Channel

	mu        sync.Mutex
	connected bool
	published map[string][]json.RawMessage
	handlers  map[string]transport.MessageHandler
}

func newFakeTransport(connected bool) *fakeTransport {
	cfg := transport.DefaultChannelConfig("ws://unused")
	cfg.CloseWhenIdle = false
	return &fakeTransport{
		ch:        transport.NewChannel(cfg),
		connected: connected,
		published: make(map[string][]json.RawMessage),
		handlers:  make(map[string]transport.MessageHandler),
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Publish(destination string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.published[destination] = append(f.published[destination], data)
	return nil
}

func (f *fakeTransport) Subscribe(topic string, fn transport.MessageHandler) *transport.Subscription {
	f.mu.Lock()
	f.handlers[topic] = fn
	f.mu.Unlock()
	return f.ch.Subscribe(topic, fn)
}

func (f *fakeTransport) inject(t *testing.T, topic string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	f.mu.Lock()
	fn := f.handlers[topic]
	f.mu.Unlock()
	require.NotNil(t, fn, "no handler for topic %s", topic)
	fn(data)
}

func (f *fakeTransport) publishedTo(destination string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[destination]
}

type sessionFixture struct {
	api       *fakeAPI
	transport *fakeTransport
	clock     *clockwork.FakeClock
	sess      *session.Context
	session   *Session

	mu         sync.Mutex
	changes    []Snapshot
	lifecycles [][2]Lifecycle
	rejections []string
}

func newSessionFixture(t *testing.T, snap Snapshot, userName string) *sessionFixture {
	t.Helper()

	fx := &sessionFixture{
		api:       &fakeAPI{snapshots: []Snapshot{snap}},
		transport: newFakeTransport(true),
		clock:     clockwork.NewFakeClock(),
		sess:      session.NewContext(),
	}
	fx.sess.Set("token", &session.User{ID: 7, Name: userName})

	fx.session = NewSession(snap.AuctionID, fx.api, fx.transport, fx.sess, fx.clock, Hooks{
		OnChange: func(s Snapshot) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.changes = append(fx.changes, s)
		},
		OnLifecycle: func(from, to Lifecycle) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.lifecycles = append(fx.lifecycles, [2]Lifecycle{from, to})
		},
		OnRejected: func(reason string) {
			fx.mu.Lock()
			defer fx.mu.Unlock()
			fx.rejections = append(fx.rejections, reason)
		},
	})

	require.NoError(t, fx.session.Open(context.Background()))
	t.Cleanup(fx.session.Close)
	return fx
}

func (fx *sessionFixture) changeCount() int {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return len(fx.changes)
}

func TestSession_PlaceBidGates(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("disconnected_transport", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		fx.transport.mu.Lock()
		fx.transport.connected = false
		fx.transport.mu.Unlock()

		err := fx.session.PlaceBid(12000)
		require.ErrorIs(t, err, transport.ErrNotConnected)
		require.Empty(t, fx.transport.publishedTo(BidDestination(1)))
	})

	t.Run("seller_cannot_bid", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "alice")
		require.ErrorIs(t, fx.session.PlaceBid(12000), ErrOwnAuction)
	})

	t.Run("bid_at_current_price", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.ErrorIs(t, fx.session.PlaceBid(10000), ErrBidTooLow)
	})

	t.Run("closed_auction", func(t *testing.T) {
		snap := baseSnapshot(now)
		snap.State = AuctionEnded
		fx := newSessionFixture(t, snap, "dave")
		require.ErrorIs(t, fx.session.PlaceBid(12000), ErrAuctionClosed)
	})
}

// Issuing a bid must not change the snapshot: acceptance only ever arrives
// as a BidEvent.
func TestSession_NoOptimisticBidState(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fx := newSessionFixture(t, baseSnapshot(now), "dave")

	before := fx.session.Snapshot()
	require.NoError(t, fx.session.PlaceBid(12000))

	published := fx.transport.publishedTo(BidDestination(1))
	require.Len(t, published, 1)
	var cmd BidCommand
	require.NoError(t, json.Unmarshal(published[0], &cmd))
	require.EqualValues(t, 12000, cmd.BidAmount)

	require.Equal(t, before, fx.session.Snapshot(), "snapshot must not move before the BidEvent arrives")

	// A rejection leaves the snapshot exactly as before the command.
	fx.transport.inject(t, ErrorTopic, "bid must exceed the current price")
	require.Eventually(t, func() bool {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return len(fx.rejections) == 1
	}, time.Second, time.Millisecond)
	require.Equal(t, before, fx.session.Snapshot())

	fx.mu.Lock()
	require.Equal(t, "bid must exceed the current price", fx.rejections[0])
	fx.mu.Unlock()
}

// Scenario A and B: an accepted bid replaces price, bidder and end time
// together; a regressing event is discarded with state untouched.
func TestSession_AppliesAndDropsBidEvents(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fx := newSessionFixture(t, baseSnapshot(now), "dave")

	fx.transport.inject(t, Topic(1), BidEvent{
		AuctionID: 1, NewPrice: 12000, BidderName: "carol", AuctionEndAt: now.Add(65 * time.Second),
	})
	require.Eventually(t, func() bool {
		return fx.session.Snapshot().CurrentPrice == 12000
	}, time.Second, time.Millisecond)

	snap := fx.session.Snapshot()
	require.Equal(t, "carol", snap.LeadingBidderName)
	require.Equal(t, now.Add(65*time.Second), snap.AuctionEndAt, "anti-snipe extension must be honored")
	require.Equal(t, OnSale, snap.State)

	// Price regression: dropped, not applied. Follow with a valid event so
	// the reducer order proves the drop happened first.
	fx.transport.inject(t, Topic(1), BidEvent{AuctionID: 1, NewPrice: 9000, BidderName: "mallory"})
	fx.transport.inject(t, Topic(1), BidEvent{
		AuctionID: 1, NewPrice: 13000, BidderName: "erin", AuctionEndAt: now.Add(65 * time.Second),
	})
	require.Eventually(t, func() bool {
		return fx.session.Snapshot().CurrentPrice == 13000
	}, time.Second, time.Millisecond)
	require.NotEqual(t, "mallory", fx.session.Snapshot().LeadingBidderName)
}

// Scenario D: the local clock reaching the end time never flips state; only
// a resync that returns a new lifecycle does.
func TestSession_DeferredTerminalTransition(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	snap := baseSnapshot(now)
	snap.AuctionEndAt = now.Add(-time.Minute) // already past

	fx := newSessionFixture(t, snap, "dave")

	ended := snap
	ended.State = AuctionEnded
	ended.PaymentDueAt = snap.AuctionEndAt.Add(24 * time.Hour)
	fx.api.mu.Lock()
	fx.api.snapshots = []Snapshot{ended}
	fx.api.mu.Unlock()

	require.Equal(t, OnSale, fx.session.Snapshot().State, "expired clock alone must not flip state")

	require.NoError(t, fx.session.Resync(context.Background()))
	require.Eventually(t, func() bool {
		fx.mu.Lock()
		defer fx.mu.Unlock()
		return len(fx.lifecycles) == 1
	}, time.Second, time.Millisecond)

	snap = fx.session.Snapshot()
	require.Equal(t, AuctionEnded, snap.State)
	require.Equal(t, ended.PaymentDueAt, snap.PaymentDueAt)
	require.Equal(t, ended.PaymentDueAt, snap.Deadline(), "payment countdown deadline must activate")

	fx.mu.Lock()
	require.Equal(t, [][2]Lifecycle{{OnSale, AuctionEnded}}, fx.lifecycles)
	fx.mu.Unlock()
}

func TestSession_AutoBid(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("sets_ceiling_after_success", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.NoError(t, fx.session.SetAutoBid(context.Background(), 30000))
		require.Eventually(t, func() bool {
			snap := fx.session.Snapshot()
			return snap.MyAutoBidCeiling != nil && *snap.MyAutoBidCeiling == 30000
		}, time.Second, time.Millisecond)
	})

	t.Run("rest_failure_leaves_ceiling_unset", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		fx.api.mu.Lock()
		fx.api.autoBidErr = errors.New("boom")
		fx.api.mu.Unlock()

		require.Error(t, fx.session.SetAutoBid(context.Background(), 30000))
		require.Nil(t, fx.session.Snapshot().MyAutoBidCeiling)
	})

	t.Run("cancel_clears_ceiling", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.NoError(t, fx.session.SetAutoBid(context.Background(), 30000))
		require.NoError(t, fx.session.CancelAutoBid(context.Background()))
		require.Eventually(t, func() bool {
			return fx.session.Snapshot().MyAutoBidCeiling == nil
		}, time.Second, time.Millisecond)
	})

	t.Run("ceiling_below_current_rejected", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.ErrorIs(t, fx.session.SetAutoBid(context.Background(), 9000), ErrBidTooLow)
	})
}

func TestSession_BuyNow(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("unavailable_without_price", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.ErrorIs(t, fx.session.BuyNow(context.Background()), ErrNoBuyNow)
	})

	t.Run("success_resyncs", func(t *testing.T) {
		snap := baseSnapshot(now)
		buyNow := int64(50000)
		snap.BuyNowPrice = &buyNow
		fx := newSessionFixture(t, snap, "dave")

		sold := snap
		sold.State = SoldOut
		sold.CurrentPrice = buyNow
		sold.LeadingBidderName = "dave"
		fx.api.mu.Lock()
		fx.api.snapshots = []Snapshot{sold}
		fx.api.mu.Unlock()

		require.NoError(t, fx.session.BuyNow(context.Background()))
		require.Eventually(t, func() bool {
			return fx.session.Snapshot().State == SoldOut
		}, time.Second, time.Millisecond)
	})
}

type fakeWidget struct {
	mu       sync.Mutex
	rendered []int64
	orders   []payment.Descriptor
	err      error
}

func (w *fakeWidget) Render(amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rendered = append(w.rendered, amount)
}

func (w *fakeWidget) RequestPayment(order payment.Descriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.orders = append(w.orders, order)
	return nil
}

func TestSession_RequestPayment(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Every fake clock starts at the same instant, so deadlines computed
	// against a throwaway clock line up with the fixture's.
	clockNow := clockwork.NewFakeClock().Now()

	endedSnapshot := func(leader string, due time.Time) Snapshot {
		snap := baseSnapshot(now)
		snap.State = AuctionEnded
		snap.LeadingBidderName = leader
		snap.PaymentDueAt = due
		return snap
	}

	t.Run("leading_bidder_pays", func(t *testing.T) {
		fx := newSessionFixture(t, endedSnapshot("dave", clockNow.Add(24*time.Hour)), "dave")

		fx.api.mu.Lock()
		fx.api.descriptor = payment.Descriptor{OrderID: "order-1", Amount: 10000}
		fx.api.mu.Unlock()

		widget := &fakeWidget{}
		require.NoError(t, fx.session.RequestPayment(context.Background(), widget))

		widget.mu.Lock()
		require.Len(t, widget.orders, 1)
		require.Equal(t, "order-1", widget.orders[0].OrderID)
		widget.mu.Unlock()
	})

	t.Run("non_leader_rejected", func(t *testing.T) {
		fx := newSessionFixture(t, endedSnapshot("carol", clockNow.Add(24*time.Hour)), "dave")
		require.ErrorIs(t, fx.session.RequestPayment(context.Background(), &fakeWidget{}), ErrNotLeadingBidder)
	})

	t.Run("window_closed", func(t *testing.T) {
		fx := newSessionFixture(t, endedSnapshot("dave", clockNow.Add(-time.Second)), "dave")
		require.ErrorIs(t, fx.session.RequestPayment(context.Background(), &fakeWidget{}), ErrPaymentWindowClosed)
	})

	t.Run("on_sale_rejected", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.ErrorIs(t, fx.session.RequestPayment(context.Background(), &fakeWidget{}), ErrAuctionClosed)
	})
}

func TestSession_SideChannelMutations(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("like_applies_server_result", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		fx.api.mu.Lock()
		fx.api.likeResult = LikeResult{Liked: true, LikeCount: 4}
		fx.api.mu.Unlock()

		require.NoError(t, fx.session.ToggleLike(context.Background()))
		require.Eventually(t, func() bool {
			snap := fx.session.Snapshot()
			return snap.Liked && snap.LikeCount == 4
		}, time.Second, time.Millisecond)
	})

	t.Run("seller_cannot_like_own_item", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "alice")
		require.ErrorIs(t, fx.session.ToggleLike(context.Background()), ErrOwnAuction)
	})

	t.Run("only_seller_deletes", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.Error(t, fx.session.Delete(context.Background()))

		fx2 := newSessionFixture(t, baseSnapshot(now), "alice")
		require.NoError(t, fx2.session.Delete(context.Background()))
	})
}

func TestSession_CommandsAfterCloseRejected(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	fx := newSessionFixture(t, baseSnapshot(now), "dave")
	fx.session.Close()

	require.ErrorIs(t, fx.session.PlaceBid(12000), ErrSessionClosed)
	require.ErrorIs(t, fx.session.Resync(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, fx.session.SetAutoBid(context.Background(), 30000), ErrSessionClosed)
	require.ErrorIs(t, fx.session.BuyNow(context.Background()), ErrSessionClosed)
	require.ErrorIs(t, fx.session.ToggleLike(context.Background()), ErrSessionClosed)
	require.Empty(t, fx.transport.publishedTo(BidDestination(1)))
}

func TestSession_EndEarly(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("non_seller_rejected", func(t *testing.T) {
		fx := newSessionFixture(t, baseSnapshot(now), "dave")
		require.Error(t, fx.session.EndEarly(context.Background()))
		fx.api.mu.Lock()
		require.Zero(t, fx.api.endCalls)
		fx.api.mu.Unlock()
	})

	t.Run("seller_ends_and_resyncs", func(t *testing.T) {
		snap := baseSnapshot(now)
		fx := newSessionFixture(t, snap, "alice")

		ended := snap
		ended.State = AuctionEnded
		ended.PaymentDueAt = now.Add(24 * time.Hour)
		fx.api.mu.Lock()
		fx.api.snapshots = []Snapshot{ended}
		fx.api.mu.Unlock()

		require.NoError(t, fx.session.EndEarly(context.Background()))
		require.Eventually(t, func() bool {
			return fx.session.Snapshot().State == AuctionEnded
		}, time.Second, time.Millisecond)
	})
}
