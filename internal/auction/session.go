package auction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"auctionpulse/internal/payment"
	"auctionpulse/internal/session"
	"auctionpulse/internal/transport"
)

// API is the REST resync capability the session consumes. The HTTP client
// in internal/rest implements it; tests substitute fakes.
type API interface {
	FetchAuction(ctx context.Context, auctionID int64) (Snapshot, error)
	SubmitAutoBid(ctx context.Context, auctionID int64, ceiling int64) error
	CancelAutoBid(ctx context.Context, auctionID int64) error
	SubmitBuyNow(ctx context.Context, auctionID int64) error
	EndAuctionEarly(ctx context.Context, auctionID int64) error
	ToggleLike(ctx context.Context, auctionID int64) (LikeResult, error)
	DeleteAuction(ctx context.Context, auctionID int64) error
	FetchPaymentDescriptor(ctx context.Context, auctionID int64) (payment.Descriptor, error)
}

// LikeResult is the server's answer to a like toggle.
type LikeResult struct {
	Liked     bool `json:"liked"`
	LikeCount int  `json:"likeCount"`
}

// Transport is the slice of the shared channel the session uses. It never
// mutates connection state; only the channel's own Connect/Disconnect do.
type Transport interface {
	Connected() bool
	Publish(destination string, payload interface{}) error
	Subscribe(topic string, fn transport.MessageHandler) *transport.Subscription
}

// Hooks are the session's outbound notifications. All hooks fire on the
// session's reducer goroutine.
type Hooks struct {
	// OnChange fires after every applied mutation with a snapshot copy.
	OnChange func(Snapshot)
	// OnLifecycle fires when a resync moves the auction to a new state.
	OnLifecycle func(from, to Lifecycle)
	// OnRejected fires with the server's plain-text bid rejection reason.
	OnRejected func(reason string)
}

// Session holds one auction's state and issues its commands. Every mutation
// is funneled through a single reducer goroutine, so inbound push events,
// resync results and command side effects apply in one serialized order.
type Session struct {
	auctionID int64
	api       API
	transport Transport
	sess      *session.Context
	clock     clockwork.Clock
	hooks     Hooks

	mu   sync.RWMutex
	snap Snapshot

	msgCh  chan message
	done   chan struct{}
	closed sync.Once
	subs   []*transport.Subscription
}

type message struct {
	mutate    func(*Snapshot) error
	rejection string
}

// NewSession creates a session for one auction. Open must be called before
// use.
func NewSession(auctionID int64, api API, tr Transport, sess *session.Context, clock clockwork.Clock, hooks Hooks) *Session {
	return &Session{
		auctionID: auctionID,
		api:       api,
		transport: tr,
		sess:      sess,
		clock:     clock,
		hooks:     hooks,
		msgCh:     make(chan message, 64),
		done:      make(chan struct{}),
	}
}

// Open performs the initial authoritative fetch, starts the reducer and
// subscribes to the auction topic and the user-scoped error topic.
func (s *Session) Open(ctx context.Context) error {
	snap, err := s.api.FetchAuction(ctx, s.auctionID)
	if err != nil {
		return fmt.Errorf("fetch auction %d: %w", s.auctionID, err)
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()

	go s.run()

	s.subs = append(s.subs,
		s.transport.Subscribe(Topic(s.auctionID), s.onBidMessage),
		s.transport.Subscribe(ErrorTopic, s.onErrorMessage),
	)

	log.Info().
		Int64("auction_id", s.auctionID).
		Str("state", string(snap.State)).
		Int64("current_price", snap.CurrentPrice).
		Msg("auction session opened")
	return nil
}

// Close cancels the subscriptions and stops the reducer. The transport
// channel itself stays up for other subscribers.
func (s *Session) Close() {
	s.closed.Do(func() {
		for _, sub := range s.subs {
			sub.Unsubscribe()
		}
		close(s.done)
		log.Debug().Int64("auction_id", s.auctionID).Msg("auction session closed")
	})
}

// Snapshot returns a copy of the current auction state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// run is the single reducer: the only goroutine that mutates the snapshot.
func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.msgCh:
			if msg.rejection != "" {
				log.Warn().Int64("auction_id", s.auctionID).Str("reason", msg.rejection).Msg("bid rejected by server")
				if s.hooks.OnRejected != nil {
					s.hooks.OnRejected(msg.rejection)
				}
				continue
			}
			s.mu.Lock()
			before := s.snap.State
			err := msg.mutate(&s.snap)
			after := s.snap.State
			copied := s.snap
			s.mu.Unlock()

			if err != nil {
				// Protocol anomaly: dropped at the boundary, state unchanged.
				log.Warn().Err(err).Int64("auction_id", s.auctionID).Msg("dropping inbound event")
				continue
			}
			if after != before && s.hooks.OnLifecycle != nil {
				s.hooks.OnLifecycle(before, after)
			}
			if s.hooks.OnChange != nil {
				s.hooks.OnChange(copied)
			}
		}
	}
}

func (s *Session) deliver(msg message) {
	select {
	case s.msgCh <- msg:
	case <-s.done:
	}
}

// guard rejects commands issued after Close. Inbound push handlers skip it:
// their subscriptions are cancelled by Close and stragglers drain into done.
func (s *Session) guard() error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

func (s *Session) onBidMessage(body json.RawMessage) {
	var event BidEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Int64("auction_id", s.auctionID).Msg("dropping malformed bid event")
		return
	}
	s.deliver(message{mutate: func(snap *Snapshot) error {
		return snap.ApplyBid(event)
	}})
}

func (s *Session) onErrorMessage(body json.RawMessage) {
	reason := string(body)
	var text string
	if err := json.Unmarshal(body, &text); err == nil {
		reason = text
	}
	s.deliver(message{rejection: reason})
}

// PlaceBid validates and publishes a bid command. The snapshot is never
// updated here: acceptance only ever arrives as a BidEvent, so a rejected
// bid has nothing to roll back.
func (s *Session) PlaceBid(amount int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !s.transport.Connected() {
		return transport.ErrNotConnected
	}

	snap := s.Snapshot()
	if snap.State != OnSale {
		return fmt.Errorf("%w: state %s", ErrAuctionClosed, snap.State)
	}
	if s.isSeller() {
		return ErrOwnAuction
	}
	if amount <= snap.CurrentPrice {
		return fmt.Errorf("%w: bid %d, current %d", ErrBidTooLow, amount, snap.CurrentPrice)
	}

	if err := s.transport.Publish(BidDestination(s.auctionID), BidCommand{BidAmount: amount}); err != nil {
		return fmt.Errorf("publish bid: %w", err)
	}
	log.Info().Int64("auction_id", s.auctionID).Int64("amount", amount).Msg("bid published")
	return nil
}

// BuyNow purchases at the buy-now price. The server is authoritative; on
// success the session resyncs to pick up the new lifecycle state.
func (s *Session) BuyNow(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	snap := s.Snapshot()
	if snap.State != OnSale {
		return fmt.Errorf("%w: state %s", ErrAuctionClosed, snap.State)
	}
	if s.isSeller() {
		return ErrOwnAuction
	}
	if snap.BuyNowPrice == nil || *snap.BuyNowPrice <= snap.CurrentPrice {
		return ErrNoBuyNow
	}

	if err := s.api.SubmitBuyNow(ctx, s.auctionID); err != nil {
		return fmt.Errorf("submit buy-now: %w", err)
	}
	return s.Resync(ctx)
}

// SetAutoBid registers or updates the caller's auto-bid ceiling. The local
// field changes only after the REST call succeeds.
func (s *Session) SetAutoBid(ctx context.Context, ceiling int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	snap := s.Snapshot()
	if snap.State != OnSale {
		return fmt.Errorf("%w: state %s", ErrAuctionClosed, snap.State)
	}
	if s.isSeller() {
		return ErrOwnAuction
	}
	if ceiling <= snap.CurrentPrice {
		return fmt.Errorf("%w: ceiling %d, current %d", ErrBidTooLow, ceiling, snap.CurrentPrice)
	}

	if err := s.api.SubmitAutoBid(ctx, s.auctionID, ceiling); err != nil {
		return fmt.Errorf("submit auto-bid: %w", err)
	}
	s.deliver(message{mutate: func(snap *Snapshot) error {
		c := ceiling
		snap.MyAutoBidCeiling = &c
		return nil
	}})
	return nil
}

// CancelAutoBid withdraws the caller's auto-bid.
func (s *Session) CancelAutoBid(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.api.CancelAutoBid(ctx, s.auctionID); err != nil {
		return fmt.Errorf("cancel auto-bid: %w", err)
	}
	s.deliver(message{mutate: func(snap *Snapshot) error {
		snap.MyAutoBidCeiling = nil
		return nil
	}})
	return nil
}

// EndEarly lets the seller close the auction before auctionEndAt. Whether
// it is accepted (e.g. rejected with no bids) is the server's call.
func (s *Session) EndEarly(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !s.isSeller() {
		return fmt.Errorf("%w: only the seller may end early", ErrAuctionClosed)
	}
	if err := s.api.EndAuctionEarly(ctx, s.auctionID); err != nil {
		return fmt.Errorf("end auction early: %w", err)
	}
	return s.Resync(ctx)
}

// ToggleLike flips the like flag via REST, mutating locally only after the
// success response. Available regardless of lifecycle state.
func (s *Session) ToggleLike(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if s.isSeller() {
		return ErrOwnAuction
	}
	result, err := s.api.ToggleLike(ctx, s.auctionID)
	if err != nil {
		return fmt.Errorf("toggle like: %w", err)
	}
	s.deliver(message{mutate: func(snap *Snapshot) error {
		snap.Liked = result.Liked
		snap.LikeCount = result.LikeCount
		return nil
	}})
	return nil
}

// Delete removes the auction. Seller only.
func (s *Session) Delete(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if !s.isSeller() {
		return fmt.Errorf("%w: only the seller may delete", ErrAuctionClosed)
	}
	if err := s.api.DeleteAuction(ctx, s.auctionID); err != nil {
		return fmt.Errorf("delete auction: %w", err)
	}
	return nil
}

// RequestPayment hands the payment descriptor to the widget. Only the
// leading bidder may pay, and only until paymentDueAt; past that instant the
// server is expected to have expired the auction and a resync will say so.
func (s *Session) RequestPayment(ctx context.Context, widget payment.Widget) error {
	if err := s.guard(); err != nil {
		return err
	}
	snap := s.Snapshot()
	if snap.State != AuctionEnded {
		return fmt.Errorf("%w: state %s", ErrAuctionClosed, snap.State)
	}
	user := s.sess.User()
	if user == nil || user.Name != snap.LeadingBidderName {
		return ErrNotLeadingBidder
	}
	if !snap.PaymentDueAt.IsZero() && !s.clock.Now().Before(snap.PaymentDueAt) {
		return ErrPaymentWindowClosed
	}

	desc, err := s.api.FetchPaymentDescriptor(ctx, s.auctionID)
	if err != nil {
		return fmt.Errorf("fetch payment descriptor: %w", err)
	}
	if err := widget.RequestPayment(desc); err != nil {
		return fmt.Errorf("request payment: %w", err)
	}
	log.Info().Int64("auction_id", s.auctionID).Str("order_id", desc.OrderID).Msg("payment requested")
	return nil
}

// Resync refetches the authoritative snapshot and replaces local state
// wholesale. Lifecycle transitions only ever happen here; a local clock
// reaching zero is never trusted on its own.
func (s *Session) Resync(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	snap, err := s.api.FetchAuction(ctx, s.auctionID)
	if err != nil {
		return fmt.Errorf("resync auction %d: %w", s.auctionID, err)
	}
	s.deliver(message{mutate: func(current *Snapshot) error {
		*current = snap
		return nil
	}})
	return nil
}

func (s *Session) isSeller() bool {
	user := s.sess.User()
	return user != nil && user.Name == s.Snapshot().SellerName
}
