package main

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"auctionpulse/internal/auction"
	"auctionpulse/internal/chat"
	"auctionpulse/internal/notification"
)

// Anti-snipe: a bid landing this close to the deadline extends it, so
// last-second sniping always leaves time to respond.
const (
	extensionThreshold = 60 * time.Second
	extensionDuration  = 60 * time.Second
	paymentWindow      = 24 * time.Hour
)

type simAuction struct {
	snap     auction.Snapshot
	bidCount int
	liked    map[string]bool
}

// store holds the simulator's world in memory. The simulator is the source
// of truth the client resyncs against; nothing is persisted.
type store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	auctions map[int64]*simAuction
	rooms    map[int64][]chat.Message
	notifs   map[string][]notification.Notification // per user, newest first
	nextID   int64
}

func newStore(clock clockwork.Clock) *store {
	return &store{
		clock:    clock,
		auctions: make(map[int64]*simAuction),
		rooms:    make(map[int64][]chat.Message),
		notifs:   make(map[string][]notification.Notification),
		nextID:   1,
	}
}

// seed creates a demo auction ending after the given duration.
func (st *store) seed(name, seller string, startPrice int64, buyNow *int64, duration time.Duration) int64 {
	st.mu.Lock()
	defer st.mu.Unlock()

	id := st.nextID
	st.nextID++
	st.auctions[id] = &simAuction{
		snap: auction.Snapshot{
			AuctionID:    id,
			Name:         name,
			SellerName:   seller,
			CurrentPrice: startPrice,
			State:        auction.OnSale,
			AuctionEndAt: st.clock.Now().Add(duration),
			BuyNowPrice:  buyNow,
		},
		liked: make(map[string]bool),
	}
	return id
}

// get returns a snapshot copy after settling any overdue lifecycle
// transition. Settling on read keeps the REST resync authoritative: the
// client never flips state on its own clock, it asks here.
func (st *store) get(auctionID int64) (auction.Snapshot, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return auction.Snapshot{}, fmt.Errorf("auction %d not found", auctionID)
	}
	st.settleLocked(a)
	return a.snap, nil
}

func (st *store) settleLocked(a *simAuction) {
	now := st.clock.Now()
	switch a.snap.State {
	case auction.OnSale:
		if now.After(a.snap.AuctionEndAt) {
			if a.bidCount == 0 {
				a.snap.State = auction.Failed
			} else {
				a.snap.State = auction.AuctionEnded
				a.snap.PaymentDueAt = a.snap.AuctionEndAt.Add(paymentWindow)
			}
			log.Info().Int64("auction_id", a.snap.AuctionID).Str("state", string(a.snap.State)).Msg("auction settled")
		}
	case auction.AuctionEnded:
		if now.After(a.snap.PaymentDueAt) {
			a.snap.State = auction.Expired
			log.Info().Int64("auction_id", a.snap.AuctionID).Msg("payment window expired")
		}
	}
}

// placeBid validates a bid and returns the resulting event. A rejection
// comes back as an error whose text goes to the bidder's error topic.
func (st *store) placeBid(auctionID int64, bidder string, amount int64) (auction.BidEvent, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return auction.BidEvent{}, fmt.Errorf("auction %d not found", auctionID)
	}
	st.settleLocked(a)

	if a.snap.State != auction.OnSale {
		return auction.BidEvent{}, fmt.Errorf("auction is no longer on sale")
	}
	if bidder == a.snap.SellerName {
		return auction.BidEvent{}, fmt.Errorf("you cannot bid on your own item")
	}
	if amount <= a.snap.CurrentPrice {
		return auction.BidEvent{}, fmt.Errorf("bid must exceed the current price of %d", a.snap.CurrentPrice)
	}

	now := st.clock.Now()
	if until := a.snap.AuctionEndAt.Sub(now); until > 0 && until <= extensionThreshold {
		a.snap.AuctionEndAt = a.snap.AuctionEndAt.Add(extensionDuration)
		log.Info().Int64("auction_id", auctionID).Time("new_end", a.snap.AuctionEndAt).Msg("anti-snipe extension")
	}

	a.snap.CurrentPrice = amount
	a.snap.LeadingBidderName = bidder
	a.bidCount++

	return auction.BidEvent{
		AuctionID:    auctionID,
		NewPrice:     amount,
		BidderName:   bidder,
		AuctionEndAt: a.snap.AuctionEndAt,
	}, nil
}

func (st *store) buyNow(auctionID int64, buyer string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d not found", auctionID)
	}
	st.settleLocked(a)

	if a.snap.State != auction.OnSale {
		return fmt.Errorf("auction is no longer on sale")
	}
	if a.snap.BuyNowPrice == nil || *a.snap.BuyNowPrice <= a.snap.CurrentPrice {
		return fmt.Errorf("buy-now unavailable")
	}
	if buyer == a.snap.SellerName {
		return fmt.Errorf("you cannot buy your own item")
	}

	a.snap.CurrentPrice = *a.snap.BuyNowPrice
	a.snap.LeadingBidderName = buyer
	a.snap.State = auction.SoldOut
	return nil
}

func (st *store) endEarly(auctionID int64, caller string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d not found", auctionID)
	}
	if caller != a.snap.SellerName {
		return fmt.Errorf("only the seller may end the auction")
	}
	if a.snap.State != auction.OnSale {
		return fmt.Errorf("auction is no longer on sale")
	}
	if a.bidCount == 0 {
		return fmt.Errorf("cannot end an auction with no bids")
	}

	a.snap.State = auction.AuctionEnded
	a.snap.AuctionEndAt = st.clock.Now()
	a.snap.PaymentDueAt = st.clock.Now().Add(paymentWindow)
	return nil
}

func (st *store) toggleLike(auctionID int64, user string) (auction.LikeResult, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return auction.LikeResult{}, fmt.Errorf("auction %d not found", auctionID)
	}
	if user == a.snap.SellerName {
		return auction.LikeResult{}, fmt.Errorf("you cannot like your own item")
	}

	if a.liked[user] {
		delete(a.liked, user)
		a.snap.LikeCount--
	} else {
		a.liked[user] = true
		a.snap.LikeCount++
	}
	return auction.LikeResult{Liked: a.liked[user], LikeCount: a.snap.LikeCount}, nil
}

func (st *store) deleteAuction(auctionID int64, caller string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %d not found", auctionID)
	}
	if caller != a.snap.SellerName {
		return fmt.Errorf("only the seller may delete the auction")
	}
	delete(st.auctions, auctionID)
	return nil
}

// postChat appends a message with server-assigned identity and timestamp.
func (st *store) postChat(roomID int64, senderName string, body string) chat.Message {
	st.mu.Lock()
	defer st.mu.Unlock()

	id := st.nextID
	st.nextID++
	msg := chat.Message{
		MessageID:  id,
		RoomID:     roomID,
		SenderID:   hashID(senderName),
		SenderName: senderName,
		Body:       body,
		SentAt:     st.clock.Now(),
	}
	st.rooms[roomID] = append(st.rooms[roomID], msg)
	return msg
}

func (st *store) chatHistory(roomID int64) []chat.Message {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]chat.Message, len(st.rooms[roomID]))
	copy(out, st.rooms[roomID])
	return out
}

// pushNotification records a notification for a user and returns it.
func (st *store) pushNotification(user string, category notification.Category, content, url string) notification.Notification {
	st.mu.Lock()
	defer st.mu.Unlock()

	id := st.nextID
	st.nextID++
	n := notification.Notification{
		ID:        id,
		Content:   content,
		TargetURL: url,
		CreatedAt: st.clock.Now(),
		Category:  category,
	}
	st.notifs[user] = append([]notification.Notification{n}, st.notifs[user]...)
	return n
}

func (st *store) notifications(user string) []notification.Notification {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]notification.Notification, len(st.notifs[user]))
	copy(out, st.notifs[user])
	return out
}

func (st *store) unreadCount(user string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, n := range st.notifs[user] {
		if !n.Read {
			count++
		}
	}
	return count
}

func (st *store) markRead(user string, id int64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.notifs[user] {
		if st.notifs[user][i].ID == id {
			st.notifs[user][i].Read = true
			return
		}
	}
}

func (st *store) markAllRead(user string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i := range st.notifs[user] {
		st.notifs[user][i].Read = true
	}
}

// interestedBidders returns users other than the actor who have bid on or
// liked the auction, for notification fan-out.
func (st *store) interestedUsers(auctionID int64, except string) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	a, ok := st.auctions[auctionID]
	if !ok {
		return nil
	}
	users := make(map[string]bool)
	for user := range a.liked {
		users[user] = true
	}
	if a.snap.LeadingBidderName != "" {
		users[a.snap.LeadingBidderName] = true
	}
	delete(users, except)

	out := make([]string, 0, len(users))
	for user := range users {
		out = append(out, user)
	}
	return out
}

func hashID(name string) int64 {
	var h int64
	for _, r := range strings.ToLower(name) {
		h = h*31 + int64(r)
	}
	if h < 0 {
		h = -h
	}
	return h
}
