package auction

import (
	"fmt"
	"time"
)

// Lifecycle is the auction's coarse status. SoldOut, Expired and Failed are
// terminal for this client: no further transitions are applied.
type Lifecycle string

const (
	OnSale       Lifecycle = "ON_SALE"       // bidding open
	AuctionEnded Lifecycle = "AUCTION_ENDED" // awaiting winner payment
	SoldOut      Lifecycle = "SOLD_OUT"      // payment completed
	Expired      Lifecycle = "EXPIRED"       // payment window lapsed
	Failed       Lifecycle = "FAILED"        // ended with no bids
)

// Terminal reports whether no further client-side transitions apply.
func (l Lifecycle) Terminal() bool {
	return l == SoldOut || l == Expired || l == Failed
}

// Snapshot is the client's view of one live auction. The server is the
// single source of truth; a snapshot only changes by applying push events or
// by being replaced wholesale from a resync.
type Snapshot struct {
	AuctionID         int64     `json:"auctionId"`
	Name              string    `json:"name"`
	SellerName        string    `json:"sellerName"`
	CurrentPrice      int64     `json:"currentPrice"`
	LeadingBidderName string    `json:"leadingBidderName"`
	State             Lifecycle `json:"lifecycleState"`
	AuctionEndAt      time.Time `json:"auctionEndAt"`
	PaymentDueAt      time.Time `json:"paymentDueAt,omitempty"` // set once State = AUCTION_ENDED
	MyAutoBidCeiling  *int64    `json:"myAutoBidCeiling,omitempty"`
	BuyNowPrice       *int64    `json:"buyNowPrice,omitempty"`
	LikeCount         int       `json:"likeCount"`
	Liked             bool      `json:"liked"`
}

// BidEvent is the inbound push payload for a bid accepted by the server. The
// end time rides along because a late bid can extend the auction.
type BidEvent struct {
	AuctionID    int64     `json:"auctionId"`
	NewPrice     int64     `json:"newPrice"`
	BidderName   string    `json:"bidderName"`
	AuctionEndAt time.Time `json:"auctionEndAt"`
}

// BidCommand is the outbound publish payload for placing a bid.
type BidCommand struct {
	BidAmount int64 `json:"bidAmount"`
}

// ApplyBid applies an accepted bid to the snapshot. Price, leading bidder
// and end time are replaced together; applying one without the others would
// let the UI show a price with a stale bidder name. Events that would move
// the price down or sideways are protocol anomalies and are rejected with
// the snapshot unchanged.
func (s *Snapshot) ApplyBid(event BidEvent) error {
	if event.AuctionID != s.AuctionID {
		return fmt.Errorf("%w: event for auction %d applied to %d", ErrUnknownAuction, event.AuctionID, s.AuctionID)
	}
	if s.State != OnSale {
		return fmt.Errorf("%w: state %s", ErrAuctionClosed, s.State)
	}
	if event.NewPrice <= s.CurrentPrice {
		return fmt.Errorf("%w: event price %d, current %d", ErrPriceRegression, event.NewPrice, s.CurrentPrice)
	}

	s.CurrentPrice = event.NewPrice
	s.LeadingBidderName = event.BidderName
	if !event.AuctionEndAt.IsZero() {
		s.AuctionEndAt = event.AuctionEndAt
	}
	return nil
}

// Deadline returns the authoritative instant the active countdown should
// reconcile against for the current lifecycle state, or zero when none
// applies.
func (s *Snapshot) Deadline() time.Time {
	switch s.State {
	case OnSale:
		return s.AuctionEndAt
	case AuctionEnded:
		return s.PaymentDueAt
	default:
		return time.Time{}
	}
}

// Topic returns the push topic carrying this auction's bid events.
func Topic(auctionID int64) string {
	return fmt.Sprintf("auction/%d", auctionID)
}

// BidDestination returns the publish destination for bid commands.
func BidDestination(auctionID int64) string {
	return fmt.Sprintf("auction/%d/bid", auctionID)
}

// ErrorTopic is the user-scoped topic delivering plain-text bid rejections.
const ErrorTopic = "user/queue/errors"
