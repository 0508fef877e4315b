package auction

import "errors"

var (
	// ErrPriceRegression marks an inbound bid event whose price does not
	// move the snapshot upward. Dropped at the boundary, never applied.
	ErrPriceRegression = errors.New("auction: bid event price regression")

	// ErrUnknownAuction marks an event addressed to a different auction id.
	ErrUnknownAuction = errors.New("auction: event for unknown auction")

	// ErrAuctionClosed is returned for commands or events against an
	// auction that is no longer ON_SALE.
	ErrAuctionClosed = errors.New("auction: auction is not on sale")

	// ErrBidTooLow is returned before publishing a bid at or below the
	// current price.
	ErrBidTooLow = errors.New("auction: bid must exceed current price")

	// ErrOwnAuction is returned when the seller tries to bid on or buy
	// their own item.
	ErrOwnAuction = errors.New("auction: seller cannot bid on own item")

	// ErrNoBuyNow is returned when buy-now is requested without a buy-now
	// price, or the current price has already passed it.
	ErrNoBuyNow = errors.New("auction: buy-now unavailable")

	// ErrNotLeadingBidder is returned when payment is requested by someone
	// other than the leading bidder.
	ErrNotLeadingBidder = errors.New("auction: payment reserved for leading bidder")

	// ErrPaymentWindowClosed is returned when payment is requested after
	// the authoritative payment deadline.
	ErrPaymentWindowClosed = errors.New("auction: payment window closed")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("auction: session closed")
)
