package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"auctionpulse/internal/auction"
	"auctionpulse/internal/notification"
	"auctionpulse/internal/transport"
)

// route dispatches a send frame by destination:
//
//	auction/{id}/bid          -> bid command
//	chat/room/{id}/message    -> chat message
func (h *hub) route(c *client, frame transport.Frame) {
	parts := strings.Split(frame.Destination, "/")
	switch {
	case len(parts) == 3 && parts[0] == "auction" && parts[2] == "bid":
		auctionID, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			c.sendError(auction.ErrorTopic, "invalid auction id")
			return
		}
		h.handleBid(c, auctionID, frame.Body)
	case len(parts) == 4 && parts[0] == "chat" && parts[1] == "room" && parts[3] == "message":
		roomID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return
		}
		h.handleChat(c, roomID, frame.Body)
	default:
		log.Warn().Str("destination", frame.Destination).Msg("dropping frame for unknown destination")
	}
}

func (h *hub) handleBid(c *client, auctionID int64, body []byte) {
	var cmd auction.BidCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		c.sendError(auction.ErrorTopic, "malformed bid command")
		return
	}

	event, err := h.store.placeBid(auctionID, c.user, cmd.BidAmount)
	if err != nil {
		// Command rejection: surfaced on the user-scoped error topic,
		// nothing is broadcast.
		c.sendError(auction.ErrorTopic, err.Error())
		return
	}

	h.broadcast(auction.Topic(auctionID), event)
	log.Info().
		Int64("auction_id", auctionID).
		Str("bidder", c.user).
		Int64("amount", event.NewPrice).
		Msg("bid accepted")

	// Fan a BID notification out to everyone watching the auction.
	for _, user := range h.store.interestedUsers(auctionID, c.user) {
		n := h.store.pushNotification(user, notification.CategoryBid,
			fmt.Sprintf("A new bid of %d was placed", event.NewPrice),
			fmt.Sprintf("/auctions/%d", auctionID))
		h.feed.publish(user, "notification", n)
	}
}

func (h *hub) handleChat(c *client, roomID int64, body []byte) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Message == "" {
		return
	}

	msg := h.store.postChat(roomID, c.user, payload.Message)
	h.broadcast(fmt.Sprintf("chat/room/%d", roomID), msg)
}
