package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"auctionpulse/internal/auction"
	"auctionpulse/internal/chat"
	"auctionpulse/internal/notification"
	"auctionpulse/internal/payment"
	"auctionpulse/internal/session"
)

// Client implements the REST resync capabilities consumed by the auction
// session, the notification handler and the chat streams. The session
// context supplies the bearer token on every request.
type Client struct {
	baseURL string
	sess    *session.Context
	client  *http.Client
}

// NewClient builds a REST client against the backend base URL.
func NewClient(baseURL string, sess *session.Context) *Client {
	return &Client{
		baseURL: baseURL,
		sess:    sess,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.sess.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		responseBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, string(responseBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, endpoint, err)
	}
	return nil
}

// FetchMe returns the logged-in user's identity.
func (c *Client) FetchMe(ctx context.Context) (session.User, error) {
	var user session.User
	err := c.request(ctx, http.MethodGet, "/api/v1/users/me", nil, &user)
	return user, err
}

// FetchAuction returns the authoritative snapshot for one auction.
func (c *Client) FetchAuction(ctx context.Context, auctionID int64) (auction.Snapshot, error) {
	var snap auction.Snapshot
	err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/auctions/%d", auctionID), nil, &snap)
	return snap, err
}

// SubmitAutoBid sets or updates the caller's auto-bid ceiling.
func (c *Client) SubmitAutoBid(ctx context.Context, auctionID int64, ceiling int64) error {
	body := map[string]int64{"maxAmount": ceiling}
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%d/auto-bid", auctionID), body, nil)
}

// CancelAutoBid withdraws the caller's auto-bid.
func (c *Client) CancelAutoBid(ctx context.Context, auctionID int64) error {
	return c.request(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/auctions/%d/auto-bid", auctionID), nil, nil)
}

// SubmitBuyNow purchases the auction at its buy-now price.
func (c *Client) SubmitBuyNow(ctx context.Context, auctionID int64) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%d/buy-now", auctionID), nil, nil)
}

// EndAuctionEarly asks the server to close the auction before its end time.
func (c *Client) EndAuctionEarly(ctx context.Context, auctionID int64) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%d/end", auctionID), nil, nil)
}

// ToggleLike flips the like flag and returns the server's new like state.
func (c *Client) ToggleLike(ctx context.Context, auctionID int64) (auction.LikeResult, error) {
	var result auction.LikeResult
	err := c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%d/like", auctionID), nil, &result)
	return result, err
}

// DeleteAuction removes the auction (seller only).
func (c *Client) DeleteAuction(ctx context.Context, auctionID int64) error {
	return c.request(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/auctions/%d", auctionID), nil, nil)
}

// FetchPaymentDescriptor returns the order descriptor for the widget.
func (c *Client) FetchPaymentDescriptor(ctx context.Context, auctionID int64) (payment.Descriptor, error) {
	var desc payment.Descriptor
	err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/payments/%d/descriptor", auctionID), nil, &desc)
	return desc, err
}

// FetchNotifications returns the persistent notification list, newest first.
func (c *Client) FetchNotifications(ctx context.Context) ([]notification.Notification, error) {
	var list []notification.Notification
	err := c.request(ctx, http.MethodGet, "/api/v1/notifications", nil, &list)
	return list, err
}

// FetchUnreadCount returns the authoritative unread counter.
func (c *Client) FetchUnreadCount(ctx context.Context) (int, error) {
	var count int
	err := c.request(ctx, http.MethodGet, "/api/v1/notifications/count", nil, &count)
	return count, err
}

// MarkRead confirms one notification as read.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	return c.request(ctx, http.MethodPost, fmt.Sprintf("/api/v1/notifications/%d/read", id), nil, nil)
}

// MarkAllRead confirms every notification as read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	return c.request(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, nil)
}

// FetchChatHistory returns a room's full message history in order.
func (c *Client) FetchChatHistory(ctx context.Context, roomID int64) ([]chat.Message, error) {
	var messages []chat.Message
	err := c.request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/chat/rooms/%d/messages", roomID), nil, &messages)
	return messages, err
}

var (
	_ auction.API      = (*Client)(nil)
	_ notification.API = (*Client)(nil)
	_ chat.History     = (*Client)(nil)
)
