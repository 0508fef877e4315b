package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"auctionpulse/internal/auction"
	"auctionpulse/internal/session"
)

type recordedRequest struct {
	method string
	path   string
	auth   string
	body   []byte
}

func testClient(t *testing.T, status int, response interface{}) (*Client, *recordedRequest) {
	t.Helper()
	recorded := &recordedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorded.method = r.Method
		recorded.path = r.URL.Path
		recorded.auth = r.Header.Get("Authorization")
		recorded.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		if response != nil {
			json.NewEncoder(w).Encode(response)
		}
	}))
	t.Cleanup(srv.Close)

	sess := session.NewContext()
	sess.Set("token-1", &session.User{ID: 7, Name: "dave"})
	return NewClient(srv.URL, sess), recorded
}

func TestClient_FetchAuction(t *testing.T) {
	endAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	c, recorded := testClient(t, http.StatusOK, auction.Snapshot{
		AuctionID:         42,
		Name:              "Vintage camera",
		SellerName:        "alice",
		CurrentPrice:      10000,
		LeadingBidderName: "bob",
		State:             auction.OnSale,
		AuctionEndAt:      endAt,
	})

	snap, err := c.FetchAuction(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, http.MethodGet, recorded.method)
	require.Equal(t, "/api/v1/auctions/42", recorded.path)
	require.Equal(t, "Bearer token-1", recorded.auth)
	require.EqualValues(t, 42, snap.AuctionID)
	require.EqualValues(t, 10000, snap.CurrentPrice)
	require.Equal(t, endAt, snap.AuctionEndAt)
}

func TestClient_SubmitAutoBid(t *testing.T) {
	c, recorded := testClient(t, http.StatusNoContent, nil)

	require.NoError(t, c.SubmitAutoBid(context.Background(), 42, 30000))
	require.Equal(t, http.MethodPost, recorded.method)
	require.Equal(t, "/api/v1/auctions/42/auto-bid", recorded.path)
	require.JSONEq(t, `{"maxAmount":30000}`, string(recorded.body))
}

func TestClient_ErrorIncludesResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "auction not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, session.NewContext())
	_, err := c.FetchAuction(context.Background(), 99)
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 404")
	require.Contains(t, err.Error(), "auction not found")
}

func TestClient_NoTokenOmitsAuthorization(t *testing.T) {
	recorded := &recordedRequest{auth: "sentinel"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorded.auth = r.Header.Get("Authorization")
		w.Write([]byte("0"))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, session.NewContext())
	_, err := c.FetchUnreadCount(context.Background())
	require.NoError(t, err)
	require.Empty(t, recorded.auth)
}

func TestClient_NotificationEndpoints(t *testing.T) {
	t.Run("mark_read", func(t *testing.T) {
		c, recorded := testClient(t, http.StatusNoContent, nil)
		require.NoError(t, c.MarkRead(context.Background(), 10))
		require.Equal(t, "/api/v1/notifications/10/read", recorded.path)
	})

	t.Run("mark_all_read", func(t *testing.T) {
		c, recorded := testClient(t, http.StatusNoContent, nil)
		require.NoError(t, c.MarkAllRead(context.Background()))
		require.Equal(t, "/api/v1/notifications/read-all", recorded.path)
	})
}

func TestClient_FetchChatHistory(t *testing.T) {
	c, recorded := testClient(t, http.StatusOK, []map[string]interface{}{
		{"messageId": 1, "roomId": 7, "senderName": "alice", "message": "hello"},
	})

	messages, err := c.FetchChatHistory(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "/api/v1/chat/rooms/7/messages", recorded.path)
	require.Len(t, messages, 1)
	require.Equal(t, "hello", messages[0].Body)
}
