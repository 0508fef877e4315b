package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"auctionpulse/internal/payment"
	"auctionpulse/internal/session"
)

// api exposes the REST resync surface the client consumes.
type api struct {
	store *store
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/users/me", a.me)
	mux.HandleFunc("GET /api/v1/auctions/{id}", a.getAuction)
	mux.HandleFunc("DELETE /api/v1/auctions/{id}", a.deleteAuction)
	mux.HandleFunc("POST /api/v1/auctions/{id}/auto-bid", a.autoBid)
	mux.HandleFunc("DELETE /api/v1/auctions/{id}/auto-bid", a.cancelAutoBid)
	mux.HandleFunc("POST /api/v1/auctions/{id}/buy-now", a.buyNow)
	mux.HandleFunc("POST /api/v1/auctions/{id}/end", a.endEarly)
	mux.HandleFunc("POST /api/v1/auctions/{id}/like", a.toggleLike)
	mux.HandleFunc("GET /api/v1/payments/{id}/descriptor", a.paymentDescriptor)
	mux.HandleFunc("GET /api/v1/notifications", a.notifications)
	mux.HandleFunc("GET /api/v1/notifications/count", a.unreadCount)
	mux.HandleFunc("POST /api/v1/notifications/{id}/read", a.markRead)
	mux.HandleFunc("POST /api/v1/notifications/read-all", a.markAllRead)
	mux.HandleFunc("GET /api/v1/chat/rooms/{id}/messages", a.chatHistory)
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, session.User{ID: hashID(user), Name: user})
}

func (a *api) getAuction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := a.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func (a *api) deleteAuction(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.deleteAuction(id, user); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) autoBid(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		MaxAmount int64 `json:"maxAmount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MaxAmount <= 0 {
		http.Error(w, "invalid auto-bid ceiling", http.StatusBadRequest)
		return
	}
	// The simulator records nothing beyond validating; auto-bidding against
	// simulated rivals is out of its scope.
	if _, err := a.store.get(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	_ = user
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) cancelAutoBid(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	if _, ok := pathID(w, r); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) buyNow(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.buyNow(id, user); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) endEarly(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := a.store.endEarly(id, user); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) toggleLike(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := a.store.toggleLike(id, user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, result)
}

func (a *api) paymentDescriptor(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	snap, err := a.store.get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if snap.LeadingBidderName != user {
		http.Error(w, "payment reserved for the leading bidder", http.StatusForbidden)
		return
	}
	writeJSON(w, payment.Descriptor{
		OrderID:    uuid.New().String(),
		OrderName:  snap.Name,
		Amount:     snap.CurrentPrice,
		SuccessURL: fmt.Sprintf("/payments/%d/success", id),
		FailURL:    fmt.Sprintf("/payments/%d/fail", id),
	})
}

func (a *api) notifications(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, a.store.notifications(user))
}

func (a *api) unreadCount(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, a.store.unreadCount(user))
}

func (a *api) markRead(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.store.markRead(user, id)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) markAllRead(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	a.store.markAllRead(user)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) chatHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	writeJSON(w, a.store.chatHistory(id))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := bearerToken(r)
	if user == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return "", false
	}
	return user, true
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
