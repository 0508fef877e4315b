package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"auctionpulse/internal/config"
)

// auctionsim is a protocol simulator for local development: it speaks the
// topic channel, the push stream and the REST resync surface so the client
// can be exercised without the real backend.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	port := config.GetEnvAsInt("AUCTIONSIM_PORT", 8080)

	clock := clockwork.NewRealClock()
	st := newStore(clock)
	pushFeed := newFeed()
	h := newHub(st, pushFeed)

	// Demo world: two auctions and one that ends soon, for countdown work.
	buyNow := int64(50000)
	st.seed("Vintage camera", "alice", 10000, &buyNow, 24*time.Hour)
	st.seed("Mechanical keyboard", "alice", 5000, nil, 30*time.Minute)
	st.seed("Signed vinyl", "bob", 20000, nil, 90*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	mux.HandleFunc("GET /api/v1/subscribe", pushFeed.handle)
	(&api{store: st}).register(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}).Handler(mux)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", port),
		Handler:     handler,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("auction simulator starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	server.Close()
}
