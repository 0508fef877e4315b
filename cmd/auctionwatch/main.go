package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"auctionpulse/internal/auction"
	"auctionpulse/internal/chat"
	"auctionpulse/internal/config"
	"auctionpulse/internal/notification"
	"auctionpulse/internal/rest"
	"auctionpulse/internal/session"
	"auctionpulse/internal/transport"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var (
		configPath = flag.String("config", "", "path to YAML config")
		auctionID  = flag.Int64("auction", 0, "auction id to watch")
		roomID     = flag.Int64("room", 0, "chat room id to join (optional)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *auctionID == 0 {
		log.Fatal().Msg("-auction is required")
	}
	if cfg.Auth.Token == "" {
		log.Fatal().Msg("auth token is required (AUCTIONPULSE_TOKEN)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	sess := session.NewContext()
	sess.Set(cfg.Auth.Token, nil)

	api := rest.NewClient(cfg.Server.BaseURL, sess)
	if user, err := api.FetchMe(ctx); err != nil {
		log.Warn().Err(err).Msg("could not fetch user identity")
	} else {
		sess.Set(cfg.Auth.Token, &user)
	}

	// Shared bidirectional channel for every topic subscription of this
	// session. Connected lazily here, torn down on exit.
	channel := transport.NewChannel(transport.DefaultChannelConfig(cfg.Server.ChannelURL))
	channel.OnDisconnect(func(err error) {
		log.Warn().Err(err).Msg("channel down; bids disabled until reconnect")
	})
	if err := channel.Connect(ctx, sess.Token()); err != nil {
		log.Fatal().Err(err).Msg("failed to connect channel")
	}
	defer channel.Disconnect()

	// Notification feed over the unidirectional push stream.
	notifications := notification.NewHandler(api, func(n notification.Notification) {
		log.Info().Str("category", string(n.Category)).Str("content", n.Content).Msg("toast")
	})
	if err := notifications.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load notification list")
	}

	stream := transport.NewStreamClient(transport.DefaultStreamConfig(cfg.Server.StreamURL))
	stream.On("notification", notifications.HandleStreamEvent)
	stream.On("notificationUpdate", notifications.HandleStreamUpdate(ctx))
	if err := stream.Open(ctx, sess.Token()); err != nil {
		log.Warn().Err(err).Msg("failed to open push stream")
	}
	defer stream.Close()

	watcher := &watcher{clock: clock}
	auctionSession := auction.NewSession(*auctionID, api, channel, sess, clock, auction.Hooks{
		OnChange: func(snap auction.Snapshot) {
			log.Info().
				Int64("auction_id", snap.AuctionID).
				Int64("current_price", snap.CurrentPrice).
				Str("leading_bidder", snap.LeadingBidderName).
				Str("state", string(snap.State)).
				Msg("auction updated")
		},
		OnLifecycle: func(from, to auction.Lifecycle) {
			log.Info().Str("from", string(from)).Str("to", string(to)).Msg("lifecycle transition")
			watcher.restart(ctx)
		},
		OnRejected: func(reason string) {
			log.Warn().Str("reason", reason).Msg("bid rejected")
		},
	})
	watcher.session = auctionSession
	if err := auctionSession.Open(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to open auction session")
	}
	defer auctionSession.Close()

	watcher.restart(ctx)
	defer watcher.stop()

	if *roomID != 0 {
		room := chat.NewStream(*roomID, api, channel, func(msg chat.Message) {
			log.Info().Int64("room_id", msg.RoomID).Str("sender", msg.SenderName).Str("body", msg.Body).Msg("chat")
		})
		if err := room.Open(ctx); err != nil {
			log.Warn().Err(err).Int64("room_id", *roomID).Msg("failed to open chat room")
		} else {
			defer room.Close()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("shutting down")
}

// watcher owns the countdown reconciler for whichever deadline matches the
// current lifecycle state, recreating it on every transition.
type watcher struct {
	clock   clockwork.Clock
	session *auction.Session

	mu      sync.Mutex
	current *auction.Countdown
}

func (w *watcher) restart(ctx context.Context) {
	w.stop()

	snap := w.session.Snapshot()
	if snap.State.Terminal() {
		log.Info().Str("state", string(snap.State)).Msg("auction finished")
		return
	}

	state := snap.State
	countdown := auction.NewCountdown(w.clock, auction.DefaultCountdownConfig(),
		func() (time.Time, bool) {
			// Read through the live session so anti-snipe extensions and
			// lifecycle changes are honored mid-countdown.
			live := w.session.Snapshot()
			if live.State != state {
				return time.Time{}, false
			}
			return live.Deadline(), true
		},
		auction.CountdownHooks{
			OnTick: func(remaining time.Duration) {
				log.Info().Str("remaining", auction.FormatRemaining(remaining)).Msg("countdown")
			},
			OnProcessing: func() {
				log.Info().Msg("deadline reached, confirming with server...")
			},
			Resync: w.session.Resync,
		})

	w.mu.Lock()
	w.current = countdown
	w.mu.Unlock()
	countdown.Start(ctx)
}

func (w *watcher) stop() {
	w.mu.Lock()
	current := w.current
	w.current = nil
	w.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
