package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-account/internal/cache"
	"nostr-account/internal/config"
	"nostr-account/internal/groups"
	"nostr-account/internal/metadata"
	"nostr-account/internal/metrics"
	"nostr-account/internal/nip05"
	"nostr-account/internal/nips"
	"nostr-account/internal/relay"
	"nostr-account/internal/relaylist"
	"nostr-account/internal/session"
	"nostr-account/internal/signer"
	"nostr-account/internal/store"
	"nostr-account/internal/types"
)

const usage = `usage: nostr-account [flags] [npub|hex]

Follows one nostr account and prints every snapshot as a JSON line.
Without an argument the account of NOSTR_SECRET_KEY is used.
`

func main() {
	signOut := flag.Bool("sign-out", false, "clear the stored account and exit")
	note := flag.String("note", "", "publish a text note once the account is loaded (needs NOSTR_SECRET_KEY)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*signOut, *note, flag.Arg(0)); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(signOut bool, note, target string) error {
	cfg, err := config.FromEnv(nil)
	if err != nil {
		return err
	}
	logger := InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewCollector("nostr_account")
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, m, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	backend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	var sign signer.Signer = signer.Unavailable{}
	if cfg.SecretKey != "" {
		keys, err := signer.NewKeySigner(cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("NOSTR_SECRET_KEY: %w", err)
		}
		sign = keys
	}

	relays := config.GetRelaysConfig()
	transport := relay.NewWebsocketTransport(logger)
	defer transport.Close()
	registry := relay.NewRegistry(transport, cfg.ConnectTimeout, logger, m)
	defer registry.Close()

	sess := session.New(ctx, session.Deps{
		Registry:      registry,
		Metadata:      metadata.NewResolver(registry, relays.ProfileRelays, cfg.QueryTimeout, logger, m),
		RelayLists:    relaylist.NewResolver(registry, relays.RelayListRelays, cfg.QueryTimeout, cache.NewRelayListCache(backend, cache.DefaultCacheConfig()), logger, m),
		Groups:        groups.NewSynchronizer(registry, cfg.QueryTimeout, logger, m),
		Verifier:      nip05.NewVerifier(logger, nip05.WithCache(backend, time.Hour)),
		Store:         store.NewSnapshotStore(backend, cache.DefaultCacheConfig().SnapshotTTL, logger),
		Signer:        sign,
		DefaultRelays: relays.DefaultRelays,
		Client:        config.GetClientConfig(),
		Logger:        logger,
		Metrics:       m,
	})
	defer sess.Close()

	if signOut {
		return sess.SignOut(ctx)
	}

	out := json.NewEncoder(os.Stdout)
	cancel := sess.Observe(func(account *types.Metadata) {
		if err := out.Encode(account); err != nil {
			logger.Warn("could not write snapshot", "error", err)
		}
	})
	defer cancel()

	if err := start(ctx, sess, target); err != nil {
		return err
	}
	if account := sess.Snapshot(); account != nil {
		if npub, err := nips.EncodePubkey(account.PubKey); err == nil {
			logger.Info("following account", "npub", npub)
		}
	}

	if note != "" {
		result := sess.Publish(ctx, &types.UnsignedEvent{Kind: 1, Content: note}, nil)
		if result.Event == nil {
			return result.Err
		}
		logger.Info("note published", "event_id", result.Event.ID, "successes", result.Successes, "failures", result.Failures)
		if result.Err != nil {
			logger.Warn("some relays refused the note", "error", result.Err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// openBackend picks redis, then badger on disk, then memory
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.CacheBackend, error) {
	switch {
	case cfg.RedisURL != "":
		backend, err := cache.NewRedisCache(ctx, cfg.RedisURL, "nostr-account:")
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.Info("using redis store")
		return backend, nil
	case cfg.StorePath != "":
		backend, err := cache.NewBadgerCache(cfg.StorePath, logger)
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		logger.Info("using badger store", "path", cfg.StorePath)
		return backend, nil
	default:
		logger.Info("using in-memory store; the account is not kept across runs")
		return cache.NewMemoryCache(10000, time.Minute), nil
	}
}

func serveMetrics(addr string, m *metrics.Collector, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}

// start follows target when given, otherwise the signer's own account
func start(ctx context.Context, sess *session.Session, target string) error {
	if target == "" {
		return sess.Login(ctx)
	}
	pubkey, err := nips.ParsePubkey(target)
	if err != nil {
		return err
	}
	return sess.Initialize(ctx, pubkey)
}
