package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/layer-3/gatekeeper/adapters/events"
	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/adapters/tokenizer"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/internal/metrics"
	"github.com/layer-3/gatekeeper/ports"
	"github.com/layer-3/gatekeeper/service"
	adminhttp "github.com/layer-3/gatekeeper/transport/http"
	"github.com/layer-3/gatekeeper/transport/p2p"
	"github.com/layer-3/gatekeeper/transport/stream"
)

var serveNAT bool

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intermediary",
		Long: `Run the intermediary: the address registry, the challenge authority and
the permission broker, served over libp2p streams. When http.addr is set the
admin API is served as well.

Stores and events live in memory unless redis.url (or REDIS_URL) is set.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().BoolVar(&serveNAT, "nat", false, "Enable NAT port mapping and hole punching")

	return cmd
}

// backend holds the state shared by the intermediary services
type backend struct {
	challenges ports.Store[core.Challenge]
	entries    ports.Store[core.RegistryEntry]
	requests   ports.Store[core.PermissionRequest]
	publisher  message.Publisher
}

// openBackend selects Redis or in-memory state. Anything that needs closing
// is handed to onClose.
func openBackend(ctx context.Context, onClose func(io.Closer)) (*backend, error) {
	if cfg.Redis.URL == "" {
		pubsub := events.NewInProcessPubSub(logging.Logger())
		onClose(pubsub)
		shards := cfg.Server.StoreShards
		return &backend{
			challenges: store.NewMemoryStore[core.Challenge](shards),
			entries:    store.NewMemoryStore[core.RegistryEntry](shards),
			requests:   store.NewMemoryStore[core.PermissionRequest](shards),
			publisher:  pubsub,
		}, nil
	}

	client, err := store.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	onClose(client)

	publisher, err := events.NewRedisStreamPublisher(client, logging.Logger())
	if err != nil {
		return nil, err
	}
	onClose(publisher)

	return &backend{
		challenges: store.NewRedisStore[core.Challenge](client, "challenges"),
		entries:    store.NewRedisStore[core.RegistryEntry](client, "registry"),
		requests:   store.NewRedisStore[core.PermissionRequest](client, "permissions"),
		publisher:  publisher,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HTTP.Addr != "" && cfg.Admin.JWTSecret == "" {
		return errors.New("admin.jwt_secret is required when http.addr is set")
	}

	log := logging.With(logging.Component("serve"))
	m := metrics.New()

	key, err := identity.LoadOrCreatePeerKey(cfg.Node.KeyFile)
	if err != nil {
		return err
	}
	node, err := p2p.NewNode(key, p2p.Options{ListenAddrs: cfg.Node.ListenAddrs, NAT: serveNAT})
	if err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.Warn("failed to close node", logging.Err(err))
		}
	}()

	b, err := openBackend(ctx, node.OnClose)
	if err != nil {
		return err
	}

	verifier := identity.NewVerifier()
	pub := events.NewWatermillPublisher(b.publisher)
	authority := service.NewChallengeAuthority(b.challenges, verifier, cfg.Challenge.TTL.Std(), m)
	registry := service.NewAddressRegistry(b.entries, authority, verifier, pub, m)
	registry.AllowUnauthenticatedWrites(cfg.Registry.AllowUnauthenticatedWrites)
	broker := service.NewPermissionBroker(b.requests, registry, verifier, pub, cfg.Permission.TTL.Std(), m)

	server := stream.NewServer(registry, broker, stream.ServerConfig{
		StreamRate:  cfg.Server.StreamRate,
		StreamBurst: cfg.Server.StreamBurst,
		IdleTimeout: cfg.Server.IdleTimeout.Std(),
		Authorize:   p2p.Authorize,
	}, m)
	node.HandleAll(server.Handlers())

	for _, endpoint := range node.Endpoints() {
		fmt.Fprintln(cmd.OutOrStdout(), endpoint)
	}
	log.Info("intermediary started",
		logging.Identity(node.ID()),
		slog.Bool("redis", cfg.Redis.URL != ""),
		slog.Bool("unauthenticated_writes", cfg.Registry.AllowUnauthenticatedWrites))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweep(ctx, "challenges", cfg.Challenge.SweepInterval.Std(), authority.Sweep)
	})
	g.Go(func() error {
		return sweep(ctx, "permissions", cfg.Permission.SweepInterval.Std(), broker.Sweep)
	})

	if cfg.HTTP.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		tokens := tokenizer.NewJWTTokenizer([]byte(cfg.Admin.JWTSecret))
		srv := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           adminhttp.SetupRouter(registry, broker, tokens, m),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("admin api listening", slog.String("addr", cfg.HTTP.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("intermediary stopping")
	return err
}

// sweep runs fn every interval until ctx is cancelled. A non-positive
// interval disables sweeping.
func sweep(ctx context.Context, name string, interval time.Duration, fn func(context.Context) (int, error)) error {
	if interval <= 0 {
		return nil
	}
	log := logging.With(logging.Component("sweeper"), slog.String("store", name))
	err := service.Every(ctx, interval, 0, func(ctx context.Context, _ int) (bool, error) {
		removed, err := fn(ctx)
		if err != nil {
			log.WarnContext(ctx, "sweep failed", logging.Err(err))
			return false, nil
		}
		if removed > 0 {
			log.DebugContext(ctx, "swept expired entries", slog.Int("removed", removed))
		}
		return false, nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
