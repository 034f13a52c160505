package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/layer-3/gatekeeper/adapters/identity"
	"github.com/layer-3/gatekeeper/adapters/store"
	"github.com/layer-3/gatekeeper/core"
	"github.com/layer-3/gatekeeper/internal/logging"
	"github.com/layer-3/gatekeeper/service"
	"github.com/layer-3/gatekeeper/transport/p2p"
	"github.com/layer-3/gatekeeper/transport/stream"
)

var (
	connectHint  string
	acceptFrom   []string
	acceptEcho   bool
	acceptLinger time.Duration
)

func NewConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <identity>",
		Short: "Open an authenticated session with a peer",
		Long: `Ask the target for permission through the intermediary, wait for it to
accept, dial its registered endpoint and run the mutual handshake. Once both
sides have proved their identities, stdin is sent to the peer and whatever
the peer sends is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: runConnect,
	}

	cmd.Flags().StringVar(&connectHint, "hint", "", "Free-form note shown to the target")

	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPeer(ctx, false)
	if err != nil {
		return err
	}
	defer p.Close()

	coordinator := service.NewSessionCoordinator(
		p.signer,
		identity.NewVerifier(),
		p.client,
		p.client,
		p.node.Dialer(),
		service.CoordinatorConfig{
			Hint:             connectHint,
			PollInterval:     cfg.Session.PollInterval.Std(),
			PollAttempts:     cfg.Session.PollAttempts,
			DialTimeout:      cfg.Session.DialTimeout.Std(),
			HandshakeTimeout: cfg.Session.HandshakeTimeout.Std(),
		},
		nil,
	)

	session, err := coordinator.Connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer session.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "connected to %s\n", session.Remote)
	return pipe(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout())
}

func NewAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Register and accept sessions from other peers",
		Long: `Start a listening node, publish its endpoint in the registry and answer
permission requests addressed to this identity. Requests are accepted from
everyone unless --from restricts them. Inbound sessions whose initiator
completes the handshake are written to stdout, or echoed back with --echo.`,
		Args: cobra.NoArgs,
		RunE: runAccept,
	}

	cmd.Flags().StringSliceVar(&acceptFrom, "from", nil, "Only accept requests from these identities")
	cmd.Flags().BoolVar(&acceptEcho, "echo", false, "Echo session data back to the initiator")
	cmd.Flags().DurationVar(&acceptLinger, "unregister-timeout", 5*time.Second, "Time allowed to remove the registry entry on exit")

	return cmd
}

func runAccept(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.With(logging.Component("accept"))

	p, err := openPeer(ctx, true)
	if err != nil {
		return err
	}
	defer p.Close()

	verifier := identity.NewVerifier()
	challenges := store.NewMemoryStore[core.Challenge](cfg.Server.StoreShards)
	authority := service.NewChallengeAuthority(challenges, verifier, cfg.Challenge.TTL.Std(), nil)

	out := cmd.OutOrStdout()
	handshakes := stream.NewHandshakeServer(authority, p.signer, p2p.Bind,
		func(ctx context.Context, conn *stream.Conn, initiator string) {
			defer conn.Close()
			log.InfoContext(ctx, "session opened", logging.Identity(initiator))

			var err error
			if acceptEcho {
				_, err = io.Copy(conn, conn)
			} else {
				_, err = io.Copy(out, conn)
			}
			if err != nil && ctx.Err() == nil {
				log.DebugContext(ctx, "session ended", logging.Identity(initiator), logging.Err(err))
			}
		},
		cfg.Session.HandshakeTimeout.Std(), nil)
	p.node.Handle(stream.ProtocolHandshake, handshakes.Serve)

	endpoint := p.node.Endpoint()
	if endpoint == "" {
		return errors.New("node has no address to publish")
	}
	if err := p.client.Register(ctx, p.signer, endpoint); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s -> %s\n", p.signer.Identity(), endpoint)
	defer func() {
		unregCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), acceptLinger)
		defer cancel()
		if _, err := p.client.Unregister(unregCtx, p.signer); err != nil {
			log.Warn("failed to remove registry entry", logging.Err(err))
		}
	}()

	var decide service.Decision = service.AcceptAll
	if len(acceptFrom) > 0 {
		decide = service.AcceptFrom(acceptFrom...)
	}
	acceptor := service.NewAcceptor(p.client, p.signer.Identity(), decide, cfg.Session.AcceptPollInterval.Std())

	log.Info("accepting sessions",
		logging.Identity(p.signer.Identity()),
		slog.Int("allowed", len(acceptFrom)))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.Run(ctx)
	})
	g.Go(func() error {
		return sweep(ctx, "challenges", cfg.Challenge.SweepInterval.Std(), authority.Sweep)
	})
	return g.Wait()
}

// pipe copies in to conn and conn to out until the peer closes the session
// or ctx is cancelled
func pipe(ctx context.Context, conn io.ReadWriteCloser, in io.Reader, out io.Writer) error {
	go func() {
		io.Copy(conn, in)
	}()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, conn)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		conn.Close()
		<-done
		return nil
	}
}
