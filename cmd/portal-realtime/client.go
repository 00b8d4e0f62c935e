package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
	"github.com/RCcoders/Medical-Porject-sub001/internal/call/pionrtc"
	"github.com/RCcoders/Medical-Porject-sub001/internal/config"
	"github.com/RCcoders/Medical-Porject-sub001/internal/notification"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/auth"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/db"
	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime"
	"github.com/RCcoders/Medical-Porject-sub001/internal/session"
)

// clientOptions are the flags shared by the session commands.
type clientOptions struct {
	token       string
	reconnect   bool
	receiveOnly bool
}

func readClientOptions(cmd *cobra.Command) clientOptions {
	var o clientOptions
	o.token, _ = cmd.Flags().GetString("token")
	o.reconnect, _ = cmd.Flags().GetBool("reconnect")
	if f := cmd.Flags().Lookup("receive-only"); f != nil {
		o.receiveOnly, _ = cmd.Flags().GetBool("receive-only")
	}
	return o
}

// openSession builds the portal backend, media capability and session, then
// opens it. The returned cleanup closes everything it built.
func openSession(ctx context.Context, cfg *config.Config, logger zerolog.Logger, o clientOptions) (*session.Session, func(), error) {
	token := o.token
	if token == "" {
		token = cfg.AuthToken
	}
	var verifier *auth.Verifier
	if cfg.AuthSigningKey != "" {
		verifier = auth.NewVerifier(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}
	provider := auth.NewTokenProvider(token, verifier)

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	var api portal.API
	switch cfg.PortalBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, cleanup, err
		}
		cleanups = append(cleanups, pool.Close)
		api = portal.NewStore(pool, cfg.NotificationPageSize)
	default:
		api = portal.NewClient(cfg.PortalAPIURL, logger,
			portal.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
			portal.WithToken(token),
			portal.WithPageSize(cfg.NotificationPageSize),
		)
	}

	capability, err := pionrtc.New(pionrtc.Config{
		STUNServers:         cfg.STUNServers,
		DisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ReceiveOnly:         o.receiveOnly,
	}, logger)
	if err != nil {
		return nil, cleanup, err
	}

	chanOpts := []realtime.Option{realtime.WithBearerToken(token)}
	if o.reconnect {
		chanOpts = append(chanOpts, realtime.WithReconnect(realtime.ReconnectPolicy{
			Initial: 500 * time.Millisecond,
			Max:     30 * time.Second,
		}))
	}

	sess := session.New(provider, api, capability, cfg.RealtimeURL, logger,
		session.WithNotificationOptions(
			notification.WithChannelOptions(chanOpts...),
			notification.WithDedup(),
		),
		// Call rooms are not redialed: a dropped room ends the call.
		session.WithCallOptions(
			call.WithChannelOptions(realtime.WithBearerToken(token)),
			call.WithStatusTimeout(cfg.RequestTimeout),
		),
	)
	cleanups = append(cleanups, func() { sess.Close() })

	if err := sess.Open(ctx); err != nil {
		return nil, cleanup, err
	}
	return sess, cleanup, nil
}

func listenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Stay connected and print notifications and call invitations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			autoAccept, _ := cmd.Flags().GetBool("auto-accept")
			sess, cleanup, err := openSession(cmd.Context(), cfg, logger, readClientOptions(cmd))
			defer cleanup()
			if err != nil {
				return err
			}
			return listen(cmd.Context(), sess, autoAccept, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().Bool("auto-accept", false, "join incoming calls automatically")
	cmd.Flags().Bool("receive-only", false, "join calls without capturing local media")
	return cmd
}

func listen(ctx context.Context, sess *session.Session, autoAccept bool, out io.Writer, logger zerolog.Logger) error {
	svc := sess.Notifications()
	events, unsubscribe := svc.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	var calls sync.WaitGroup
	defer calls.Wait()
	defer cancel()

	out = &lockedWriter{w: out}
	fmt.Fprintf(out, "%d notifications, %d unread\n", len(svc.Notifications()), svc.UnreadCount())

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			printNotificationEvent(out, evt)
			if evt.Kind != notification.EventInvitation || !autoAccept {
				continue
			}
			engine, err := sess.AcceptInvitation(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("could not join call")
				continue
			}
			calls.Add(1)
			go func() {
				defer calls.Done()
				followCall(ctx, engine, out)
			}()
		}
	}
}

// lockedWriter serializes output from the notification and call printers.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func printNotificationEvent(out io.Writer, evt notification.Event) {
	switch evt.Kind {
	case notification.EventNotification:
		n := evt.Notification
		fmt.Fprintf(out, "[%s] %s: %s\n", n.Type, n.Title, n.Message)
	case notification.EventInvitation:
		inv := evt.Invitation
		fmt.Fprintf(out, "incoming call from %s (room %s)\n", inv.InitiatorName, inv.RoomID)
	case notification.EventInvitationWithdrawn:
		fmt.Fprintf(out, "call %s was withdrawn\n", evt.Invitation.RoomID)
	}
}

// followCall prints engine events until the call ends or ctx is done. The
// session closes a call still running at exit.
func followCall(ctx context.Context, engine *call.Engine, out io.Writer) {
	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			printCallEvent(out, evt)
		}
	}
}

func printCallEvent(out io.Writer, evt call.Event) {
	switch evt.Kind {
	case call.EventPhaseChanged:
		fmt.Fprintf(out, "call: %s\n", evt.Phase)
	case call.EventMediaError:
		fmt.Fprintf(out, "call: media error: %v\n", evt.Err)
	case call.EventRemotePresence:
		if evt.Present {
			fmt.Fprintln(out, "call: remote participant joined")
		} else {
			fmt.Fprintln(out, "call: remote participant left")
		}
	case call.EventMediaStateChanged:
		fmt.Fprintf(out, "call: muted=%t video=%t\n", evt.Media.Muted, evt.Media.VideoEnabled)
	case call.EventAppointmentUpdateFailed:
		fmt.Fprintf(out, "call: appointment not completed: %v\n", evt.Err)
	}
}

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <appointment-id>",
		Short: "Start a consultation for an appointment",
		Long:  "Start a consultation and invite the appointment's patient. Type m to toggle the microphone, v to toggle video, s for received media, q to hang up.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			sess, cleanup, err := openSession(cmd.Context(), cfg, logger, readClientOptions(cmd))
			defer cleanup()
			if err != nil {
				return err
			}
			engine, err := sess.StartCall(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			go followCall(cmd.Context(), engine, cmd.OutOrStdout())
			return controlCall(cmd.Context(), engine, cmd.InOrStdin(), cmd.OutOrStdout(), cfg.RequestTimeout)
		},
	}
	cmd.Flags().Bool("receive-only", false, "start without capturing local media")
	return cmd
}

// controlCall applies single-letter commands read from in until the call
// ends.
func controlCall(ctx context.Context, engine *call.Engine, in io.Reader, out io.Writer, timeout time.Duration) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-engine.Done():
				return
			}
		}
	}()

	hangUp := func() error {
		endCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := engine.End(endCtx)
		if err != nil && !errors.Is(err, call.ErrInvalidPhase) && !errors.Is(err, call.ErrClosed) {
			return err
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return hangUp()
		case <-engine.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-engine.Done()
				return nil
			}
			switch line {
			case "m":
				if muted, err := engine.ToggleMute(); err != nil {
					fmt.Fprintf(out, "mute: %v\n", err)
				} else {
					fmt.Fprintf(out, "muted: %t\n", muted)
				}
			case "v":
				if enabled, err := engine.ToggleVideo(); err != nil {
					fmt.Fprintf(out, "video: %v\n", err)
				} else {
					fmt.Fprintf(out, "video enabled: %t\n", enabled)
				}
			case "s":
				if stats, err := engine.Stats(); err != nil {
					fmt.Fprintf(out, "stats: %v\n", err)
				} else {
					fmt.Fprintf(out, "received: %d packets, %d bytes\n", stats.Packets, stats.Bytes)
				}
			case "q":
				return hangUp()
			case "":
			default:
				fmt.Fprintln(out, "commands: m (mute), v (video), s (stats), q (hang up)")
			}
		}
	}
}

func notificationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List and acknowledge notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
				svc := sess.Notifications()
				out := cmd.OutOrStdout()
				for _, n := range svc.Notifications() {
					mark := " "
					if !n.IsRead {
						mark = "*"
					}
					fmt.Fprintf(out, "%s %s  %-12s %s\n", mark, n.ID, n.Type, n.Title)
				}
				fmt.Fprintf(out, "%d unread\n", svc.UnreadCount())
				return nil
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "mark-read <id>",
		Short: "Mark one notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
				return sess.Notifications().MarkRead(ctx, args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "mark-all-read",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, sess *session.Session) error {
				return sess.Notifications().MarkAllRead(ctx)
			})
		},
	})
	return cmd
}

func withSession(cmd *cobra.Command, fn func(ctx context.Context, sess *session.Session) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.RequestTimeout)
	defer cancel()
	sess, cleanup, err := openSession(ctx, cfg, logger, readClientOptions(cmd))
	defer cleanup()
	if err != nil {
		return err
	}
	return fn(ctx, sess)
}
