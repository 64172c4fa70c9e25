package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"carelink/internal/core/domain"
	"carelink/internal/infrastructure/credentials"
	"carelink/internal/infrastructure/distributed"
	"carelink/internal/infrastructure/repositories"
	"carelink/pkg/archive"
	"carelink/pkg/config"
	"carelink/pkg/logger"
	"carelink/pkg/validation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sessionagent",
		Short:        "Headless participant for therapy video sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration")

	load := func() (*config.Config, error) {
		return config.Load(configPath)
	}

	root.AddCommand(
		newRunCommand(load),
		newTokenCommand(load),
		newWatchCommand(load),
	)
	return root
}

func newRunCommand(load func() (*config.Config, error)) *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a session and serve health, metrics and the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			zl := logger.New(cfg.Logging.Level)
			defer func() { _ = zl.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newAgent(ctx, cfg, opts, zl)
			if err != nil {
				return err
			}
			return a.run(ctx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.sessionID, "session", "", "therapy session id")
	f.StringVar(&opts.participantID, "participant", "", "participant id (generated when empty)")
	f.StringVar(&opts.displayName, "name", "", "display name (generated when empty)")
	f.StringVar(&opts.role, "role", string(domain.RoleObserver), "participant role: therapist, host, client or observer")
	f.StringVar(&opts.mainRoomID, "main-room", "", "register this room as the session's main room")
	f.StringVar(&opts.mainAddress, "main-address", "", "signaling address of the main room")
	f.StringSliceVar(&opts.call, "call", nil, "participants to offer a connection to after joining")
	f.BoolVar(&opts.serveRelay, "relay", false, "also serve a signaling relay on /signal")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func newTokenCommand(load func() (*config.Config, error)) *cobra.Command {
	var (
		roomID      string
		participant string
		name        string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a room token signed with credentials.jwt_secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Credentials.TokenTTL
			}
			issuer := credentials.NewTokenIssuer(cfg.Credentials.JWTSecret, ttl)
			if participant != "" {
				if err := validation.ValidateParticipantID(participant); err != nil {
					return err
				}
				issuer = issuer.ForParticipant(domain.ParticipantID(participant))
			}
			token, err := issuer.FetchRoomToken(cmd.Context(), domain.RoomID(roomID), name)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&roomID, "room", "", "room the token grants access to")
	cmd.Flags().StringVar(&participant, "participant", "", "participant the token is bound to, required for signaling")
	cmd.Flags().StringVar(&name, "name", "operator", "display name carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (credentials.token_ttl when zero)")
	_ = cmd.MarkFlagRequired("room")

	return cmd
}

func newWatchCommand(load func() (*config.Config, error)) *cobra.Command {
	var (
		sessionID    string
		archiveDir   string
		archiveBatch int
		archiveKeep  int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print analytics events published by running agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if !cfg.Redis.Enabled {
				return fmt.Errorf("watch needs redis.enabled")
			}

			zl := logger.New(cfg.Logging.Level)
			defer func() { _ = zl.Sync() }()
			log := zl.Sugar()

			var recorder *eventRecorder
			if archiveDir != "" {
				storage, err := archive.NewFileStorage(archiveDir)
				if err != nil {
					return err
				}
				recorder = newEventRecorder(archive.New[distributed.Envelope](storage, "events-", "1"), archiveBatch, archiveKeep, log)
			}

			repos := repositories.NewRepositoryFactory(cfg, log)
			defer repos.Close()
			if repos.RedisClient() == nil {
				return fmt.Errorf("redis at %s is unreachable", cfg.Redis.Address)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			bus := distributed.NewEventBus(repos.RedisClient(), "watch-"+fmt.Sprint(os.Getpid()), cfg.Analytics.RedisChannel, log)
			defer bus.Close()

			err = bus.Subscribe(ctx, func(env distributed.Envelope) error {
				if sessionID != "" && string(env.Event.SessionID) != sessionID {
					return nil
				}
				log.Infow("session event",
					"instance_id", env.InstanceID,
					"session_id", env.Event.SessionID,
					"type", env.Event.Type,
					"metadata", env.Event.Metadata,
				)
				if recorder != nil {
					recorder.add(ctx, env)
				}
				return nil
			})
			if recorder != nil {
				recorder.flush(context.WithoutCancel(ctx))
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "only print events of this session")
	f.StringVar(&archiveDir, "archive-dir", "", "also archive received events as JSON bundles in this directory")
	f.IntVar(&archiveBatch, "archive-batch", 100, "events per archive bundle")
	f.IntVar(&archiveKeep, "archive-keep", 0, "bundles to keep, 0 keeps all")
	return cmd
}

// eventRecorder groups watched events into archive bundles.
type eventRecorder struct {
	archive *archive.Archive[distributed.Envelope]
	batch   int
	keep    int
	log     *zap.SugaredLogger
	pending []distributed.Envelope
}

func newEventRecorder(a *archive.Archive[distributed.Envelope], batch, keep int, log *zap.SugaredLogger) *eventRecorder {
	if batch <= 0 {
		batch = 100
	}
	return &eventRecorder{archive: a, batch: batch, keep: keep, log: log}
}

func (r *eventRecorder) add(ctx context.Context, env distributed.Envelope) {
	r.pending = append(r.pending, env)
	if len(r.pending) >= r.batch {
		r.flush(ctx)
	}
}

func (r *eventRecorder) flush(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	name, err := r.archive.Write(ctx, r.pending)
	if err != nil {
		// keep the events for the next attempt
		r.log.Warnw("archiving events failed", "events", len(r.pending), "error", err)
		return
	}
	r.log.Infow("events archived", "bundle", name, "events", len(r.pending))
	r.pending = nil

	if r.keep > 0 {
		if _, err := r.archive.Prune(ctx, r.keep); err != nil {
			r.log.Warnw("pruning archive failed", "error", err)
		}
	}
}
