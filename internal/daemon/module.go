// Package daemon assembles the session process: config, logging, cache,
// transport and the chat session facade, wired through fx.
package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"github.com/rafaelmp2/convo/internal/chat"
	"github.com/rafaelmp2/convo/internal/config"
	"github.com/rafaelmp2/convo/internal/conn"
	"github.com/rafaelmp2/convo/internal/history"
	"github.com/rafaelmp2/convo/internal/lock"
	"github.com/rafaelmp2/convo/internal/logging"
	"github.com/rafaelmp2/convo/internal/session"
	"github.com/rafaelmp2/convo/internal/status"
	"github.com/rafaelmp2/convo/internal/store"
	"github.com/rafaelmp2/convo/internal/subs"
	intsync "github.com/rafaelmp2/convo/internal/sync"
	"github.com/rafaelmp2/convo/internal/transport"
	"github.com/rafaelmp2/convo/internal/typing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideDialer,
			provideConnManager,
			provideSubsManager,
			provideHistory,
			provideTyping,
			provideSyncEngine,
			provideSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(p Params, logger *zap.Logger) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no config file, using defaults", zap.String("path", path))
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) (*api.Client, error) {
	return api.NewClient(cfg.Server.BaseURL, logger)
}

func provideDialer(cfg *config.Config, client *api.Client, logger *zap.Logger) transport.Dialer {
	// The websocket handshake reuses the REST client's cookie jar so the
	// server sees the authenticated session.
	return transport.NewStompDialer(cfg.Server.WSURL, client.Jar(), logger)
}

func provideConnManager(dialer transport.Dialer, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(dialer, machine, conn.Config{
		ConnectTimeout: cfg.Tuning.ConnectTimeout(),
		BackoffBase:    cfg.Tuning.BackoffBase(),
		BackoffCap:     cfg.Tuning.BackoffCap(),
		MaxAttempts:    cfg.Tuning.Attempts(),
	}, logger)
}

func provideSubsManager(cm *conn.Manager, logger *zap.Logger) *subs.Manager {
	return subs.NewManager(cm, logger)
}

func provideHistory(client *api.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *history.Store {
	return history.NewStore(client, b, cfg.Tuning.HistoryPageSize(), logger)
}

func provideTyping(sm *subs.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(sm, b, cfg.Tuning.TypingTTL(), logger)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideSession(cm *conn.Manager, sm *subs.Manager, hs *history.Store, tc *typing.Coordinator, client *api.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *chat.Session {
	return chat.NewSession(cm, sm, hs, tc, client, db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, client *api.Client, cm *conn.Manager, sess *chat.Session, engine *intsync.Engine, db *store.DB, lk *lock.Lock, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			engine.Start(context.Background())
			warmStart(db, b, logger)

			user, err := authenticate(ctx, cfg, client, logger)
			if err != nil {
				return err
			}
			sess.SetIdentity(*user)

			sessionID := session.NewID(user.Email)
			logger.Info("session starting",
				zap.String("identity", user.Email), zap.String("session_id", sessionID))

			go func() {
				if err := cm.Connect(context.Background(), sessionID); err != nil {
					logger.Error("initial connect failed", zap.Error(err))
				}
				if _, err := sess.RefreshChats(context.Background()); err != nil {
					logger.Warn("initial chat list fetch failed", zap.Error(err))
				}
			}()

			b.Publish(bus.Event{Kind: bus.KindSessionStarted, Payload: sessionID})
			return nil
		},
		OnStop: func(_ context.Context) error {
			sess.Close()
			engine.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			b.Publish(bus.Event{Kind: bus.KindSessionStopped, Payload: p.SessionName})
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// warmStart publishes the cached chat list so consumers render immediately;
// the network refresh that follows login replaces it with server truth.
func warmStart(db *store.DB, b *bus.Bus, logger *zap.Logger) {
	cached, err := db.ListChats(0, 0)
	if err != nil {
		logger.Warn("chat cache read failed", zap.Error(err))
		return
	}
	if len(cached) == 0 {
		return
	}
	chats := make([]api.Chat, 0, len(cached))
	for i := range cached {
		chats = append(chats, api.Chat{
			ID:            cached[i].ID,
			IsGroup:       cached[i].IsGroup,
			DisplayName:   cached[i].DisplayName,
			ReceiverEmail: cached[i].ReceiverEmail,
		})
	}
	b.Publish(bus.Event{Kind: bus.KindChatList, Payload: chats})
	logger.Info("published cached chat list", zap.Int("chats", len(chats)))
}

// authenticate logs in with stored credentials, or reuses an existing server
// session when none are configured.
func authenticate(ctx context.Context, cfg *config.Config, client *api.Client, logger *zap.Logger) (*api.User, error) {
	if cfg.Auth.Email != "" {
		user, err := client.Login(ctx, cfg.Auth.Email, cfg.Auth.Password)
		if err != nil {
			return nil, err
		}
		logger.Info("logged in", zap.String("user", user.Email))
		return user, nil
	}
	user, err := client.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	logger.Info("resumed existing session", zap.String("user", user.Email))
	return user, nil
}
