package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudchat/chat-core/internal/audit"
	"github.com/cloudchat/chat-core/internal/client"
	"github.com/cloudchat/chat-core/internal/config"
	"github.com/cloudchat/chat-core/internal/desktop"
	"github.com/cloudchat/chat-core/internal/identity"
	"github.com/cloudchat/chat-core/internal/livecoll"
	"github.com/cloudchat/chat-core/internal/livecoll/memstore"
	"github.com/cloudchat/chat-core/internal/livecoll/redisstore"
	chatlog "github.com/cloudchat/chat-core/internal/log"
	"github.com/cloudchat/chat-core/internal/media"
	"github.com/cloudchat/chat-core/internal/messaging"
	"github.com/cloudchat/chat-core/internal/notify"
	"github.com/cloudchat/chat-core/internal/presence"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// flags override single config keys from the command line.
type flags struct {
	configPath string
	logLevel   string
	driver     string
	uid        string
	name       string
}

func (f *flags) apply(cmd *cobra.Command, cfg *config.Config) {
	set := cmd.Flags().Changed
	if set("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if set("store") {
		cfg.Store.Driver = f.driver
	}
	if set("uid") {
		cfg.Identity.UID = f.uid
	}
	if set("name") {
		cfg.Identity.DisplayName = f.name
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "cloudchat",
		Short:         "Real-time chat client on a live document store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (default $CLOUDCHAT_CONFIG or ./cloudchat.yaml)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn, error or off")
	root.PersistentFlags().StringVar(&f.driver, "store", "", "store driver: memory or redis")
	root.PersistentFlags().StringVar(&f.uid, "uid", "", "acting user id")
	root.PersistentFlags().StringVar(&f.name, "name", "", "display name of the acting user")

	root.AddCommand(
		newChatCmd(f),
		newGroupCmd(f),
		newInboxCmd(f),
		newUsersCmd(f),
		newProfileCmd(f),
		newPresenceCmd(f),
		newTokenCmd(f),
		newConfigCmd(f),
	)
	return root
}

// loadConfig resolves configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, *zerolog.Logger, error) {
	boot := chatlog.New("warn")
	cfg, path, err := config.Load(boot, f.configPath)
	if err != nil {
		return cfg, nil, err
	}
	f.apply(cmd, &cfg)
	logger := chatlog.New(cfg.LogLevel)
	logger.Debug().Str("path", path).Msg("config loaded")
	return cfg, logger, nil
}

// app is a started client with everything it owns.
type app struct {
	cfg      config.Config
	log      zerolog.Logger
	session  *client.Session
	bridge   *desktop.Bridge
	uploader *media.HTTPUploader
	closers  []func()
}

// bootstrap connects the store, resolves the identity and starts a session.
// view may be nil for one-shot commands.
func bootstrap(cmd *cobra.Command, f *flags, view client.View) (*app, error) {
	cfg, logger, err := loadConfig(cmd, f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := cmd.Context()
	a := &app{cfg: cfg, log: *logger}

	store, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	provider, err := a.identity()
	if err != nil {
		a.close()
		return nil, err
	}

	var ledger audit.Ledger = audit.NewMemory()
	if cfg.Audit.PostgresDSN != "" {
		pg, err := audit.Open(ctx, cfg.Audit.PostgresDSN, a.log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = pg.Close() })
		ledger = pg
	}

	mediaCfg := media.DefaultConfig()
	mediaCfg.Endpoint = cfg.Media.Endpoint
	mediaCfg.APIKey = cfg.Media.APIKey
	if cfg.Media.Endpoint != "" {
		a.uploader = media.NewHTTPUploader(mediaCfg, nil, a.log)
	}

	term := notify.NewTerminal(cmd.OutOrStdout())
	deps := client.Deps{
		Store:    store,
		Identity: provider,
		Toaster:  term,
		Sound:    term,
		Ledger:   ledger,
		View:     view,
		Logger:   a.log,
	}
	if a.uploader != nil {
		deps.Uploader = a.uploader
	}
	if cfg.Bridge.Enabled && cfg.Notify.Desktop {
		a.startBridge()
		deps.Desktop = a.bridge
	}

	a.session = client.New(deps, a.options())
	if err := a.session.Start(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) options() client.Options {
	opts := client.DefaultOptions()
	opts.Notify.Enabled = a.cfg.Notify.Enabled
	opts.Notify.Toast = a.cfg.Notify.Toast
	opts.Notify.Sound = a.cfg.Notify.Sound
	opts.Notify.Desktop = a.cfg.Notify.Desktop && a.cfg.Bridge.Enabled
	opts.Presence.Interval = a.cfg.Presence.Interval
	opts.Presence.Skew = a.cfg.Presence.Skew
	opts.Sync.Limit = a.cfg.Sync.Limit
	return opts
}

func (a *app) openStore(ctx context.Context) (livecoll.Store, error) {
	if a.cfg.Store.Driver == config.DriverMemory {
		a.log.Warn().Msg("memory store: data is local to this process")
		store := memstore.New()
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Store.RedisAddr,
		Password: a.cfg.Store.RedisPassword,
		DB:       a.cfg.Store.RedisDB,
	})
	a.closers = append(a.closers, func() { _ = rdb.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", a.cfg.Store.RedisAddr, err)
	}
	a.log.Info().Str("addr", a.cfg.Store.RedisAddr).Msg("redis connected")

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = a.cfg.Store.NATSURL
	nc, err := messaging.NewNATSClient(natsCfg, a.log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, nc.Close)

	store := redisstore.New(rdb, nc, redisstore.Config{Prefix: a.cfg.Store.Prefix}, a.log)
	a.closers = append(a.closers, func() { _ = store.Close() })
	return store, nil
}

func (a *app) identity() (identity.Provider, error) {
	ic := a.cfg.Identity
	if ic.Token != "" {
		p := identity.NewTokenProvider(a.tokenConfig())
		id, err := p.SignIn(ic.Token)
		if err != nil {
			return nil, err
		}
		a.log.Info().Str("uid", id.ID).Msg("signed in with token")
		return p, nil
	}
	return identity.NewStatic(identity.Identity{
		ID:           ic.UID,
		DisplayLabel: ic.DisplayName,
		Email:        ic.Email,
		PhotoURL:     ic.PhotoURL,
	}), nil
}

func (a *app) tokenConfig() identity.TokenConfig {
	return identity.TokenConfig{
		Secret: []byte(a.cfg.Identity.TokenSecret),
		Issuer: a.cfg.Identity.TokenIssuer,
		TTL:    a.cfg.Identity.TokenTTL,
	}
}

func (a *app) startBridge() {
	bc := desktop.DefaultConfig()
	bc.ListenAddr = a.cfg.Bridge.Addr
	a.bridge = desktop.NewBridge(bc, a.log)
	go func() {
		if err := a.bridge.ListenAndServe(); err != nil {
			a.log.Error().Err(err).Str("addr", bc.ListenAddr).Msg("desktop bridge stopped")
		}
	}()
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.bridge.Shutdown(ctx)
	})
}

// close stops the session and releases resources in reverse order. It uses
// a fresh context so the offline write survives a cancelled command.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if a.session != nil {
		if err := a.session.Close(ctx); err != nil {
			a.log.Warn().Err(err).Msg("session close")
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// presenceConfig is the presence tuning the client runs with.
func (a *app) presenceConfig() presence.Config {
	return a.options().Presence
}
