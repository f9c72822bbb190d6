package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/pairit/pairit/internal/agent"
	"github.com/pairit/pairit/internal/chat"
	"github.com/pairit/pairit/internal/compiler"
	"github.com/pairit/pairit/internal/config"
	"github.com/pairit/pairit/internal/event"
	"github.com/pairit/pairit/internal/identity"
	"github.com/pairit/pairit/internal/logging"
	"github.com/pairit/pairit/internal/matchmaker"
	"github.com/pairit/pairit/internal/objectstore"
	"github.com/pairit/pairit/internal/provider"
	"github.com/pairit/pairit/internal/server"
	"github.com/pairit/pairit/internal/session"
	"github.com/pairit/pairit/internal/storage"
	"github.com/pairit/pairit/pkg/types"
)

var (
	serveAddr       string
	serveConfigsDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Pairit session server",
	Long: `Start the Pairit server: the session engine, push stream, matchmaker,
chat coordinator and agent runtime behind one HTTP surface.

With --configs-dir, experiment documents in that directory are compiled
and loaded at startup and hot-reloaded on change (development mode).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveConfigsDir, "configs-dir", "", "Directory of experiment documents to load and watch")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return err
	}

	logging.Info().Str("version", Version).Msg("starting pairit server")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		appConfig.ListenAddr = serveAddr
	}

	storageDir := appConfig.StorageDir
	if storageDir == "" {
		storageDir = paths.StoragePath()
	}
	store := storage.New(storageDir)

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		logging.Warn().Err(err).Msg("failed to initialize some providers")
	}

	objects, err := objectstore.New(appConfig.ObjectStore)
	if err != nil {
		return err
	}
	idp := identity.New(appConfig.Identity)

	// The engine and matchmaker reference each other; wire in two steps.
	hub := event.NewHub(store)
	engine := session.New(store, hub)
	mm := matchmaker.New(store, engine)
	engine.SetMatchmaker(mm)
	coordinator := chat.New(store, engine, hub)
	agents := agent.NewRuntime(store, engine, coordinator, hub, providerReg)

	if serveConfigsDir != "" {
		if err := loadConfigsDir(ctx, store, engine, serveConfigsDir); err != nil {
			return err
		}
		stopWatch, err := watchConfigsDir(ctx, store, engine, serveConfigsDir)
		if err != nil {
			logging.Warn().Err(err).Msg("config watcher unavailable")
		} else {
			defer stopWatch()
		}
	}

	if err := mm.Recover(ctx); err != nil {
		logging.Warn().Err(err).Msg("match pool recovery failed")
	}
	defer mm.Close()
	defer agents.Close()

	sweeper := session.NewSweeper(store, engine, mm, hub)
	sweeper.OnAbandoned = func(sess *types.Session) {
		if sess.GroupID != "" {
			agents.StopGroup(sess.GroupID)
		}
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.Run(sweepCtx)

	serverConfig := server.DefaultConfig()
	if appConfig.ListenAddr != "" {
		serverConfig.Addr = appConfig.ListenAddr
	}
	srv := server.New(serverConfig, appConfig, store, engine, hub, mm, coordinator, agents, objects, idp)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}
	logging.Info().Msg("server stopped")
	return nil
}

func isConfigDoc(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonc")
}

// loadConfigsDir compiles and stores every experiment document in dir.
func loadConfigsDir(ctx context.Context, store *storage.Storage, engine *session.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !isConfigDoc(e.Name()) {
			continue
		}
		loadConfigFile(ctx, store, engine, filepath.Join(dir, e.Name()))
	}
	return nil
}

func loadConfigFile(ctx context.Context, store *storage.Storage, engine *session.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("config read failed")
		return
	}
	cfg, diagnostics, err := compiler.Compile(data)
	if err != nil {
		logging.Error().Err(err).Str("path", path).Msg("config compile failed")
		return
	}
	for _, d := range diagnostics {
		logging.Warn().Str("path", path).Str("at", d.Path).Msg(d.Message)
	}
	cfg.CreatedAt = time.Now().UnixMilli()
	if err := store.InsertConfig(ctx, cfg); err != nil {
		logging.Error().Err(err).Str("configId", cfg.ConfigID).Msg("config store failed")
		return
	}
	engine.InvalidateConfig(cfg.ConfigID)
	logging.Info().Str("configId", cfg.ConfigID).Str("hash", cfg.ConfigHash).Msg("experiment config loaded")
}

// watchConfigsDir hot-reloads experiment documents on change.
func watchConfigsDir(ctx context.Context, store *storage.Storage, engine *session.Engine, dir string) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if !isConfigDoc(ev.Name) {
					continue
				}
				loadConfigFile(ctx, store, engine, ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return func() { watcher.Close() }, nil
}
