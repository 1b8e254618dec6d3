package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/sopflow/internal/api"
	"github.com/kalambet/sopflow/internal/config"
	"github.com/kalambet/sopflow/internal/conversation"
	"github.com/kalambet/sopflow/internal/gateway"
	"github.com/kalambet/sopflow/internal/modelconfig"
	"github.com/kalambet/sopflow/internal/orchestrator"
	"github.com/kalambet/sopflow/internal/queue"
	"github.com/kalambet/sopflow/internal/routing"
	"github.com/kalambet/sopflow/internal/secret"
	"github.com/kalambet/sopflow/internal/storage"
	"github.com/kalambet/sopflow/internal/synth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sopflow server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sopflow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and provider status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "sopflow.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// components is the wired object graph behind the server.
type components struct {
	client   *gateway.Client
	engine   *orchestrator.Engine
	resolver *modelconfig.Resolver
	caller   *gateway.Fallback
	convs    *conversation.Store
}

func buildComponents(cfg config.Config, store *storage.Store) (components, error) {
	var box *secret.Box
	if cfg.Secret.EncryptionKey != "" {
		b, err := secret.New(cfg.Secret.EncryptionKey)
		if err != nil {
			return components{}, fmt.Errorf("initializing secret box: %w", err)
		}
		box = b
	} else {
		slog.Warn("secret.encryption_key not set; stored provider keys are unavailable")
	}

	defaults := modelconfig.Default(cfg.Provider.APIKey)
	if cfg.Provider.PrimaryModel != "" {
		defaults.PrimaryModel = cfg.Provider.PrimaryModel
	}
	defaults.FallbackModel = cfg.Provider.FallbackModel
	resolver := modelconfig.NewResolver(store, box, defaults)

	client := gateway.NewClientWithBaseURL(cfg.Provider.APIKey, cfg.Provider.BaseURL).WithTimeout(cfg.Provider.Timeout)
	caller := gateway.NewFallback(client)
	convs := conversation.NewStore(store)

	eng := orchestrator.New(orchestrator.Deps{
		Processes:     store,
		Conversations: convs,
		Configs:       resolver,
		Caller:        caller,
		Router:        routing.Policy{MaxFastLength: cfg.Routing.MaxFastLength, HeavyKeywords: cfg.Routing.Keywords()},
		Queue:         queue.New(store),
		Synth:         synth.New(store, resolver, caller),
	})
	return components{client: client, engine: eng, resolver: resolver, caller: caller, convs: convs}, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "sopflow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set; %s", config.SecretHint("auth.jwt_secret"))
	}
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key not set; only stored model configs with keys will work")
	}

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("sopflow is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("sopflow is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	c, err := buildComponents(cfg, store)
	if err != nil {
		return err
	}

	if cfg.Provider.APIKey != "" {
		if err := gateway.CheckReady(ctx, c.client, "", cfg.Provider.PrimaryModel, cfg.Provider.FallbackModel, os.Stderr); err != nil {
			slog.Warn("provider check failed, turns will fail until it is reachable", "error", err)
		}
	}

	handler := api.NewAppHandler(api.AppDeps{
		Engine:    c.engine,
		Models:    c.resolver,
		JWTSecret: cfg.Auth.JWTSecret,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	pool := queue.NewPool(cfg.Queue.Workers, func() *queue.Worker {
		return queue.NewWorker(store, c.resolver, c.caller, c.convs, cfg.Queue.PollInterval)
	})
	janitor := queue.NewJanitor(store, cfg.Queue.SweepSchedule, cfg.Queue.StaleAfter, cfg.Queue.Retention)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	if cfg.MCP.Enabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Engine: c.engine,
			Actor:  orchestrator.Actor{UserID: cfg.MCP.UserID},
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)", "user_id", cfg.MCP.UserID)
	}

	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "sopflow listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Shut the HTTP server down when a signal arrives or another task fails.
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("sopflow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop sopflow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to sopflow (PID %d)", pid)
	return nil
}

var newModelLister = func(cfg config.Config) gateway.ModelLister {
	return gateway.NewClientWithBaseURL(cfg.Provider.APIKey, cfg.Provider.BaseURL).WithTimeout(5 * time.Second)
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Provider", "%s", cfg.Provider.BaseURL)
	if cfg.Provider.APIKey == "" {
		printStatus("Provider key", "not set")
	} else {
		missing, err := gateway.MissingModels(ctx, newModelLister(cfg), "", cfg.Provider.PrimaryModel, cfg.Provider.FallbackModel)
		if err != nil {
			printStatus("Provider key", "error: %v", err)
		} else {
			printStatus("Provider key", "ok")
			printStatus("Primary model", "%s", modelLabel(cfg.Provider.PrimaryModel, missing))
			printStatus("Fallback model", "%s", modelLabel(cfg.Provider.FallbackModel, missing))
		}
	}

	printStatus("Workers", "%d", cfg.Queue.Workers)
	printStatus("MCP", "%t", cfg.MCP.Enabled)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func modelLabel(id string, missing []string) string {
	if id == "" {
		return "(none)"
	}
	if slices.Contains(missing, id) {
		return id + " (not offered by provider)"
	}
	return id
}
