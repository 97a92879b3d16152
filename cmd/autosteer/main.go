package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tailscale.com/tsnet"

	"github.com/notch-ai/autosteer/internal/buffer"
	"github.com/notch-ai/autosteer/internal/files"
	gitpkg "github.com/notch-ai/autosteer/internal/git"
	"github.com/notch-ai/autosteer/internal/mcp"
	"github.com/notch-ai/autosteer/internal/monitoring"
	"github.com/notch-ai/autosteer/internal/notify"
	"github.com/notch-ai/autosteer/internal/server"
	"github.com/notch-ai/autosteer/internal/session"
	"github.com/notch-ai/autosteer/internal/term"
	"github.com/notch-ai/autosteer/web"
)

var version = "0.1.0"

func main() {
	port := flag.Int("port", 8080, "port number (auto-increments if busy)")
	debug := flag.Bool("debug", false, "enable debug logging")
	dev := flag.Bool("dev", false, "enable dev mode (proxy to Vite, implies -debug)")
	remote := flag.Bool("remote", false, "serve over Tailscale instead of localhost")
	mcpMode := flag.Bool("mcp", false, "serve the Model Context Protocol on stdio instead of HTTP")
	slackWebhook := flag.String("slack-webhook", "", "Slack webhook URL for notifications")
	showVersion := flag.Bool("version", false, "show version")
	flag.Parse()

	if *showVersion {
		fmt.Println("autosteer", version)
		return
	}

	logLevel := slog.LevelInfo
	if *debug || *dev {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// wire the services; everything shares the one buffer store
	buffers := buffer.NewStore(logger)
	registry := session.NewRegistry(session.Config{
		Buffers: buffers,
		Logger:  logger,
	})
	pool := term.NewPool(term.PoolConfig{
		Registry: registry,
		Logger:   logger,
	})
	inspector := gitpkg.NewInspector(logger)
	browser := files.New(logger)

	webhook := *slackWebhook
	if webhook == "" {
		webhook = os.Getenv("AUTOSTEER_SLACK_WEBHOOK")
	}
	notifier, err := notify.NewManager(notify.Config{
		SlackWebhook: webhook,
		Logger:       logger,
	})
	if err != nil {
		logger.Warn("notifications disabled", "err", err)
		notifier = nil
	}

	monitor := monitoring.New(monitoring.Config{
		Usage: func() int64 {
			pool.SyncAll()
			return buffers.TotalMemoryUsage()
		},
		OnPressure: func(rep monitoring.Report) {
			if notifier == nil {
				return
			}
			notifier.Publish(notify.Event{
				Kind:  notify.EventMemoryPressure,
				Usage: rep.Usage,
				Limit: rep.Limit,
			})
		},
		Logger: logger,
	})
	if err := monitor.Start(); err != nil {
		logger.Warn("memory monitor disabled", "err", err)
	}

	registry.OnExit = func(id string, exitCode int) {
		if notifier == nil {
			return
		}
		rec, ok := registry.Get(id)
		if !ok {
			return
		}
		notifier.Publish(notify.Event{
			Kind:      notify.EventSessionExited,
			SessionID: id,
			Name:      rec.Name,
			ExitCode:  exitCode,
		})
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *mcpMode {
		m := mcp.New(mcp.Config{
			Registry: registry,
			Pool:     pool,
			Logger:   logger,
			Version:  version,
		})
		errCh := make(chan error, 1)
		go func() { errCh <- m.ServeStdio() }()
		select {
		case err := <-errCh:
			if err != nil {
				logger.Error("mcp server error", "err", err)
			}
		case <-ctx.Done():
			logger.Info("received shutdown signal")
		}
		pool.StopAll()
		monitor.Stop()
		return
	}

	// embed static files (sub to strip "dist/" prefix)
	var staticFS fs.FS
	if !*dev {
		staticFS, err = fs.Sub(web.StaticFiles, "dist")
		if err != nil {
			logger.Error("failed to load embedded static files", "err", err)
			os.Exit(1)
		}
	}

	srv := server.New(server.Config{
		Addr:     fmt.Sprintf(":%d", *port),
		DevMode:  *dev,
		Logger:   logger,
		StaticFS: staticFS,
		Version:  version,

		Registry: registry,
		Buffers:  buffers,
		Pool:     pool,
		Git:      inspector,
		Files:    browser,
		Notify:   notifier,
		Monitor:  monitor,
	})

	if !*remote || *dev {
		// local mode: listen on localhost with port fallback
		ln, err := listenWithFallback("127.0.0.1", *port, 10, logger)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		actualAddr := ln.Addr().String()
		fmt.Fprintf(os.Stderr, "\n  autosteer v%s running at:\n\n    http://%s\n\n", version, actualAddr)
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()
	} else {
		// tailscale mode: listen via tsnet with HTTPS
		tsServer := &tsnet.Server{
			Hostname: "autosteer",
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...)) },
		}

		ln, err := tsServer.ListenTLS("tcp", fmt.Sprintf(":%d", *port))
		if err != nil {
			logger.Error("failed to listen on tailscale", "err", err)
			os.Exit(1)
		}

		// get tailscale addresses for display
		fmt.Fprintf(os.Stderr, "\n  autosteer v%s running at:\n\n", version)
		lc, _ := tsServer.LocalClient()
		if lc != nil {
			if status, err := lc.Status(ctx); err == nil {
				// print DNS name (e.g. autosteer.<tailnet>.ts.net)
				if status.Self != nil {
					dnsName := strings.TrimSuffix(status.Self.DNSName, ".")
					if dnsName != "" {
						if *port == 443 {
							fmt.Fprintf(os.Stderr, "    https://%s\n", dnsName)
						} else {
							fmt.Fprintf(os.Stderr, "    https://%s:%d\n", dnsName, *port)
						}
					}
				}
				// print IP addresses
				for _, ip := range status.TailscaleIPs {
					fmt.Fprintf(os.Stderr, "    https://%s:%d\n", ip, *port)
				}
			} else {
				logger.Warn("could not get tailscale status", "err", err)
				fmt.Fprintf(os.Stderr, "    https://autosteer.<tailnet>.ts.net:%d  (getting status...)\n", *port)
			}
		}
		fmt.Fprintln(os.Stderr)

		// tsnet.ListenTLS returns a tls.Listener, serve directly
		go func() {
			// ServeTLS with empty cert/key since TLS is already handled by the listener
			srv.SetTLSConfig(&tls.Config{})
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "err", err)
				os.Exit(1)
			}
		}()

		defer tsServer.Close()
	}

	<-ctx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}
	monitor.Stop()
}

func listenWithFallback(host string, startPort, maxAttempts int, logger *slog.Logger) (net.Listener, error) {
	for i := range maxAttempts {
		port := startPort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				logger.Info("port was busy, using fallback", "requested", startPort, "actual", port)
			}
			return ln, nil
		}
		if !strings.Contains(err.Error(), "address already in use") {
			return nil, err
		}
	}
	return nil, fmt.Errorf("all ports %d-%d are in use", startPort, startPort+maxAttempts-1)
}
