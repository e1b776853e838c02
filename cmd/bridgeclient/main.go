// Command bridgeclient attaches to a bridge server's websocket and prints the
// IRC lines it carries. It keeps the connection alive with the reconnect
// supervisor and accepts start, stop, reconnect and status on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irc-web-bridge/backend/internal/reconnect"
)

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "bridge server base URL")
	user := flag.String("user", os.Getenv("BRIDGE_USER"), "login user (defaults to $BRIDGE_USER)")
	disabled := flag.Bool("disabled", false, "start with automatic reconnection off")
	verbose := flag.Bool("v", false, "log supervisor activity to stderr")
	flag.Parse()

	password := os.Getenv("BRIDGE_PASSWORD")
	if *user == "" || password == "" {
		log.Fatalf("Both a user and $BRIDGE_PASSWORD are required")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dialer, err := reconnect.NewHTTPDialer(*baseURL, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		log.Fatalf("Invalid server URL: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = dialer.Login(loginCtx, *user, password)
	cancel()
	if err != nil {
		log.Fatalf("Login failed: %v", err)
	}

	machineCfg := reconnect.DefaultConfig()
	machineCfg.StartDisabled = *disabled

	out := bufio.NewWriter(os.Stdout)
	lines := make(chan string, 256)
	sup := reconnect.NewSupervisor(dialer, reconnect.SupervisorConfig{
		Machine: machineCfg,
		Logger:  logger,
		OnLine: func(line string) {
			select {
			case lines <- line:
			case <-ctx.Done():
			}
		},
	})
	sup.Observe(func(n reconnect.Notice) {
		if n.Kind == reconnect.NoticeState {
			return
		}
		select {
		case lines <- "-- " + n.Text:
		default:
		}
	})

	go readCommands(ctx, sup, lines)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	for {
		select {
		case line := <-lines:
			fmt.Fprintln(out, line)
			out.Flush()
		case <-done:
			out.Flush()
			return
		}
	}
}

func readCommands(ctx context.Context, sup *reconnect.Supervisor, out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var reply string
		switch cmd := strings.TrimSpace(scanner.Text()); cmd {
		case "":
			continue
		case "start":
			if !sup.Start() {
				reply = "start refused in state " + sup.Snapshot().State.String()
			}
		case "stop":
			if !sup.Stop() {
				reply = "stop refused in state " + sup.Snapshot().State.String()
			}
		case "reconnect":
			sup.Reconnect()
		case "status":
			snap := sup.Snapshot()
			reply = fmt.Sprintf("state=%s attempt=%d enabled=%t", snap.State, snap.Attempt, snap.Enabled)
		case "log":
			reply = sup.StatusLog().String()
		default:
			reply = "unknown command " + cmd + " (start, stop, reconnect, status, log)"
		}
		if reply == "" {
			continue
		}
		select {
		case out <- "-- " + reply:
		case <-ctx.Done():
			return
		}
	}
}
