package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/apnworksdev/outside-observations-presence/internal/agent"
	"github.com/apnworksdev/outside-observations-presence/internal/domain"
	"github.com/apnworksdev/outside-observations-presence/pkg/api/client"
	"github.com/apnworksdev/outside-observations-presence/pkg/logger"
)

func main() {
	server := flag.String("server", "http://localhost:4600", "Presence server base URL")
	session := flag.String("session", "", "Session id (generated when empty)")
	quiet := flag.Bool("quiet", false, "Suppress structured logs, print notifications only")
	flag.Parse()

	if err := run(*server, *session, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(server, session string, quiet bool) error {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelError
	}
	log := logger.New("presence-agent", level)

	cli, err := client.New(server)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}

	a := agent.New(cli, log, agent.Config{SessionID: session}, func(n domain.Notification) {
		ts := time.UnixMilli(n.Timestamp).Format(time.TimeOnly)
		fmt.Printf("[%s] %s (%d active)\n", ts, n.Message, n.Count)
	})

	fmt.Printf("session %s watching %s\n", a.SessionID(), server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Run(ctx)

	if count, ok := a.Count(); ok {
		fmt.Printf("last observed count: %d\n", count)
	}
	return nil
}
