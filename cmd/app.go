package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opencode-nexus/nexus/pkg/config"
	"github.com/opencode-nexus/nexus/pkg/connection"
	"github.com/opencode-nexus/nexus/pkg/engine"
	"github.com/opencode-nexus/nexus/pkg/events"
	"github.com/opencode-nexus/nexus/pkg/logger"
	"github.com/opencode-nexus/nexus/pkg/sessions"
)

// runChat connects, opens a session and either sends a single prompt or
// enters the interactive loop.
func runChat(prompt string) error {
	log := logger.WithComponent("app")
	log.Info("Application starting")

	cfg := config.Get()
	eng, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build engine: %w", err)
	}
	defer eng.Shutdown()
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	if eng.ConnectionStatus() != connection.StatusConnected {
		if err := eng.Connect(ctx, cfg.ServerURL()); err != nil {
			return err
		}
	}
	fmt.Printf("Connected to %s\n", cfg.ServerURL())

	session, err := eng.CreateSession(ctx, "")
	if err != nil {
		return err
	}

	sub := eng.Subscribe(256, events.CategoryMessage, events.CategoryError)
	defer sub.Close()

	if prompt != "" {
		return sendAndPrint(ctx, eng, sub, session.ID, prompt)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := sendAndPrint(ctx, eng, sub, session.ID, line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// sendAndPrint sends one prompt and prints the assistant's response as it
// streams, writing only the unseen suffix of each update.
func sendAndPrint(ctx context.Context, eng *engine.Engine, sub *events.Subscription, sessionID, text string) error {
	if err := eng.SendMessage(sessionID, text); err != nil {
		return err
	}

	printed := 0
	for {
		select {
		case <-ctx.Done():
			eng.StopStream(sessionID)
			return ctx.Err()
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch p := e.Payload.(type) {
			case events.ErrorPayload:
				return fmt.Errorf("%s", p.Message)
			case events.MessagePayload:
				if e.SessionID != sessionID || p.Role != sessions.RoleAssistant {
					continue
				}
				if len(p.Content) > printed {
					fmt.Print(p.Content[printed:])
					printed = len(p.Content)
				}
				if p.Type == events.MessageCompleted {
					fmt.Println()
					return nil
				}
			}
		}
	}
}
