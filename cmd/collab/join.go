package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"promptstudio/collab/agent"
	"promptstudio/collab/protocol"
)

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Join a room and append lines from stdin to a shared text field",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("url", "", "websocket URL of the server")
	joinCmd.Flags().String("name", "", "display name (default is your user name)")
	joinCmd.Flags().String("field", "content", "text field to edit")
}

func runJoin(cmd *cobra.Command, args []string) error {
	if err := bindFlags(cmd, map[string]string{"client.url": "url"}); err != nil {
		return err
	}
	cfg := manager.Get()
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = os.Getenv("USER")
	}
	field, _ := cmd.Flags().GetString("field")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := agent.New(agent.Config{
		URL:               cfg.Client.URL,
		ReconnectAttempts: cfg.Client.ReconnectAttempts,
		ReconnectDelay:    cfg.Client.ReconnectDelay,
		ReconnectDelayMax: cfg.Client.ReconnectDelayMax,
		MaxUpdateBytes:    cfg.Client.MaxUpdateBytes,
		Logger:            logger,
	})
	defer client.Close()

	v := newView(cmd.OutOrStdout())
	failed := make(chan error, 1)
	user := protocol.User{
		UserID:   agent.GenerateUserID(),
		UserName: name,
		Color:    agent.GenerateUserColor(),
	}
	handlers := agent.Handlers{
		OnConnected:       func() { logger.Info("joined room", "room", args[0], "url", cfg.Client.URL) },
		OnUsersList:       v.roster,
		OnUserJoined:      v.joined,
		OnUserLeft:        v.left,
		OnCursorUpdate:    v.cursor,
		OnSelectionUpdate: v.selection,
		OnSyncUpdate: func([]byte) {
			v.field(field, client.Text(field).String())
		},
		OnDisconnected: func(err error) {
			if err != nil {
				logger.Warn("connection lost, reconnecting", "error", err)
			}
		},
		OnError: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}
	if err := client.Connect(ctx, args[0], user, handlers); err != nil {
		return err
	}

	lines := scanLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-failed:
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text := client.Text(field)
			if err := text.Insert(text.Len(), line+"\n"); err != nil {
				return err
			}
			v.field(field, text.String())
		}
	}
}

func scanLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
