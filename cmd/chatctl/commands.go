package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"realtime-hub/auth"
	"realtime-hub/chat"
	"realtime-hub/client"
	"realtime-hub/domain"
	"realtime-hub/presence"
	"realtime-hub/room"
)

func buildChatCmd() *cobra.Command {
	var (
		url      string
		userID   string
		roomName string
		token    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and chat from the terminal",
		Long: `Connects to the hub, authenticates, joins a room and relays stdin lines as messages.

Commands typed at the prompt:
  /members          list room members
  /online           list users seen online
  /status <status>  set presence (online, away, busy)
  /quit             leave the room and exit`,
		Example: `  chatctl chat --user alice --room general
  chatctl chat --url wss://hub.example/ws --user alice --token "$TOKEN"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" && token == "" {
				return errors.New("--user or --token is required")
			}
			return runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), url, userID, roomName, token)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/ws", "Hub websocket URL")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "User id to authenticate as (defaults to the token subject)")
	cmd.Flags().StringVarP(&roomName, "room", "r", "general", "Room to join")
	cmd.Flags().StringVarP(&token, "token", "t", os.Getenv("REALTIME_TOKEN"), "JWT for servers with auth enabled")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		secret string
		issuer string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			token, err := auth.IssueToken(secret, issuer, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC signing secret")
	cmd.Flags().StringVar(&issuer, "issuer", "realtime-hub", "Token issuer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func runChat(ctx context.Context, in io.Reader, out io.Writer, url, userID, roomName, token string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Options{URL: url})
	defer c.Disconnect()

	unsub := c.OnStatusChange(func(s client.Status) {
		fmt.Fprintf(out, "* %s\n", s)
	})
	defer unsub()

	c.Connect(token)
	userID, err := c.Authenticate(ctx, userID, token)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	tracker := presence.NewTracker(c)
	defer tracker.Close()
	tracker.OnChange(func(p domain.Presence) {
		fmt.Fprintf(out, "* %s is %s\n", p.UserID, p.Status)
	})

	membership, err := room.Open(ctx, c, roomName, room.Options{AutoJoin: true})
	if err != nil {
		return err
	}
	defer membership.Close()

	r := chat.New(c, roomName, chat.Options{})
	defer r.Close()
	defer client.Subscribe(c, func(m domain.Message) {
		if m.Room == roomName {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format(time.Kitchen), m.UserID, m.Content)
		}
	})()
	defer client.Subscribe(c, func(n domain.NotificationEvent) {
		fmt.Fprintf(out, "! %s: %s\n", n.Title, n.Message)
	})()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintf(out, "* joined %s as %s\n", roomName, userID)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := handleLine(ctx, out, line, r, membership, tracker)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, out io.Writer, line string, r *chat.Room, m *room.Membership, t *presence.Tracker) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return false, r.Send(line, nil)
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "quit":
		return true, nil
	case "members":
		if err := m.Refresh(ctx); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "* members: %s\n", strings.Join(m.Members(), ", "))
	case "online":
		fmt.Fprintf(out, "* online: %s\n", strings.Join(t.Online(), ", "))
	case "status":
		return false, t.SetStatus(domain.Status(strings.TrimSpace(arg)))
	default:
		return false, fmt.Errorf("unknown command /%s", cmd)
	}
	return false, nil
}
