// Command chatsync opens a chat session from the terminal. It prints the
// conversation list and incoming events, and sends what is typed:
//
//	@bob hello            direct message to bob
//	#<conversationId> hi  message to a group conversation
//	/open <conversationId>
//	/sync                 fetch history of the open conversation
//	/hangup
//	/quit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	chatsync "github.com/NeboLoop/chatsync-go-sdk"
	"github.com/NeboLoop/chatsync-go-sdk/call"
	"github.com/NeboLoop/chatsync-go-sdk/conversation"
	"github.com/NeboLoop/chatsync-go-sdk/envelope"
	"github.com/NeboLoop/chatsync-go-sdk/internal/config"
	"github.com/NeboLoop/chatsync-go-sdk/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := chatsync.New(chatsync.Config{
		Endpoint:             cfg.Endpoint,
		APIEndpoint:          cfg.APIEndpoint,
		UserID:               cfg.UserID,
		Token:                cfg.Token,
		Logger:               log,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		AuthTimeout:          cfg.AuthTimeout,
	})
	if err != nil {
		log.Error("invalid configuration", logging.Err(err))
		os.Exit(2)
	}
	defer client.Close()

	client.OnConnected(func(s chatsync.SessionInfo) {
		fmt.Printf("* connected as %s\n", s.UserID)
	})
	client.OnDisconnected(func(chatsync.SessionInfo) {
		fmt.Println("* disconnected")
	})
	client.OnError(func(err error) {
		fmt.Printf("* error: %v\n", err)
	})
	client.OnMessage(func(m envelope.Message) {
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format(time.Kitchen), m.SenderID, m.Content)
	})
	client.OnMessageStatus(func(m envelope.Message) {
		log.Debug("message status", logging.Correlation(m.CorrelationID), logging.Conversation(m.ConversationID), "status", m.Status)
		if m.Status == envelope.StatusError {
			fmt.Printf("* not delivered (%s): %q, /retry %s\n", m.Error, m.Content, m.CorrelationID)
		}
	})
	client.OnCall(func(s call.Session) {
		log.Debug("call state", logging.Call(s.CallID), logging.Peer(s.Counterpart(client.UserID())), "status", s.Status)
		fmt.Printf("* call %s %s with %s\n", s.CallID, s.Status, s.Counterpart(client.UserID()))
	})

	if err := client.Connect(ctx); err != nil {
		log.Error("connect failed", logging.Err(err))
		if !isRetrying(client) {
			os.Exit(1)
		}
	}
	if list, err := client.LoadConversations(ctx); err != nil {
		log.Warn("conversation list unavailable", logging.Err(err))
	} else {
		printConversations(list)
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			client.Teardown()
			return
		case line, ok := <-lines:
			if !ok {
				client.Teardown()
				return
			}
			if quit := handleLine(ctx, client, strings.TrimSpace(line)); quit {
				client.Teardown()
				return
			}
		}
	}
}

func isRetrying(c *chatsync.Client) bool {
	return c.Session().State == chatsync.StateConnecting
}

func handleLine(ctx context.Context, c *chatsync.Client, line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/list":
		printConversations(c.Conversations())
	case line == "/hangup":
		if err := c.Calls().Hangup(ctx); err != nil {
			fmt.Println("* hangup:", err)
		}
	case strings.HasPrefix(line, "/open "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
		if _, err := c.OpenConversation(ctx, id); err != nil {
			slog.Warn("open failed", logging.Conversation(id), logging.Err(err))
			fmt.Println("* open:", err)
		}
	case strings.HasPrefix(line, "/retry "):
		if _, err := c.Retry(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/retry "))); err != nil {
			fmt.Println("* retry:", err)
		}
	case line == "/sync":
		syncOpen(ctx, c)
	case strings.HasPrefix(line, "@"):
		peer, text, _ := strings.Cut(line[1:], " ")
		if _, err := c.StartConversation(ctx, peer); err != nil {
			fmt.Println("* start:", err)
			return false
		}
		if _, err := c.SendDirect(ctx, peer, text); err != nil {
			fmt.Println("* send:", err)
		}
	case strings.HasPrefix(line, "#"):
		id, text, _ := strings.Cut(line[1:], " ")
		if _, err := c.SendGroup(ctx, id, text); err != nil {
			fmt.Println("* send:", err)
		}
	default:
		fmt.Println("* unknown input; use @user, #conversation or /command")
	}
	return false
}

func syncOpen(ctx context.Context, c *chatsync.Client) {
	id := c.Focused()
	if id == "" {
		fmt.Println("* no open conversation")
		return
	}
	msgs, err := c.SyncConversation(ctx, id, 0, 50)
	if err != nil {
		fmt.Println("* sync:", err)
		return
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.SentAt.Local().Format(time.Kitchen), m.SenderID, m.Content)
	}
}

func printConversations(list []conversation.Conversation) {
	for _, c := range list {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		name := c.Name
		if name == "" {
			name = strings.Join(c.ParticipantIDs, ", ")
		}
		fmt.Printf("  %-8s %s%s  %s\n", c.Kind, name, unread, c.LastMessagePreview)
	}
}
