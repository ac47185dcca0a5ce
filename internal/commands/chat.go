package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"

	"parley/internal/client"
	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type chatSession interface {
	Connect(ctx context.Context) error
	Close() error
	Send(ctx context.Context, req models.SendRequest) (models.Message, error)
	Retry(ctx context.Context, clientMessageID string) (models.Message, error)
	CloseConversation(peer string)
	History(ctx context.Context, peer string) ([]client.Entry, error)
	MarkRead(ctx context.Context, peer string) (int, error)
	Users(ctx context.Context) ([]models.User, error)
	SetStatus(status models.Status) error
	Keystroke(peer string)
}

func NewChatCommand(rootOpts *RootOptions) *cobra.Command {
	var userID, token string

	cmd := &cobra.Command{
		Use:          "chat",
		Short:        "Interactive line-oriented chat client",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			chat := NewChat(userID, cmd.OutOrStdout())
			session, err := client.New(client.Config{
				BaseURL: rootOpts.APIURL,
				Token:   token,
				UserID:  userID,
				OnEvent: chat.HandleEvent,
			})
			if err != nil {
				return err
			}
			chat.session = session
			return chat.Run(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&userID, "user", os.Getenv("PARLEY_USER"), "your user id")
	cmd.Flags().StringVar(&token, "token", os.Getenv("PARLEY_TOKEN"), "session token issued by add-user")
	return cmd
}

// Chat reads commands and messages from a line reader and prints incoming
// events. Plain lines go to the open conversation.
type Chat struct {
	userID  string
	session chatSession

	peer  string
	out   io.Writer
	outMu sync.Mutex
}

func NewChat(userID string, out io.Writer) *Chat {
	return &Chat{userID: userID, out: out}
}

var errQuit = errors.New("quit")

func (c *Chat) Run(ctx context.Context, in io.Reader) error {
	if err := c.session.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		_ = c.session.Close()
	}()
	c.printf("connected as %s, /help for commands\n", c.userID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.execute(ctx, strings.TrimSpace(line))
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *Chat) execute(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.send(ctx, line)
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "q":
		return errQuit
	case "help":
		c.printf("/open <user>  /close  /read  /retry <id>  /users  /status <online|away|busy>  /typing  /quit\n")
		return nil
	case "open":
		if arg == "" {
			return fmt.Errorf("usage: /open <user>")
		}
		return c.open(ctx, arg)
	case "close":
		if c.peer == "" {
			return fmt.Errorf("no open conversation")
		}
		c.session.CloseConversation(c.peer)
		c.printf("--- closed %s ---\n", c.peer)
		c.peer = ""
		return nil
	case "retry":
		if arg == "" {
			return fmt.Errorf("usage: /retry <id>")
		}
		msg, err := c.session.Retry(ctx, arg)
		if err != nil {
			return err
		}
		c.printSent(msg)
		return nil
	case "read":
		if c.peer == "" {
			return fmt.Errorf("no open conversation")
		}
		n, err := c.session.MarkRead(ctx, c.peer)
		if err != nil {
			return err
		}
		c.printf("marked %d message(s) read\n", n)
		return nil
	case "users":
		return c.users(ctx)
	case "status":
		return c.session.SetStatus(models.Status(arg))
	case "typing":
		if c.peer == "" {
			return fmt.Errorf("no open conversation")
		}
		c.session.Keystroke(c.peer)
		return nil
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}

func (c *Chat) open(ctx context.Context, peer string) error {
	history, err := c.session.History(ctx, peer)
	if err != nil {
		return err
	}
	c.peer = peer
	c.printf("--- %s (%d messages) ---\n", peer, len(history))
	for _, e := range history {
		c.printMessage(e.Message)
	}
	return nil
}

func (c *Chat) send(ctx context.Context, body string) error {
	if c.peer == "" {
		return fmt.Errorf("no open conversation, use /open <user>")
	}
	clientMessageID := uuid.NewString()
	msg, err := c.session.Send(ctx, models.SendRequest{RecipientID: c.peer, Body: body, ClientMessageID: clientMessageID})
	if err != nil {
		return fmt.Errorf("%w (/retry %s)", err, clientMessageID)
	}
	c.printSent(msg)
	return nil
}

func (c *Chat) printSent(msg models.Message) {
	state := "queued"
	if msg.Delivered {
		state = "delivered"
	}
	c.printf("sent %s (%s)\n", msg.ID, state)
}

func (c *Chat) users(ctx context.Context) error {
	users, err := c.session.Users(ctx)
	if err != nil {
		return err
	}
	slices.SortFunc(users, func(a, b models.User) int { return strings.Compare(a.ID, b.ID) })
	for _, u := range users {
		c.printf("%-16s %-8s %s\n", u.ID, u.Presence.Status, u.DisplayName)
	}
	return nil
}

// HandleEvent prints a server event. It runs on the session's read loop.
func (c *Chat) HandleEvent(ev client.Event) {
	switch ev.Type {
	case models.ServerMessageTypeNewMessage:
		if ev.Message != nil {
			c.printMessage(*ev.Message)
		}
	case models.ServerMessageTypeUserStatus:
		var update models.UserStatusUpdate
		if err := json.Unmarshal(ev.Data, &update); err == nil {
			c.printf("* %s is %s\n", update.UserID, update.Status)
		}
	case models.ServerMessageTypeUserTyping:
		var typing models.UserTyping
		if err := json.Unmarshal(ev.Data, &typing); err == nil && typing.IsTyping {
			c.printf("* %s is typing...\n", typing.UserID)
		}
	case models.ServerMessageTypeError:
		c.printf("server error: %v\n", ev.Err)
	case client.EventDisconnected:
		c.printf("* disconnected\n")
	}
}

func (c *Chat) printMessage(m models.Message) {
	c.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04:05"), m.SenderID, m.Body)
}

func (c *Chat) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
