// ABOUTME: Line-oriented terminal client for one conversation
// ABOUTME: Sends stdin lines over the WebSocket and prints every broadcast frame

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/parlor/internal/bus"
	"github.com/2389/parlor/internal/store"
)

// EnvToken supplies the bearer token for connect when --token is not given
const EnvToken = "PARLOR_TOKEN"

type connectOptions struct {
	server         string
	token          string
	conversationID string
}

func newConnectCmd() *cobra.Command {
	var opts connectOptions
	cmd := &cobra.Command{
		Use:   "connect CONVERSATION_ID",
		Short: "Chat in a conversation from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.conversationID = args[0]
			if opts.token == "" {
				opts.token = os.Getenv(EnvToken)
			}
			if opts.token == "" {
				return fmt.Errorf("a token is required (--token or $%s)", EnvToken)
			}
			return runConnect(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:8000", "server base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token (default: $"+EnvToken+")")
	return cmd
}

// wsURL maps the HTTP base URL onto the conversation's WebSocket endpoint
func wsURL(server, conversationID, token string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + conversationID
	u.RawQuery = url.Values{"token": {token}}.Encode()
	return u.String(), nil
}

// printer serialises terminal writes from the reader and the input loop
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) frame(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, err := bus.Decode(data)
	if err != nil || msg.Content == "" {
		// Diagnostics arrive as plain text
		fmt.Fprintf(p.out, "%s %s\n", color.YellowString("!"), string(data))
		return
	}
	who := color.BlueString(msg.Sender)
	if msg.Role == store.RoleAssistant {
		who = color.GreenString(msg.Sender)
	}
	fmt.Fprintf(p.out, "[%s] %s\n", who, msg.Content)
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

func runConnect(ctx context.Context, opts connectOptions, in io.Reader, out io.Writer) error {
	target, err := wsURL(opts.server, opts.conversationID, opts.token)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer ws.CloseNow()

	p := &printer{out: out}
	p.line("connected to %s. /help for commands, /quit to leave.", opts.conversationID)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				readErr <- err
				cancel()
				return
			}
			p.frame(data)
		}
	}()

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
		var input string
		var ok bool
		select {
		case <-ctx.Done():
			return closeReason(readErr)
		case input, ok = <-lines:
		}
		if !ok {
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
			return nil
		}

		input = strings.TrimSpace(input)
		switch {
		case input == "":
			continue
		case input == "/quit" || input == "/exit" || input == "/q":
			_ = ws.Close(websocket.StatusNormalClosure, "bye")
			return nil
		case input == "/help":
			p.line("Commands:\n  /history   Show recent messages\n  /help      Show this help\n  /quit      Leave the conversation")
			continue
		case input == "/history":
			if err := printHistory(ctx, opts, p); err != nil {
				p.line("[error] %v", err)
			}
			continue
		}

		payload, err := json.Marshal(map[string]string{"content": input})
		if err != nil {
			return err
		}
		if err := ws.Write(ctx, websocket.MessageText, payload); err != nil {
			return closeReason(readErr)
		}
	}
}

// closeReason explains why the server ended the session, if it did
func closeReason(readErr <-chan error) error {
	select {
	case err := <-readErr:
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			if ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("server closed the connection: %s (%d)", ce.Reason, ce.Code)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("reading: %w", err)
	default:
		return nil
	}
}

func printHistory(ctx context.Context, opts connectOptions, p *printer) error {
	u := strings.TrimSuffix(opts.server, "/") + "/conversations/" + url.PathEscape(opts.conversationID) + "/messages?limit=20"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+opts.token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var body struct {
		Messages []store.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if len(body.Messages) == 0 {
		p.line("No messages yet")
		return nil
	}
	for _, m := range body.Messages {
		p.line("%s [%s] %s", color.HiBlackString(m.Timestamp.Format("15:04")), m.Sender, m.Content)
	}
	return nil
}
