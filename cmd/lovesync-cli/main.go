package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/ergochat/readline"

	"lovesync/internal/client"
	"lovesync/internal/protocol"
	"lovesync/internal/server"
)

const usage = `LoveSync diary client.

Usage:
    lovesync-cli [--server=<url>] [--user=<user>] [--token=<token>]
    lovesync-cli --discover [--user=<user>] [--token=<token>]
    lovesync-cli -h | --help

Options:
    -h --help          Show this screen.
    --server=<url>     Server websocket url [default: ws://localhost:8081/ws].
    --discover         Find a server on the local network.
    --user=<user>      User id for servers without token auth.
    --token=<token>    Access token, also read from LOVESYNC_TOKEN.`

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("show"),
	readline.PcItem("insert"),
	readline.PcItem("append"),
	readline.PcItem("delete"),
	readline.PcItem("replace"),
	readline.PcItem("title"),
	readline.PcItem("status", readline.PcItem("on"), readline.PcItem("off")),
	readline.PcItem("sync"),
	readline.PcItem("history"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func main() {
	if err := mainInner(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], "")
	if err != nil {
		return err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverURL, _ := opts.String("--server")
	if discover, _ := opts.Bool("--discover"); discover {
		addr, err := server.Discover(ctx, 5*time.Second)
		if err != nil {
			return err
		}
		serverURL = "ws://" + addr + "/ws"
	}
	user, _ := opts.String("--user")
	token, _ := opts.String("--token")
	if token == "" {
		token = os.Getenv("LOVESYNC_TOKEN")
	}
	dialURL, header, err := endpoint(serverURL, user, token)
	if err != nil {
		return err
	}

	c, err := client.Dial(ctx, dialURL, header, log)
	if err != nil {
		return err
	}
	defer c.Close()

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "♡ ",
		HistoryFile:     os.TempDir() + "/.lovesync_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return err
	}
	defer l.Close()
	l.CaptureExitSignal()

	fmt.Printf("connected as %s to %q (revision %d)\n", c.UserID(), c.Title(), c.Revision())
	go printEvents(c, os.Stdout)

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				return nil
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		quit, err := execute(c, line, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
		if quit {
			return nil
		}
		select {
		case <-c.Done():
			return fmt.Errorf("connection lost: %w", c.Err())
		default:
		}
	}
}

// endpoint adds credentials to the server url. Tokens go in the header,
// dev user ids in the query.
func endpoint(raw, user, token string) (string, http.Header, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", nil, fmt.Errorf("server url %q must be ws:// or wss://", raw)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	} else if user != "" {
		q := u.Query()
		q.Set("user", user)
		u.RawQuery = q.Encode()
	} else {
		return "", nil, errors.New("need --token or --user")
	}
	return u.String(), header, nil
}

func printEvents(c *client.Client, out io.Writer) {
	for {
		select {
		case ev := <-c.Events():
			if line := describe(ev); line != "" {
				fmt.Fprintln(out, line)
			}
		case <-c.Done():
			return
		}
	}
}

func describe(ev client.Event) string {
	switch ev.Type {
	case protocol.TypeOperation:
		return fmt.Sprintf("[%s edited, r%d] %s", ev.UserID, ev.Revision, ev.Content)
	case protocol.TypeTitleUpdated:
		return fmt.Sprintf("[title] %s", ev.Title)
	case protocol.TypeCollaborativeStatus:
		state := "left"
		if ev.Status {
			state = "is writing with you"
		}
		return fmt.Sprintf("[%s %s]", ev.UserID, state)
	case protocol.TypeDocumentSyncResponse:
		return fmt.Sprintf("[synced r%d] %s", ev.Revision, ev.Content)
	case protocol.TypeHistoryResponse:
		var b strings.Builder
		for _, h := range ev.History {
			fmt.Fprintf(&b, "r%d %s %s pos=%d", h.Revision, h.UserID, h.Operation.Type, h.Operation.Position)
			if h.Operation.Text != "" {
				fmt.Fprintf(&b, " %q", h.Operation.Text)
			}
			if h.Operation.Length != nil {
				fmt.Fprintf(&b, " len=%d", *h.Operation.Length)
			}
			b.WriteByte('\n')
		}
		return strings.TrimSuffix(b.String(), "\n")
	case protocol.TypeError:
		return fmt.Sprintf("[error %d] %s", ev.Err.Code, ev.Err.Message)
	case "closed":
		return "[connection closed]"
	}
	return ""
}
