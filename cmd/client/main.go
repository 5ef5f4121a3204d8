package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/okch/chatsync/internal/engine"
	"github.com/okch/chatsync/internal/history"
	"github.com/okch/chatsync/pkg/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "Server base URL")
	username := flag.String("username", "", "Username for chat")
	password := flag.String("password", "", "Password for chat")
	register := flag.Bool("register", false, "Create the account instead of logging in")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *username == "" || *password == "" {
		fmt.Fprintln(os.Stderr, "Username and password are required. Use -username and -password flags")
		os.Exit(1)
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hist := history.NewClient(*serverURL)
	var (
		auth *history.AuthResponse
		err  error
	)
	if *register {
		auth, err = hist.Register(ctx, *username, *password)
	} else {
		auth, err = hist.Login(ctx, *username, *password)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Logged in as %s (#%d)\n", auth.User.Username, auth.User.ID)

	conn := engine.NewConn(wsURL(*serverURL), auth.Token, logger)
	if err := conn.Dial(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}

	sess := engine.NewSession(conn, hist, auth.User, engine.SessionOptions{Logger: logger})
	defer sess.Close()
	go sess.Run(ctx)

	watchEvents(sess)

	fmt.Println("Commands: /rooms /myrooms /users /conversations /online /join <room> /dm <user> /leave <room> /edit <id> <text> /delete <id> /view (or type to send, 'quit' to exit)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			break
		}
		if strings.HasPrefix(line, "/") {
			runCommand(ctx, hist, sess, line)
			continue
		}
		sess.Keystroke()
		if err := sess.Send(line); err != nil {
			fmt.Printf("Send failed: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
	}
}

// watchEvents prints live pushes as they land in the session state.
func watchEvents(sess *engine.Session) {
	self := sess.Self()

	sess.Subscribe(protocol.EventNewMessage, func(ev protocol.Event) {
		var p protocol.RoomMessagePayload
		if ev.DecodeData(&p) == nil && p.SenderID != self.ID {
			fmt.Printf("[room %d] %s: %s\n", p.RoomID, p.SenderName, p.MessageText)
		}
	})
	sess.Subscribe(protocol.EventNewPrivateMessage, func(ev protocol.Event) {
		var p protocol.PrivateMessagePayload
		if ev.DecodeData(&p) == nil && p.SenderID != self.ID {
			fmt.Printf("[dm] %s: %s\n", p.SenderName, p.MessageText)
		}
	})
	sess.Subscribe(protocol.EventUserOnline, func(ev protocol.Event) {
		var u protocol.User
		if ev.DecodeData(&u) == nil {
			fmt.Printf("*** %s is online ***\n", u.Username)
		}
	})
	sess.Subscribe(protocol.EventUserOffline, func(ev protocol.Event) {
		var u protocol.User
		if ev.DecodeData(&u) == nil {
			fmt.Printf("*** %s went offline ***\n", u.Username)
		}
	})
	sess.Subscribe(protocol.EventUserTyping, func(protocol.Event) { printTypingLine(sess) })
	sess.Subscribe(protocol.EventUserTypingPrivate, func(protocol.Event) { printTypingLine(sess) })
}

func printTypingLine(sess *engine.Session) {
	if line := sess.View().TypingLine; line != "" {
		fmt.Println(line)
	}
}

func runCommand(ctx context.Context, hist *history.Client, sess *engine.Session, line string) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/rooms":
		rooms, err := hist.Rooms(ctx)
		if err != nil {
			fmt.Printf("Failed to list rooms: %v\n", err)
			return
		}
		for _, r := range rooms {
			fmt.Printf("  #%d %s (by %s)\n", r.ID, r.Name, r.CreatedBy.Username)
		}

	case "/myrooms":
		rooms, err := hist.MyRooms(ctx)
		if err != nil {
			fmt.Printf("Failed to list joined rooms: %v\n", err)
			return
		}
		for _, r := range rooms {
			fmt.Printf("  #%d %s (by %s)\n", r.ID, r.Name, r.CreatedBy.Username)
		}

	case "/conversations":
		users, err := hist.Conversations(ctx)
		if err != nil {
			fmt.Printf("Failed to list conversations: %v\n", err)
			return
		}
		for _, u := range users {
			fmt.Printf("  #%d %s\n", u.ID, u.Username)
		}

	case "/users":
		users, err := hist.Users(ctx)
		if err != nil {
			fmt.Printf("Failed to list users: %v\n", err)
			return
		}
		for _, u := range users {
			fmt.Printf("  #%d %s\n", u.ID, u.Username)
		}

	case "/online":
		for _, u := range sess.View().Online {
			fmt.Printf("  #%d %s\n", u.ID, u.Username)
		}

	case "/join":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("Usage: /join <room id>")
			return
		}
		sess.SelectRoom(ctx, id)
		fmt.Printf("Switched to room %d\n", id)

	case "/dm":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("Usage: /dm <user id>")
			return
		}
		sess.SelectUser(ctx, id)
		fmt.Printf("Switched to direct conversation with user %d\n", id)

	case "/leave":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("Usage: /leave <room id>")
			return
		}
		if err := sess.LeaveRoom(id); err != nil {
			fmt.Printf("Leave failed: %v\n", err)
		}

	case "/edit":
		if len(args) < 2 {
			fmt.Println("Usage: /edit <message id> <new text>")
			return
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Println("Usage: /edit <message id> <new text>")
			return
		}
		if err := sess.Edit(id, strings.Join(args[1:], " ")); err != nil {
			fmt.Printf("Edit failed: %v\n", err)
		}

	case "/delete":
		id, ok := parseID(args)
		if !ok {
			fmt.Println("Usage: /delete <message id>")
			return
		}
		if err := sess.Delete(id); err != nil {
			fmt.Printf("Delete failed: %v\n", err)
		}

	case "/view":
		v := sess.View()
		fmt.Printf("-- %s (%s), %d online --\n", v.Conversation.String(), v.Status, len(v.Online))
		for _, m := range v.Messages {
			marker := ""
			if m.Edited() {
				marker = " (edited)"
			}
			fmt.Printf("  #%d %s: %s%s\n", m.ID, m.SenderName, m.Text, marker)
		}
		if v.TypingLine != "" {
			fmt.Println(v.TypingLine)
		}

	default:
		fmt.Printf("Unknown command %s\n", cmd)
	}
}

func parseID(args []string) (int64, bool) {
	if len(args) != 1 {
		return 0, false
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	return id, err == nil
}

// wsURL derives the websocket endpoint from the HTTP base URL.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return base + "/ws"
	}
}
