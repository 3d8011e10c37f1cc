package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/syncer"
	"github.com/chatsync/internal/transport"
)

const help = `commands:
  <text>                 send a message
  /older                 load older history
  /edit <id> <text>      edit own message
  /delete <id>           delete own message
  /retry <correlation>   resend a failed message
  /pin <id>, /unpin <id> pin or unpin a message
  /react <id> <type>     toggle a reaction
  /read                  mark everything read
  /typing                show typing indicator
  /room <id>             switch room
  /reconnect             retry after a connection error
  /quit`

func main() {
	logger.SetPrefix("chat")
	room := flag.String("room", "general", "room id")
	user := flag.String("user", "", "user id")
	name := flag.String("name", "", "display name")
	token := flag.String("token", "dev", "bearer token")
	flag.Parse()
	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	if *name == "" {
		*name = *user
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := engine.NewClient(engine.Options{Config: cfg.Engine})
	defer client.Close()

	sess, err := client.Join(ctx, model.Session{RoomID: *room, UserID: *user, Username: *name, AuthToken: *token}, printer(*user))
	if err != nil {
		logger.Errorf("join %s: %v", *room, err)
		os.Exit(1)
	}
	fmt.Println(help)

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
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			next, quit := run(ctx, client, sess, strings.TrimSpace(line), *user)
			if quit {
				return
			}
			sess = next
		}
	}
}

func run(ctx context.Context, client *engine.Client, sess *engine.Session, line, self string) (*engine.Session, bool) {
	if line == "" {
		return sess, false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := sess.SendMessage(line); err != nil {
			fmt.Println("! send:", err)
		}
		return sess, false
	}
	cmd, rest, _ := strings.Cut(line, " ")
	arg1, arg2, _ := strings.Cut(strings.TrimSpace(rest), " ")
	var err error
	switch cmd {
	case "/quit":
		return sess, true
	case "/older":
		if !sess.RequestOlderMessages() {
			fmt.Println("! nothing more to load")
		}
	case "/edit":
		err = sess.EditMessage(arg1, arg2)
	case "/delete":
		err = sess.DeleteMessage(arg1)
	case "/retry":
		_, err = sess.RetryMessage(arg1)
	case "/pin":
		err = sess.PinMessage(arg1)
	case "/unpin":
		err = sess.UnpinMessage(arg1)
	case "/react":
		err = sess.ToggleReaction(arg1, arg2)
	case "/read":
		err = sess.MarkAllRead()
	case "/typing":
		sess.SetTyping(true)
	case "/reconnect":
		err = sess.Reconnect(ctx)
	case "/room":
		next, joinErr := client.SwitchRoom(ctx, arg1, printer(self))
		if joinErr != nil {
			fmt.Println("! join:", joinErr)
			return sess, false
		}
		return next, false
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Printf("! %s: %v\n", cmd, err)
	}
	return sess, false
}

func printer(self string) engine.Callbacks {
	line := func(m model.Message) string {
		id := m.ID
		if id == "" {
			id = "~" + m.CorrelationID
		}
		mark := ""
		if m.Content.Edited {
			mark = " (edited)"
		}
		if m.SenderID == self && m.Status != model.StatusSaved {
			mark += " [" + strings.ToLower(string(m.Status)) + "]"
		}
		return fmt.Sprintf("%s %s <%s> %s%s", m.CreatedAt.Local().Format(time.Kitchen), id, m.SenderName, m.Content.Text, mark)
	}
	return engine.Callbacks{
		OnMessage: func(m model.Message) { fmt.Println(line(m)) },
		OnMessageUpdate: func(m model.Message) {
			if m.Content.Deleted {
				fmt.Printf("- %s deleted\n", m.Key())
				return
			}
			fmt.Println("* " + line(m))
		},
		OnMessageStatus: func(rec model.DeliveryRecord) {
			if rec.Status == model.StatusFailed {
				fmt.Printf("! %s failed: %s (/retry %s)\n", rec.CorrelationID, rec.Reason, rec.CorrelationID)
			}
		},
		OnSyncBatch: func(b syncer.Batch) {
			fmt.Printf("-- %s: %d messages --\n", strings.ToLower(string(b.Direction)), len(b.Messages))
			for _, m := range b.Messages {
				fmt.Println(line(m))
			}
		},
		OnTypingChange: func(set model.TypingSet) {
			if users := set.Users(); len(users) > 0 {
				fmt.Printf("… %s typing\n", strings.Join(users, ", "))
			}
		},
		OnPinChange: func(p model.PinnedSet) {
			if id := p.MessageID(); id != "" {
				fmt.Println("📌", id)
			} else {
				fmt.Println("📌 none")
			}
		},
		OnPresenceChange: func(user string, active bool) {
			state := "away"
			if active {
				state = "here"
			}
			fmt.Printf("· %s is %s\n", user, state)
		},
		OnConnectionError: func(ce *transport.ConnectionError) {
			fmt.Println("! connection:", ce.Error())
		},
		OnStateChange: func(st transport.State) {
			fmt.Println("· connection", st)
		},
	}
}
