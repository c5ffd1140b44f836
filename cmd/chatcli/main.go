// Command chatcli is a terminal client for the marketplace chat relay.
//
//	chatcli -user alice -name Alice
//
// Plain lines are sent to the open conversation. Commands:
//
//	/list                              conversations with unread counts
//	/open <conversation-id>            open a conversation and mark it read
//	/close                             close the open conversation
//	/new <user> <product-id> <text>    start a conversation and open it
//	/read                              mark the open conversation read
//	/reconnect                         reconnect after giving up
//	/logout                            sign out
//	/quit                              exit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"marketchat/internal/api/client"
	"marketchat/internal/config"
	"marketchat/internal/dispatcher"
	"marketchat/internal/localization"
	"marketchat/internal/models"
	"marketchat/internal/notify"
	"marketchat/internal/obs"
	"marketchat/internal/session"
	"marketchat/internal/transport"

	"github.com/sirupsen/logrus"
)

func main() {
	userID := flag.String("user", "", "user id")
	name := flag.String("name", "", "display name")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token; issued by the relay when empty")
	flag.Parse()
	if *userID == "" {
		fmt.Fprintln(os.Stderr, "Usage: chatcli -user <id> [-name <display name>] [-token <token>]")
		os.Exit(1)
	}
	if *name == "" {
		*name = *userID
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	base := obs.NewLogger(cfg.Env, cfg.LogLevel)
	log := obs.Component(base, "chatcli")
	loc := localization.Builtin()
	if cfg.LocaleDir != "" {
		custom, err := localization.NewLocalizer(cfg.LocaleDir)
		if err != nil {
			log.WithError(err).WithField("dir", cfg.LocaleDir).Warn("using built-in catalogs")
		} else {
			loc = custom
		}
	}

	history := client.NewHistoryClient(cfg.APIURL, 10*time.Second)
	ctx := context.Background()
	if *token == "" {
		resp, err := history.IssueToken(ctx, *userID, *name)
		if err != nil {
			log.WithError(err).Fatal("failed to obtain token")
		}
		*token = resp.Token
	}

	sess := session.New(cfg.Client, transport.NewWSDialer(cfg.ServiceURL, cfg.Client.DialTimeout),
		session.WithLogger(base.WithField("user_id", *userID)),
		session.WithHistory(history, config.DefaultHistoryLimit),
		session.WithNotifier(buildNotifier(cfg, loc, obs.Component(base, "notify"))),
	)
	defer sess.Close()

	ui := &terminal{sess: sess, loc: loc, lang: cfg.Locale, printed: make(map[string]int)}
	release := sess.Subscribe(ui.onUpdate)
	defer release()

	if err := sess.Login(ctx, session.User{ID: *userID, Name: *name, Token: *token}); err != nil {
		log.WithError(err).Warn("login completed with errors")
	}
	ui.run(ctx, bufio.NewScanner(os.Stdin))
}

func buildNotifier(cfg config.Config, loc *localization.Localizer, log *logrus.Entry) notify.Notifier {
	notifiers := notify.Multi{notify.NewLogNotifier(log, loc, cfg.Locale)}
	if cfg.TelegramBotToken == "" || cfg.TelegramChatID == 0 {
		return notifiers
	}
	tg, err := notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, loc, cfg.Locale, log)
	if err != nil {
		log.WithError(err).Warn("telegram notifications disabled")
		return notifiers
	}
	return append(notifiers, tg)
}

type terminal struct {
	sess *session.Session
	loc  *localization.Localizer
	lang string

	mu sync.Mutex
	// printed counts the messages already shown per conversation.
	printed map[string]int
}

func (t *terminal) onUpdate(u session.Update) {
	switch u.Kind {
	case session.UpdateStatus:
		fmt.Printf("* %s\n", u.Status.State)
	case session.UpdateConversations:
		if u.Change.Reset {
			t.mu.Lock()
			t.printed = make(map[string]int)
			t.mu.Unlock()
			return
		}
		for _, id := range u.Change.ConversationIDs {
			t.showNew(id)
		}
	case session.UpdateTyping:
		for _, id := range u.Presence.ConversationIDs {
			for _, sig := range t.sess.Presence.Typing(id) {
				fmt.Printf("* %s is typing in %s\n", sig.UserName, id)
			}
		}
	case session.UpdateTeardown:
		fmt.Println(t.loc.T(t.lang, "logged_out"))
	}
}

func (t *terminal) showNew(conversationID string) {
	conv, ok := t.sess.Store.Conversation(conversationID)
	if !ok {
		return
	}
	self := t.sess.User().ID

	t.mu.Lock()
	from := t.printed[conversationID]
	t.printed[conversationID] = len(conv.Messages)
	t.mu.Unlock()

	for _, m := range conv.Messages[min(from, len(conv.Messages)):] {
		if m.SenderID == self {
			continue
		}
		fmt.Println(t.loc.T(t.lang, "new_message", m.SenderName, conv.ProductName, m.Body))
	}
}

func (t *terminal) run(ctx context.Context, in *bufio.Scanner) {
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			t.say(line)
			continue
		}

		fields := strings.Fields(line)
		switch fields[0] {
		case "/list":
			t.list()
		case "/open":
			if len(fields) != 2 {
				fmt.Println("usage: /open <conversation-id>")
				continue
			}
			t.sess.Dispatcher.OpenConversation(fields[1])
		case "/close":
			t.sess.Dispatcher.CloseConversation()
		case "/new":
			if len(fields) < 4 {
				fmt.Println("usage: /new <user> <product-id> <text>")
				continue
			}
			body := strings.Join(fields[3:], " ")
			if t.sess.SendMessage(dispatcher.SendRequest{RecipientID: fields[1], ProductID: fields[2], Body: body}) {
				t.sess.Dispatcher.OpenConversation(models.ConversationID(t.sess.User().ID, fields[1], fields[2]))
			}
		case "/read":
			if active := t.sess.Store.Active(); active != "" {
				t.sess.Dispatcher.MarkRead(active)
			}
		case "/reconnect":
			t.sess.Transport.Reconnect()
		case "/logout":
			t.sess.Logout()
		case "/quit":
			return
		default:
			fmt.Println("unknown command", fields[0])
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// say sends line to the peer of the open conversation.
func (t *terminal) say(line string) {
	active := t.sess.Store.Active()
	conv, ok := t.sess.Store.Conversation(active)
	if !ok {
		fmt.Println("no open conversation; use /open or /new")
		return
	}
	peer := conv.Peer(t.sess.User().ID)

	t.sess.Presence.StartTyping(active)
	t.sess.SendMessage(dispatcher.SendRequest{
		ConversationID: active,
		RecipientID:    peer.ID,
		RecipientName:  peer.Name,
		ProductID:      conv.ProductID,
		ProductName:    conv.ProductName,
		Body:           line,
	})
	t.sess.Presence.StopTyping(active)
}

func (t *terminal) list() {
	self := t.sess.User().ID
	for _, conv := range t.sess.Store.GetConversations() {
		peer := conv.Peer(self)
		online, _ := t.sess.Presence.PeerOnline(peer.ID)
		state := "offline"
		if online {
			state = "online"
		}
		last := ""
		if m, ok := conv.LastMessage(); ok {
			last = m.Body + " [" + m.Status.String() + "]"
		}
		fmt.Printf("%s  %s (%s) %s  unread=%d  %s\n", conv.ID, peer.Name, state, conv.ProductName, conv.UnreadCount, last)
	}
	fmt.Printf("%d unread\n", t.sess.Store.TotalUnread())
	if pending := t.sess.Transport.Pending(); pending > 0 {
		fmt.Printf("%d event(s) waiting for the connection\n", pending)
	}
}
