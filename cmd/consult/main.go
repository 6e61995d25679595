// Command consult is a terminal consultation client: chat with the other
// participant of a conversation and place audio/video calls.
//
// Usage:
//
//	consult -token <jwt> -user <id> -role patient      # store a session
//	consult -conversation <id>                         # open a conversation
//	consult -with <doctor id>                          # open (or create) with a doctor
//	consult -logout
//
// Inside a conversation, plain lines are sent as messages. Commands:
// /call <appointment>, /join <room>, /accept, /decline, /mute, /unmute,
// /video, /hangup, /more, /quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/medilink/realtime/internal/auth"
	"github.com/medilink/realtime/internal/call"
	"github.com/medilink/realtime/internal/chat"
	"github.com/medilink/realtime/internal/config"
	"github.com/medilink/realtime/internal/consultation"
	"github.com/medilink/realtime/internal/realtime"
	"github.com/medilink/realtime/internal/restclient"
	"github.com/medilink/realtime/internal/usersession"
)

func main() {
	token := flag.String("token", "", "store a session with this bearer token")
	userID := flag.String("user", "", "user id of the stored session")
	name := flag.String("name", "", "display name of the stored session")
	role := flag.String("role", auth.RolePatient, "role of the stored session")
	logout := flag.Bool("logout", false, "clear the stored session and exit")
	conversationID := flag.String("conversation", "", "conversation to open")
	with := flag.String("with", "", "other participant; creates the conversation if needed")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store := usersession.NewStore(cfg.SessionFile)
	if *logout {
		if err := store.Clear(); err != nil {
			log.Fatalf("logout: %v", err)
		}
		fmt.Println("logged out")
		return
	}
	if *token != "" {
		sess := &usersession.Session{Token: *token, User: usersession.User{ID: *userID, Name: *name, Role: *role}}
		if err := store.Save(sess); err != nil {
			log.Fatalf("save session: %v", err)
		}
		fmt.Printf("session stored for %s\n", *userID)
		if *conversationID == "" && *with == "" {
			return
		}
	}

	sess, err := store.Load()
	if errors.Is(err, usersession.ErrNoSession) {
		log.Fatalf("no session stored in %s; log in with -token", cfg.SessionFile)
	}
	if err != nil {
		log.Fatalf("load session: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := restclient.New(cfg.APIURL, sess, nil)

	if *conversationID == "" {
		if *with == "" {
			log.Fatalf("-conversation or -with is required")
		}
		doctorID, patientID := *with, sess.User.ID
		if sess.User.Role == auth.RoleDoctor {
			doctorID, patientID = sess.User.ID, *with
		}
		conv, err := api.CreateConversation(ctx, doctorID, patientID)
		if err != nil {
			log.Fatalf("open conversation: %v", err)
		}
		*conversationID = conv.ID
	}

	factory, err := call.NewPionFactory(cfg.STUNServers)
	if err != nil {
		log.Fatalf("webrtc: %v", err)
	}

	rtConfig := realtime.DefaultConfig(cfg.GatewayURL)
	rtConfig.ConnectTimeout = cfg.ConnectTimeout
	manager := realtime.NewManager(rtConfig)
	if err := manager.Connect(ctx, sess.Token); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer manager.Close()

	ui := &terminal{out: os.Stdout, selfID: sess.User.ID, printed: make(map[string]bool)}

	var view *consultation.View
	view = consultation.New(consultation.Config{
		ConversationID: *conversationID,
		Self:           sess.User,
		Conn:           manager,
		API:            api,
		Factory:        factory,
		Source:         call.DefaultSource(),
		Notify:         ui.notice,
		OnTimeline:     func() { ui.render(view.Messages()) },
		OnCallState:    func(st call.State) { ui.printf("* call %s", st) },
		OnMediaUp:      func() { feedAudio(ctx, view) },
		OnRemoteStream: func(id string) { ui.printf("* receiving remote stream %s", id) },
		OnRemoteTrack:  func(t *webrtc.TrackRemote) { go ui.meter(t) },
		OnCallEnded:    func(reason string) { ui.printf("* call ended (%s)", reason) },
	})
	if err := view.Open(ctx); err != nil {
		log.Fatalf("open consultation: %v", err)
	}
	defer view.Close()

	ui.printf("* conversation %s as %s (%s); /quit to leave", *conversationID, sess.User.ID, manager.ConnectionID())

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
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
			if quit := handleLine(ctx, view, ui, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, view *consultation.View, ui *terminal, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		view.Send(line)
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/call":
		if len(fields) < 2 {
			ui.printf("usage: /call <appointment id>")
			return false
		}
		var roomID string
		if roomID, err = view.StartCall(ctx, fields[1]); err == nil {
			ui.printf("* joined call room %s, waiting for the other participant", roomID)
		}
	case "/join":
		if len(fields) < 2 {
			ui.printf("usage: /join <room id>")
			return false
		}
		err = view.JoinCall(fields[1])
	case "/accept":
		err = view.RespondToCall(true)
	case "/decline":
		err = view.RespondToCall(false)
	case "/mute":
		err = view.SetAudioEnabled(false)
	case "/unmute":
		err = view.SetAudioEnabled(true)
	case "/video":
		if s := view.Session(); s != nil {
			err = view.SetVideoEnabled(!s.VideoEnabled())
		} else {
			err = consultation.ErrNoCall
		}
	case "/hangup":
		view.EndCall()
	case "/more":
		var n int
		if n, err = view.LoadPage(ctx); err == nil {
			ui.printf("* loaded %d older messages", n)
			ui.reset()
			ui.render(view.Messages())
		}
	default:
		ui.printf("unknown command %s", fields[0])
	}
	if err != nil {
		ui.printf("! %v", err)
	}
	return false
}

// feedAudio keeps the local audio tracks of the active call flowing.
func feedAudio(ctx context.Context, view *consultation.View) {
	s := view.Session()
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			go call.FeedSilence(ctx, t)
		}
	}
}

// terminal prints the timeline and notices.
type terminal struct {
	mu      sync.Mutex
	out     *os.File
	selfID  string
	printed map[string]bool
}

func (t *terminal) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) notice(n consultation.Notice) {
	t.printf("[%s] %s", n.Level, n.Message)
}

func (t *terminal) reset() {
	t.mu.Lock()
	t.printed = make(map[string]bool)
	t.mu.Unlock()
}

// render prints confirmed messages not printed before.
func (t *terminal) render(msgs []chat.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if m.Pending || t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		if m.SenderID == t.selfID {
			who = "you"
		}
		ts := time.UnixMilli(m.CreatedAt).Format("15:04")
		fmt.Fprintf(t.out, "%s %s: %s\n", ts, who, m.Content)
	}
}

// meter reads a remote track and reports its bitrate every few seconds.
func (t *terminal) meter(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	var bytes int
	last := time.Now()
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		bytes += n
		if since := time.Since(last); since >= 5*time.Second {
			t.printf("* remote %s: %.1f kbit/s", track.Kind(), float64(bytes*8)/since.Seconds()/1000)
			bytes, last = 0, time.Now()
		}
	}
}
