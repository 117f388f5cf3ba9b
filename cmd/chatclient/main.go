package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"

	"jobchat/internal/apiclient"
	"jobchat/internal/chatsync"
	"jobchat/internal/config"
)

var log = logging.MustGetLogger("main")

var stdoutLogFormat = logging.MustStringFormatter(
	`%{color:reset}%{color}%{time:15:04:05.000} [%{shortfunc}] [%{level}] %{message}`,
)

var fileLogFormat = logging.MustStringFormatter(
	`%{time:15:04:05.000} [%{shortfunc}] [%{level}] %{message}`,
)

// Options override the CHAT_* environment variables
type Options struct {
	APIURL   string `long:"api" description:"REST base URL (CHAT_API_URL)"`
	WSURL    string `long:"ws" description:"push channel URL (CHAT_WS_URL)"`
	Token    string `short:"t" long:"token" description:"bearer token (CHAT_TOKEN)"`
	UserID   string `short:"u" long:"user" description:"signed-in user ID (CHAT_USER_ID)"`
	Room     string `short:"r" long:"room" description:"room to open after loading the directory"`
	LogLevel string `short:"l" long:"loglevel" default:"warning" description:"set the logging level [debug, info, notice, warning, error, critical]"`
	LogFile  string `long:"logfile" description:"also write logs to this file"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	setupLogging(opts)

	if err := godotenv.Load(); err != nil {
		log.Debugf(".env file not found: %v", err)
	}
	cfg := config.LoadClient()
	applyOptions(&cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, cfg, opts.Room); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func setupLogging(opts Options) {
	backendStdout := logging.NewLogBackend(os.Stderr, "", 0)
	backends := []logging.Backend{logging.NewBackendFormatter(backendStdout, stdoutLogFormat)}
	if opts.LogFile != "" {
		w := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		backends = append(backends, logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), fileLogFormat))
	}
	leveled := logging.AddModuleLevel(logging.MultiLogger(backends...))

	level, err := logging.LogLevel(opts.LogLevel)
	if err != nil {
		level = logging.WARNING
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

func applyOptions(cfg *config.ClientConfig, opts Options) {
	if opts.APIURL != "" {
		cfg.APIURL = opts.APIURL
		if opts.WSURL == "" && os.Getenv("CHAT_WS_URL") == "" {
			cfg.WSURL = strings.Replace(opts.APIURL, "http", "ws", 1) + "/ws"
		}
	}
	if opts.WSURL != "" {
		cfg.WSURL = opts.WSURL
	}
	if opts.Token != "" {
		cfg.Token = opts.Token
	}
	if opts.UserID != "" {
		cfg.ViewerID = opts.UserID
	}
}

func run(ctx context.Context, cfg config.ClientConfig, targetRoom string) error {
	api := apiclient.New(cfg.APIURL, cfg.Token, nil)
	channel := chatsync.NewChannel(chatsync.ChannelConfig{
		URL:            cfg.WSURL,
		InitialBackoff: cfg.ReconnectInitial,
		MaxBackoff:     cfg.ReconnectMax,
	})
	session := chatsync.NewSession(api, channel, chatsync.SessionConfig{
		ViewerID:     cfg.ViewerID,
		TypingWindow: cfg.TypingWindow,
	})
	defer session.Close()

	channel.OnConnectivity(func(connected bool) {
		if connected {
			fmt.Println("* online")
		} else {
			fmt.Println("* offline, reconnecting")
		}
	})
	session.SubscribeTotals(func(t chatsync.Totals) {
		fmt.Printf("* unread: %d messages in %d rooms\n", t.UnreadMessages, t.UnreadRooms)
	})
	newFeed(session).subscribe()

	if err := session.Connect(ctx, cfg.Token); err != nil {
		var connErr *chatsync.ConnectionError
		if !errors.As(err, &connErr) {
			return err
		}
		log.Warningf("push channel unavailable, retrying in background: %v", err)
	}

	if err := session.LoadRooms(ctx, targetRoom); err != nil {
		return err
	}
	printRooms(session, session.Rooms())
	if targetRoom != "" {
		if err := session.OpenRoom(ctx, targetRoom); err != nil {
			log.Warningf("open %s: %v", targetRoom, err)
		}
	}

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
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, session, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, s *chatsync.Session, line string) (quit bool) {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		room := s.ActiveRoom()
		if room == "" {
			fmt.Println("open a room first: /open <id>")
			return false
		}
		reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if _, err := s.Send(reqCtx, room, line); err != nil {
			fmt.Printf("! not sent: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch cmd {
	case "quit", "q":
		return true
	case "rooms":
		printRooms(s, s.Rooms())
	case "search":
		printRooms(s, s.SearchRooms(arg))
	case "reload":
		if err := s.LoadRooms(reqCtx, s.ActiveRoom()); err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		printRooms(s, s.Rooms())
	case "open":
		if prev := s.ActiveRoom(); prev != "" && prev != arg {
			s.CloseRoom(prev)
		}
		if err := s.OpenRoom(reqCtx, arg); err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		printHistory(s, arg)
	case "close":
		if room := s.ActiveRoom(); room != "" {
			s.CloseRoom(room)
		}
	case "history", "h":
		printHistory(s, s.ActiveRoom())
	case "read":
		if err := s.MarkRead(reqCtx, s.ActiveRoom()); err != nil {
			fmt.Printf("! %v\n", err)
		}
	case "typing":
		s.SetTyping(s.ActiveRoom(), arg != "off")
	case "start":
		other, jobID, _ := strings.Cut(arg, " ")
		room, err := s.StartConversation(reqCtx, other, strings.TrimSpace(jobID))
		if err != nil {
			fmt.Printf("! %v\n", err)
			return false
		}
		fmt.Printf("* room %s with %s\n", room.ID, room.Other(s.ViewerID()).DisplayName)
	default:
		fmt.Println("commands: /rooms /search <q> /reload /open <id> /close /history /read /typing [off] /start <user> [job] /quit")
	}
	return false
}
