package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/client/api"
	"github.com/zhouzirui/carnage/backend/internal/client/session"
	"github.com/zhouzirui/carnage/backend/internal/client/wsclient"
	"github.com/zhouzirui/carnage/backend/internal/config"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/internal/observability"
	"github.com/zhouzirui/carnage/backend/internal/terminal"
)

const banner = `CARNAGE/VENOM terminal. Type /help for commands.`

func main() {
	server := flag.String("server", "http://localhost:3001/api", "API 基础地址")
	username := flag.String("username", "", "初始用户名，留空则自动生成")
	poll := flag.Duration("poll", session.DefaultPollInterval, "会话成员轮询间隔，0 表示关闭")
	timeout := flag.Duration("timeout", api.DefaultTimeout, "单次请求超时时间")
	throttle := flag.Duration("throttle", api.DefaultThrottle, "同一接口的最小调用间隔，0 表示不限流")
	personaID := flag.String("persona", persona.DefaultID, "会话外聊天默认使用的角色")
	personaFile := flag.String("personas", "", "角色定义 YAML 文件，留空使用内置角色")
	logLevel := flag.String("log", "warn", "日志级别 (debug, info, warn, error)")
	flag.Parse()

	// .env 可选，仅用于读取 PERSONA_FILE 等本地配置
	_ = godotenv.Load()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if *personaFile == "" {
		*personaFile = os.Getenv("PERSONA_FILE")
	}
	personas, err := loadPersonas(*personaFile)
	if err != nil {
		logger.Fatal("failed to load personas", zap.Error(err))
	}
	if _, ok := persona.Resolve(personas, *personaID); !ok {
		logger.Fatal("unknown persona", zap.String("persona", *personaID))
	}

	wsURL, err := websocketURL(*server)
	if err != nil {
		logger.Fatal("invalid server address", zap.String("server", *server), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, options{
		server:    *server,
		wsURL:     wsURL,
		username:  *username,
		poll:      *poll,
		timeout:   *timeout,
		throttle:  *throttle,
		personaID: *personaID,
		personas:  personas,
	}, logger); err != nil {
		logger.Fatal("terminal stopped", zap.Error(err))
	}
}

type options struct {
	server    string
	wsURL     string
	username  string
	poll      time.Duration
	timeout   time.Duration
	throttle  time.Duration
	personaID string
	personas  persona.Store
}

// run wires the client stack and reads commands from in until EOF, /quit or ctx ends.
func run(ctx context.Context, in io.Reader, out io.Writer, opts options, logger *zap.Logger) error {
	view := terminal.NewConsoleView(out)
	client := api.New(opts.server,
		api.WithTimeout(opts.timeout),
		api.WithThrottle(opts.throttle),
		api.WithLogger(logger),
	)
	asker := api.NewAsker(client, opts.personas)
	transport := wsclient.New(opts.wsURL,
		wsclient.WithAuth(client.Authorize),
		wsclient.WithLogger(logger),
	)
	sc := session.New(client, transport, asker, opts.personas, view,
		session.WithUsername(opts.username),
		session.WithPollInterval(opts.poll),
		session.WithLogger(logger),
	)
	defer func() { _ = sc.Close() }()

	quit := make(chan struct{})
	var quitOnce sync.Once
	router, err := terminal.NewRouter(sc, client, asker, opts.personas, view,
		terminal.WithDefaultPersona(opts.personaID),
		terminal.WithQuit(func() { quitOnce.Do(func() { close(quit) }) }),
		terminal.WithRouterLogger(logger),
	)
	if err != nil {
		return err
	}
	defer router.Close()

	view.Print(session.Line{Kind: session.LineSystem, Text: banner})
	view.Print(session.Line{Kind: session.LineSystem, Text: fmt.Sprintf("SYSTEM: You are %s", sc.Username())})

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
		if err := scanner.Err(); err != nil {
			logger.Warn("reading input failed", zap.Error(err))
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-quit:
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			router.Handle(line)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.timeout+time.Second)
	defer cancel()
	if err := router.Wait(shutdownCtx); err != nil {
		logger.Warn("commands still running at exit", zap.Error(err))
	}
	switch sc.Phase() {
	case session.PhaseInServerSession, session.PhaseInLocalSession:
		_ = sc.Leave(shutdownCtx)
	}
	return nil
}

// websocketURL maps the API base address to its /ws endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

func loadPersonas(path string) (persona.Store, error) {
	if path == "" {
		return persona.NewMemoryStore(persona.Seed()), nil
	}
	items, err := persona.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return persona.NewMemoryStore(items), nil
}
