package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/llmrelay/llmrelay/internal/auth"
	"github.com/llmrelay/llmrelay/internal/config"
	"github.com/llmrelay/llmrelay/internal/logging"
	"github.com/llmrelay/llmrelay/internal/openai"
	"github.com/llmrelay/llmrelay/pkg/relayclient"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadRelayConfig(".")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logPath := cfg.LogFileCLI
	if logPath == "" {
		logPath = "-"
	}
	rot, err := logging.NewRollingWriter(logPath, 50*1024*1024)
	if err != nil {
		log.Fatalf("open log file: %v", err)
	}
	defer rot.Close()
	logger := log.New(rot, "[relay] ", log.LstdFlags|log.Lmicroseconds)

	switch os.Args[1] {
	case "chat":
		runChat(cfg, logger, os.Args[2:])
	case "models":
		runModels(cfg, os.Args[2:])
	case "token":
		runToken(cfg, os.Args[2:])
	case "health":
		runHealth(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: relay <command> [flags]

commands:
  chat     send a prompt and stream the reply to stdout
  models   list the models the relay exposes
  token    mint a session token for an email address
  health   probe the relay daemon`)
}

func newClient(cfg config.RelayConfig, addr, token string) *relayclient.Client {
	if addr == "" {
		if cfg.ListenAddr != "" && strings.HasPrefix(cfg.ListenAddr, ":") {
			addr = "http://localhost" + cfg.ListenAddr
		} else {
			addr = relayclient.DefaultBaseURL
		}
	}
	var opts []relayclient.Option
	if token != "" {
		opts = append(opts, relayclient.WithToken(token))
	}
	return relayclient.New(addr, opts...)
}

// stdoutSink prints fragments as they arrive and a newline when the
// exchange finishes.
type stdoutSink struct {
	out io.Writer
}

func (s *stdoutSink) OnDelta(total, fragment string) { io.WriteString(s.out, fragment) }
func (s *stdoutSink) OnComplete(final string)        { io.WriteString(s.out, "\n") }
func (s *stdoutSink) OnError(err error) {
	fmt.Fprintf(os.Stderr, "\nerror: %v\n", err)
}

func runChat(cfg config.RelayConfig, logger *log.Logger, args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	addr := fs.String("addr", "", "relay base URL")
	token := fs.String("token", os.Getenv("LLMRELAY_TOKEN"), "bearer credential")
	model := fs.String("model", "", "model to request")
	system := fs.String("system", "", "optional system prompt")
	maxTokens := fs.Int("max-tokens", 0, "completion token limit (0 uses the server default)")
	temperature := fs.Float64("temperature", -1, "sampling temperature (negative leaves it unset)")
	noStream := fs.Bool("no-stream", false, "wait for the full reply instead of streaming")
	fs.Parse(args)

	if *model == "" {
		fmt.Fprintln(os.Stderr, "chat: -model is required")
		os.Exit(2)
	}

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		data, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		prompt = strings.TrimSpace(string(data))
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "chat: no prompt given (pass it as arguments or on stdin)")
		os.Exit(2)
	}

	var messages []openai.ChatMessage
	if *system != "" {
		messages = append(messages, openai.ChatMessage{Role: "system", Content: *system})
	}
	messages = append(messages, openai.ChatMessage{Role: "user", Content: prompt})

	req := openai.ChatCompletionRequest{Model: *model, Messages: messages}
	if *maxTokens > 0 {
		req.MaxTokens = maxTokens
	}
	if *temperature >= 0 {
		req.Temperature = temperature
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := newClient(cfg, *addr, *token)
	start := time.Now()

	if *noStream {
		resp, err := c.Complete(ctx, req)
		if err != nil {
			log.Fatalf("chat: %v", err)
		}
		if len(resp.Choices) > 0 {
			fmt.Println(resp.Choices[0].Message.Content)
		}
		logger.Printf("chat model=%s total_ms=%d tokens=%d", *model, time.Since(start).Milliseconds(), resp.Usage.TotalTokens)
		return
	}

	text, err := c.Chat(ctx, req, &stdoutSink{out: os.Stdout})
	if err != nil {
		logger.Printf("chat failed model=%s total_ms=%d err=%v", *model, time.Since(start).Milliseconds(), err)
		os.Exit(1)
	}
	logger.Printf("chat model=%s total_ms=%d chars=%d", *model, time.Since(start).Milliseconds(), len(text))
}

func runModels(cfg config.RelayConfig, args []string) {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	addr := fs.String("addr", "", "relay base URL")
	token := fs.String("token", os.Getenv("LLMRELAY_TOKEN"), "bearer credential")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := newClient(cfg, *addr, *token).Models(ctx)
	if err != nil {
		log.Fatalf("models: %v", err)
	}
	if len(resp.Data) == 0 {
		fmt.Println("no models available")
		return
	}
	for _, m := range resp.Data {
		fmt.Printf("%s\towned_by=%s\n", m.ID, m.OwnedBy)
	}
}

func runToken(cfg config.RelayConfig, args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	email := fs.String("email", cfg.AdminEmail, "account email")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	if cfg.AuthDisabled {
		fmt.Fprintln(os.Stderr, "token: authentication is disabled; tokens are not required")
	}
	token, err := auth.NewManager(cfg.AuthSecret).IssueToken(*email, *ttl)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	fmt.Println(token)
}

func runHealth(cfg config.RelayConfig, args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "", "relay base URL")
	fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := newClient(cfg, *addr, "").Health(ctx); err != nil {
		log.Fatalf("health: %v", err)
	}
	fmt.Println("ok")
}
