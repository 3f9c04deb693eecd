// ABOUTME: Entry point for coven-chat terminal client
// ABOUTME: Loads config, connects the chosen backend and runs the interactive loop

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/render"
	"github.com/2389/coven-chat/internal/transport"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __         ___| |__   __ _| |_
 / __/ _ \ \ / / _ \ '_ \ _____ / __| '_ \ / _' | __|
| (_| (_) \ V /  __/ | | |_____| (__| | | | (_| | |_
 \___\___/ \_/ \___|_| |_|      \___|_| |_|\__,_|\__|
`

func main() {
	configPath := flag.String("config", "", "Config file (default $COVEN_CHAT_CONFIG or ~/.config/coven/chat.yaml)")
	user := flag.String("user", "", "User id, overrides user.id")
	backend := flag.String("backend", "", "Backend, overrides transport.backend")
	channel := flag.String("channel", "", "Channel to join on start, overrides channels.default")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *user, *backend, *channel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

// loadConfig reads the config file. A missing file at the default location
// falls back to an in-memory local setup.
func loadConfig(path, user, backend, channel string) (*config.Config, string, error) {
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	cfg, err := config.Load(path)
	switch {
	case err == nil:
	case !explicit && errors.Is(err, os.ErrNotExist):
		if user == "" {
			user = os.Getenv("USER")
		}
		cfg = config.Default(user)
		path = "(defaults)"
	default:
		return nil, "", fmt.Errorf("loading config: %w", err)
	}

	if user != "" {
		cfg.User.ID = user
	}
	if backend != "" {
		cfg.Transport.Backend = backend
	}
	if channel != "" {
		cfg.Channels.Default = channel
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("validating config: %w", err)
	}
	return cfg, path, nil
}

func run(ctx context.Context, configPath, user, backend, channel string) error {
	cfg, configPath, err := loadConfig(configPath, user, backend, channel)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging, os.Stderr)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Backend: %s\n", cfg.Transport.Backend)
	green.Print("    ▶ ")
	fmt.Printf("User:    %s\n", cfg.User.ID)
	fmt.Println("\nType a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	tr, err := openTransport(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connecting %s backend: %w", cfg.Transport.Backend, err)
	}
	defer tr.Close()

	self := cfg.User.ID
	if cfg.Transport.Backend == config.BackendMatrix {
		self = cfg.Matrix.UserID
	}

	out := &syncWriter{w: os.Stdout}
	ctrl := conversation.NewController(tr, conversation.Options{
		UserID:         self,
		RequestTimeout: cfg.Transport.RequestTimeout,
		TypingRefresh:  cfg.Transport.TypingTimeout / 2,
		ErrorSink: func(op string, err error) {
			fmt.Fprintln(out, color.RedString("! %s failed: %v", op, err))
		},
		Logger: logger,
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := ctrl.Run(ctx); err != nil {
			logger.Error("controller stopped", "error", err)
		}
	})

	v := newView(out, render.New(!color.NoColor), self)
	states := ctrl.Watch(ctx)
	wg.Go(func() {
		for s := range states {
			v.update(s)
		}
	})

	s := &session{
		ctrl:     ctrl,
		self:     self,
		channels: cfg.Channels.Open,
		out:      out,
	}
	if lister, ok := tr.(transport.ChannelLister); ok {
		s.lister = lister
	}

	if err := ctrl.SelectChannel(ctx, chat.Open(cfg.Channels.Default)); err != nil {
		logger.Warn("could not join default channel", "channel", cfg.Channels.Default, "error", err)
	}

	err = inputLoop(ctx, os.Stdin, func(line string) error {
		err := s.handle(ctx, line)
		if err != nil && !errors.Is(err, errQuit) {
			fmt.Fprintln(out, color.RedString("! %v", err))
			return nil
		}
		return err
	})

	ctrl.Close()
	wg.Wait()

	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// inputLoop feeds lines from r to fn until EOF, ctx is done, or fn fails.
func inputLoop(ctx context.Context, r io.Reader, fn func(string) error) error {
	lines := make(chan string)
	errCh := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errCh <- err
		} else {
			errCh <- io.EOF
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		case line := <-lines:
			if err := fn(line); err != nil {
				return err
			}
		}
	}
}

// syncWriter serializes writes from the view, the session and the error sink.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
