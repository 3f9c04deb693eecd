// ABOUTME: Interactive command loop for coven-chat
// ABOUTME: Parses slash commands and plain lines into controller calls

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/transport"
)

// errQuit ends the input loop.
var errQuit = errors.New("quit")

// controller is the part of conversation.Controller the session drives.
type controller interface {
	SelectChannel(ctx context.Context, ch chat.Channel) error
	FetchHistory(ctx context.Context) error
	Send(ctx context.Context, text string) (chat.Message, error)
	Typing(ctx context.Context, isTyping bool) error
	State() conversation.State
}

type session struct {
	ctrl     controller
	lister   transport.ChannelLister
	self     string
	channels []string
	out      io.Writer
}

const helpText = `Commands:
  /join <channel>   switch to an open channel (or kind:id)
  /dm <user>        switch to the direct channel with user
  /channels         list known channels
  /history          fetch messages newer than the last page
  /typing on|off    set your typing state
  /help             show this help
  /quit             exit
Anything else is sent to the current channel.`

// handle runs one input line.
func (s *session) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := s.ctrl.Send(ctx, line)
		return err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "join", "j":
		ch, err := parseTarget(arg)
		if err != nil {
			return err
		}
		return s.ctrl.SelectChannel(ctx, ch)

	case "dm":
		if arg == "" {
			return fmt.Errorf("usage: /dm <user>")
		}
		return s.ctrl.SelectChannel(ctx, chat.Direct(s.self, arg))

	case "channels":
		return s.listChannels(ctx)

	case "history":
		return s.ctrl.FetchHistory(ctx)

	case "typing":
		switch strings.ToLower(arg) {
		case "on":
			return s.ctrl.Typing(ctx, true)
		case "off":
			return s.ctrl.Typing(ctx, false)
		default:
			return fmt.Errorf("usage: /typing on|off")
		}

	case "help", "?":
		fmt.Fprintln(s.out, helpText)
		return nil

	case "quit", "exit", "q":
		return errQuit

	default:
		return fmt.Errorf("unknown command /%s (try /help)", name)
	}
}

// parseTarget accepts a bare open channel id or a full kind:id name.
func parseTarget(arg string) (chat.Channel, error) {
	if arg == "" {
		return chat.Channel{}, fmt.Errorf("usage: /join <channel>")
	}
	if strings.Contains(arg, ":") {
		return chat.ParseChannel(arg)
	}
	ch := chat.Open(strings.TrimPrefix(arg, "#"))
	if err := ch.Validate(); err != nil {
		return chat.Channel{}, err
	}
	return ch, nil
}

func (s *session) listChannels(ctx context.Context) error {
	names := make([]string, 0, len(s.channels))
	for _, id := range s.channels {
		names = append(names, chat.Open(id).Name())
	}
	if s.lister != nil {
		known, err := s.lister.Channels(ctx)
		if err != nil {
			return fmt.Errorf("listing channels: %w", err)
		}
		names = append(names, known...)
	}
	slices.Sort(names)
	names = slices.Compact(names)

	current := s.ctrl.State().Channel.Name()
	for _, name := range names {
		if name == current {
			fmt.Fprintln(s.out, color.GreenString("* %s", name))
		} else {
			fmt.Fprintf(s.out, "  %s\n", name)
		}
	}
	return nil
}
