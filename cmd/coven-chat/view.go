// ABOUTME: Prints conversation snapshots to the terminal
// ABOUTME: Tracks what was already shown so each snapshot only adds new lines

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/render"
)

// view turns a stream of snapshots into incremental terminal output.
type view struct {
	out    io.Writer
	render *render.Renderer
	self   string

	channel chat.Channel
	phase   conversation.Phase
	shown   map[string]struct{}
	typing  string
}

func newView(out io.Writer, r *render.Renderer, self string) *view {
	return &view{out: out, render: r, self: self, shown: make(map[string]struct{})}
}

func (v *view) update(s conversation.State) {
	if s.Channel != v.channel {
		v.channel = s.Channel
		v.phase = ""
		v.shown = make(map[string]struct{})
		v.typing = ""
	}

	if s.Phase != v.phase {
		v.phase = s.Phase
		if s.Phase == conversation.PhaseSubscribed {
			fmt.Fprintln(v.out, color.GreenString("── joined %s ──", s.Channel))
		}
	}

	for _, msg := range s.Messages() {
		if _, ok := v.shown[msg.ID]; ok {
			continue
		}
		v.shown[msg.ID] = struct{}{}
		v.printMessage(msg)
	}

	if line := typingLine(s.TypingUsers(), v.self); line != v.typing {
		v.typing = line
		if line != "" {
			fmt.Fprintln(v.out, color.HiBlackString(line))
		}
	}
}

func (v *view) printMessage(msg chat.Message) {
	sender := color.CyanString(msg.SenderID)
	if msg.SenderID == v.self {
		sender = color.GreenString(msg.SenderID)
	}
	ts := color.HiBlackString(msg.SentAt.Local().Format("15:04"))

	body := v.render.Render(msg.Text)
	body = strings.ReplaceAll(body, "\n", "\n      ")
	fmt.Fprintf(v.out, "%s %s: %s\n", ts, sender, body)
}

// typingLine describes who else is typing, or "" when nobody is.
func typingLine(users []string, self string) string {
	var others []string
	for _, u := range users {
		if u != self {
			others = append(others, u)
		}
	}
	switch len(others) {
	case 0:
		return ""
	case 1:
		return others[0] + " is typing…"
	default:
		return strings.Join(others, ", ") + " are typing…"
	}
}
