package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/conversation"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
)

type commandKind int

const (
	commandSend commandKind = iota
	commandEdit
	commandDelete
	commandOlder
	commandReconnect
	commandQuit
)

type consoleCommand struct {
	kind commandKind
	id   messages.MessageID
	text string
}

var (
	errBlankLine      = errors.New("blank line")
	errUnknownCommand = errors.New("unknown command")
	errUsage          = errors.New("usage: /edit <id> <text> | /delete <id> | /older | /token <token> | /quit")
)

// syncSession is the part of the controller the console drives.
type syncSession interface {
	SendMessage(ctx context.Context, content string) (messages.Record, error)
	EditMessage(ctx context.Context, id messages.MessageID, content string) (messages.Record, error)
	DeleteMessage(ctx context.Context, id messages.MessageID) error
	LoadOlder(ctx context.Context) (int, error)
	Reconnect(token string) error
}

func parseCommand(line string) (consoleCommand, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return consoleCommand{}, errBlankLine
	}
	if !strings.HasPrefix(trimmed, "/") {
		return consoleCommand{kind: commandSend, text: trimmed}, nil
	}

	name, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)
	switch name {
	case "/edit":
		rawID, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			return consoleCommand{}, errUsage
		}
		id, err := messages.ParseMessageID(rawID)
		if err != nil {
			return consoleCommand{}, errUsage
		}
		return consoleCommand{kind: commandEdit, id: id, text: strings.TrimSpace(text)}, nil
	case "/delete":
		id, err := messages.ParseMessageID(rest)
		if err != nil {
			return consoleCommand{}, errUsage
		}
		return consoleCommand{kind: commandDelete, id: id}, nil
	case "/older":
		return consoleCommand{kind: commandOlder}, nil
	case "/token":
		if rest == "" {
			return consoleCommand{}, errUsage
		}
		return consoleCommand{kind: commandReconnect, text: rest}, nil
	case "/quit", "/exit":
		return consoleCommand{kind: commandQuit}, nil
	default:
		return consoleCommand{}, fmt.Errorf("%w %s", errUnknownCommand, name)
	}
}

func executeCommand(ctx context.Context, session syncSession, cmd consoleCommand, out io.Writer) error {
	switch cmd.kind {
	case commandSend:
		_, err := session.SendMessage(ctx, cmd.text)
		return err
	case commandEdit:
		_, err := session.EditMessage(ctx, cmd.id, cmd.text)
		return err
	case commandDelete:
		return session.DeleteMessage(ctx, cmd.id)
	case commandOlder:
		loaded, err := session.LoadOlder(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "loaded %d older messages\n", loaded)
		return nil
	case commandReconnect:
		return session.Reconnect(cmd.text)
	default:
		return nil
	}
}

func renderView(out io.Writer, view conversation.View, self messages.UserID, now time.Time) {
	if view.ConversationID == "" {
		fmt.Fprintln(out, "== no active conversation")
		return
	}
	fmt.Fprintf(out, "== %s  v%d  push:%s", view.ConversationID, view.Version, describeState(view.ChannelState, now))
	if view.HasMore {
		fmt.Fprint(out, "  (/older for history)")
	}
	fmt.Fprintln(out)

	for _, record := range view.Messages {
		fmt.Fprintln(out, formatRecord(record, self, now))
	}
}

func formatRecord(record messages.Record, self messages.UserID, now time.Time) string {
	var builder strings.Builder
	if record.Pending() {
		builder.WriteString("   ...")
	} else {
		fmt.Fprintf(&builder, "%6d", record.ID.Int64())
	}
	fmt.Fprintf(&builder, " %s %s: %s", record.CreatedAt.Local().Format("15:04"), record.SenderID, record.Content)

	var flags []string
	switch {
	case record.Pending():
		flags = append(flags, "sending")
	case record.IsDeleted:
	case record.IsEdited:
		flags = append(flags, "edited")
	}
	if record.SenderID == self && messages.CanModify(record, self, now) {
		flags = append(flags, "editable")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&builder, " [%s]", strings.Join(flags, ", "))
	}
	return builder.String()
}

func describeState(state pushchannel.State, now time.Time) string {
	switch state.Phase {
	case pushchannel.PhaseBackoff:
		wait := state.NextRetryAt.Sub(now).Round(time.Second)
		if wait < 0 {
			wait = 0
		}
		return fmt.Sprintf("%s (attempt %d, retry in %s)", state.Phase, state.Attempt, wait)
	case pushchannel.PhaseIdle:
		if state.Err != nil {
			return fmt.Sprintf("%s (%v)", state.Phase, state.Err)
		}
	}
	return state.Phase.String()
}
