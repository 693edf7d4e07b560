package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/convosync/internal/conversation"
	"github.com/MarcoPoloResearchLab/convosync/internal/messages"
	"github.com/MarcoPoloResearchLab/convosync/internal/pushchannel"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line    string
		want    consoleCommand
		wantErr error
	}{
		{line: "hello there", want: consoleCommand{kind: commandSend, text: "hello there"}},
		{line: "/edit 42 fixed typo", want: consoleCommand{kind: commandEdit, id: 42, text: "fixed typo"}},
		{line: "/delete 7", want: consoleCommand{kind: commandDelete, id: 7}},
		{line: "/older", want: consoleCommand{kind: commandOlder}},
		{line: "/token abc.def", want: consoleCommand{kind: commandReconnect, text: "abc.def"}},
		{line: "/quit", want: consoleCommand{kind: commandQuit}},
		{line: "   ", wantErr: errBlankLine},
		{line: "/edit 42", wantErr: errUsage},
		{line: "/edit x text", wantErr: errUsage},
		{line: "/delete", wantErr: errUsage},
		{line: "/shrug", wantErr: errUnknownCommand},
	}
	for _, testCase := range cases {
		got, err := parseCommand(testCase.line)
		if testCase.wantErr != nil {
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("%q: expected %v, got %v", testCase.line, testCase.wantErr, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error %v", testCase.line, err)
		}
		if got != testCase.want {
			t.Fatalf("%q: expected %#v, got %#v", testCase.line, testCase.want, got)
		}
	}
}

type recordingSession struct {
	calls []string
	err   error
}

func (s *recordingSession) SendMessage(_ context.Context, content string) (messages.Record, error) {
	s.calls = append(s.calls, "send:"+content)
	return messages.Record{}, s.err
}

func (s *recordingSession) EditMessage(_ context.Context, id messages.MessageID, content string) (messages.Record, error) {
	s.calls = append(s.calls, "edit:"+id.String()+":"+content)
	return messages.Record{}, s.err
}

func (s *recordingSession) DeleteMessage(_ context.Context, id messages.MessageID) error {
	s.calls = append(s.calls, "delete:"+id.String())
	return s.err
}

func (s *recordingSession) LoadOlder(context.Context) (int, error) {
	s.calls = append(s.calls, "older")
	return 3, s.err
}

func (s *recordingSession) Reconnect(token string) error {
	s.calls = append(s.calls, "reconnect:"+token)
	return s.err
}

func TestExecuteCommandDispatches(t *testing.T) {
	session := &recordingSession{}
	var out bytes.Buffer
	commands := []consoleCommand{
		{kind: commandSend, text: "hi"},
		{kind: commandEdit, id: 5, text: "better"},
		{kind: commandDelete, id: 5},
		{kind: commandOlder},
		{kind: commandReconnect, text: "fresh"},
	}
	for _, cmd := range commands {
		if err := executeCommand(context.Background(), session, cmd, &out); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	want := []string{"send:hi", "edit:5:better", "delete:5", "older", "reconnect:fresh"}
	if strings.Join(session.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected calls %v", session.calls)
	}
	if !strings.Contains(out.String(), "loaded 3 older messages") {
		t.Fatalf("expected older summary, got %q", out.String())
	}

	session.err = messages.ErrEditWindowExpired
	if err := executeCommand(context.Background(), session, consoleCommand{kind: commandEdit, id: 5, text: "x"}, &out); !errors.Is(err, messages.ErrEditWindowExpired) {
		t.Fatalf("expected error to surface, got %v", err)
	}
}

func TestRenderViewMarksMessageStates(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	view := conversation.View{
		ConversationID: "conv-1",
		Version:        4,
		HasMore:        true,
		ChannelState:   pushchannel.State{Phase: pushchannel.PhaseBackoff, Attempt: 2, NextRetryAt: now.Add(2 * time.Second)},
		Messages: []messages.Record{
			{ID: 1, ConversationID: "conv-1", SenderID: "bob", Content: "old", CreatedAt: now.Add(-48 * time.Hour)},
			{ID: 2, ConversationID: "conv-1", SenderID: "alice", Content: "mine", CreatedAt: now.Add(-time.Hour), IsEdited: true},
			{ID: 3, ConversationID: "conv-1", SenderID: "alice", Content: messages.TombstoneContent, CreatedAt: now.Add(-time.Minute), IsDeleted: true},
			{TempID: "tmp-1", ConversationID: "conv-1", SenderID: "alice", Content: "sending", CreatedAt: now},
		},
	}

	var out bytes.Buffer
	renderView(&out, view, "alice", now)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("expected header plus 4 messages, got %d: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "attempt 2") || !strings.Contains(lines[0], "retry in 2s") || !strings.Contains(lines[0], "/older") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if strings.Contains(lines[1], "editable") {
		t.Fatalf("expected peer message to be read-only: %q", lines[1])
	}
	if !strings.Contains(lines[2], "[edited, editable]") {
		t.Fatalf("expected own recent message to be editable: %q", lines[2])
	}
	if strings.Contains(lines[3], "editable") || !strings.Contains(lines[3], messages.TombstoneContent) {
		t.Fatalf("expected tombstone without actions: %q", lines[3])
	}
	if !strings.Contains(lines[4], "[sending]") {
		t.Fatalf("expected pending marker: %q", lines[4])
	}
}

func TestRenderViewWithoutConversation(t *testing.T) {
	var out bytes.Buffer
	renderView(&out, conversation.View{}, "alice", time.Now())
	if !strings.Contains(out.String(), "no active conversation") {
		t.Fatalf("unexpected output %q", out.String())
	}
}
