package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realtime-hub/auth"
	"realtime-hub/chat"
	"realtime-hub/client/clienttest"
	"realtime-hub/domain"
	"realtime-hub/presence"
	"realtime-hub/room"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, sub := range buildRootCmd().Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["chat"])
	assert.True(t, names["token"])
}

func TestTokenCmd(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--secret", "s3cret", "alice"})

	require.NoError(t, cmd.Execute())

	claims, err := auth.NewVerifier("s3cret", "realtime-hub").Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
}

func TestChatCmdRequiresIdentity(t *testing.T) {
	t.Setenv("REALTIME_TOKEN", "")
	cmd := buildRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"chat", "--room", "general"})

	err := cmd.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "--user or --token is required")
}

func TestHandleLine(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantQuit bool
		wantErr  bool
		wantSent []domain.Event
		wantOut  string
	}{
		{name: "blank", line: "   "},
		{name: "message", line: "hello", wantSent: []domain.Event{domain.SendMessage{Room: "general", Content: "hello"}}},
		{name: "quit", line: "/quit", wantQuit: true},
		{name: "status", line: "/status away", wantSent: []domain.Event{domain.PresenceRequest{Status: domain.StatusAway}}},
		{name: "members", line: "/members", wantSent: []domain.Event{domain.RoomMembersRequest{Room: "general"}}, wantOut: "* members: alice, bob\n"},
		{name: "online", line: "/online", wantOut: "* online: carol\n"},
		{name: "unknown", line: "/dance", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clienttest.New()
			fake.Members = []string{"alice", "bob"}
			r := chat.New(fake, "general", chat.Options{})
			m, err := room.Open(t.Context(), fake, "general", room.Options{})
			require.NoError(t, err)
			tracker := presence.NewTracker(fake)
			fake.Emit(domain.PresenceUpdate{UserID: "carol", Status: domain.StatusOnline})
			var out bytes.Buffer

			quit, err := handleLine(t.Context(), &out, tt.line, r, m, tracker)

			assert.Equal(t, tt.wantQuit, quit)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantSent, fake.Sent())
			assert.Equal(t, tt.wantOut, out.String())
		})
	}
}
