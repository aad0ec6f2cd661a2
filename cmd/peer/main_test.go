package main

import (
	"io"
	"testing"
)

func TestPeerCmd_Flags(t *testing.T) {
	cmd := newPeerCmd()
	for _, name := range []string{"name", "join", "server", "media", "loopback"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Fatalf("flag --%s missing", name)
		}
	}
}

func TestPeerCmd_RejectsArgs(t *testing.T) {
	cmd := newPeerCmd()
	cmd.SetArgs([]string{"ABC123"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	if err := cmd.Execute(); err == nil {
		t.Fatalf("positional meeting id accepted, want --join")
	}
}
