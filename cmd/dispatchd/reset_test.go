package main

import (
	"testing"

	"github.com/basket/dispatchd/internal/config"
	"github.com/basket/dispatchd/internal/reset"
)

func TestRunResetCommand_MissingAgent(t *testing.T) {
	code := runResetCommand(nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunResetCommand_UnknownAgent(t *testing.T) {
	setTestConfigWithAgent(t)

	code := runResetCommand([]string{"-agent", "ghost"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1 for unknown agent", code)
	}
}

func TestRunResetCommand_SignalsReset(t *testing.T) {
	setTestConfigWithAgent(t)

	code := runResetCommand([]string{"-agent", "main"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	rs, err := reset.NewStore(cfg.ResetDir(), quietLogger())
	if err != nil {
		t.Fatalf("open reset store: %v", err)
	}
	if !rs.Consume("main") {
		t.Fatal("no reset marker found for agent main")
	}
	if rs.Consume("main") {
		t.Fatal("reset marker should be consumed exactly once")
	}
}
