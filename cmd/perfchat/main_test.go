package main

import (
	"flag"
	"testing"
	"time"
)

func TestChatURL(t *testing.T) {
	got, err := chatURL("https://demo.example/base/", "ramvan-villas", "perf user")
	if err != nil {
		t.Fatalf("chatURL() error = %v", err)
	}
	want := "wss://demo.example/base/v1/projects/ramvan-villas/chat/ws?user_id=perf+user"
	if got != want {
		t.Fatalf("chatURL() = %q, want %q", got, want)
	}
	if _, err := chatURL("ftp://x", "p", "u"); err == nil {
		t.Fatalf("chatURL(ftp) error = nil, want error")
	}
}

func TestPercentile(t *testing.T) {
	vals := []time.Duration{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	if got := percentile(vals, 50); got != 5 {
		t.Fatalf("p50 = %d, want 5", got)
	}
	if got := percentile(vals, 95); got != 10 {
		t.Fatalf("p95 = %d, want 10", got)
	}
	if got := percentile(nil, 95); got != 0 {
		t.Fatalf("empty p95 = %d, want 0", got)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-texts", " a | |b ", "-turns", "3", "-base-url", "http://x/"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.baseURL != "http://x" || cfg.turns != 3 || len(cfg.texts) != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := parseFlags(flag.NewFlagSet("t", flag.ContinueOnError), []string{"-turns", "0"}); err == nil {
		t.Fatalf("parseFlags(turns=0) error = nil, want error")
	}
}
