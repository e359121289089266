package browser

import (
	"context"
	"testing"
	"time"
)

func TestShouldBlock(t *testing.T) {
	set := blockSetOf([]string{"Images", " fonts", "XHR"})
	tests := []struct {
		resType string
		want    bool
	}{
		{"Image", true},
		{"Font", true},
		{"XHR", true},
		{"Stylesheet", false},
		{"Document", false},
		{"Media", false},
	}
	for _, tt := range tests {
		if got := shouldBlock(set, tt.resType); got != tt.want {
			t.Errorf("shouldBlock(%q): got %v, want %v", tt.resType, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.Stealth == nil || !*m.cfg.Stealth {
		t.Fatal("stealth not on by default")
	}
	if m.cfg.NavigateTimeout != 30*time.Second {
		t.Fatalf("NavigateTimeout: got %s", m.cfg.NavigateTimeout)
	}

	off := false
	m = NewManager(Config{Stealth: &off})
	if *m.cfg.Stealth {
		t.Fatal("explicit stealth=false overridden")
	}
}

func TestManager_ClosedAndUnstarted(t *testing.T) {
	m := NewManager(Config{})
	if m.Browser() != nil {
		t.Fatal("browser before Start")
	}
	if _, err := m.NewPage(context.Background()); err == nil {
		t.Fatal("NewPage without a browser succeeded")
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Start(context.Background()); err == nil {
		t.Fatal("Start after Close succeeded")
	}
}
