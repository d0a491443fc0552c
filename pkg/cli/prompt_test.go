package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func scripted(answers ...string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return New(strings.NewReader(strings.Join(answers, "\n")+"\n"), out), out
}

func TestText(t *testing.T) {
	tests := []struct {
		name, input, def, want string
	}{
		{"answer", "hello", "default", "hello"},
		{"empty uses default", "", "fallback", "fallback"},
		{"whitespace uses default", "   ", "fallback", "fallback"},
		{"trimmed", "  spaced  ", "", "spaced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := scripted(tt.input)
			if got := p.Text("Name", tt.def); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextShowsDefault(t *testing.T) {
	p, out := scripted("")
	p.Text("Listen port", "7780")
	if !strings.Contains(out.String(), "Listen port [7780]: ") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestSecretFallsBackToPlainRead(t *testing.T) {
	p, _ := scripted("s3cret")
	if got := p.Secret("Password"); got != "s3cret" {
		t.Errorf("Secret() = %q", got)
	}
}

func TestPortRetriesInvalidInput(t *testing.T) {
	p, out := scripted("http", "70000", "8080")
	if got := p.Port("Port", 7780); got != 8080 {
		t.Errorf("Port() = %d, want 8080", got)
	}
	if n := strings.Count(out.String(), "Enter a port"); n != 2 {
		t.Errorf("expected 2 retry hints, got %d", n)
	}
}

func TestPortDefaultOnExhaustedInput(t *testing.T) {
	p := New(strings.NewReader("nope"), &bytes.Buffer{})
	if got := p.Port("Port", 7782); got != 7782 {
		t.Errorf("Port() = %d, want default 7782", got)
	}
}

func TestDuration(t *testing.T) {
	p, _ := scripted("", "90m")
	if got := p.Duration("Interval", 30*time.Second); got != 30*time.Second {
		t.Errorf("Duration() = %v, want 30s", got)
	}
	if got := p.Duration("Retention", time.Hour); got != 90*time.Minute {
		t.Errorf("Duration() = %v, want 90m", got)
	}
}

func TestSelect(t *testing.T) {
	options := []string{"sqlite", "postgres"}

	p, _ := scripted("2")
	if got := p.Select("Driver", options, 0); got != "postgres" {
		t.Errorf("by number: %q", got)
	}
	p, _ = scripted("SQLite")
	if got := p.Select("Driver", options, 1); got != "sqlite" {
		t.Errorf("by name: %q", got)
	}
	p, out := scripted("")
	if got := p.Select("Driver", options, 1); got != "postgres" {
		t.Errorf("default: %q", got)
	}
	if !strings.Contains(out.String(), "* 2) postgres") {
		t.Errorf("default not marked:\n%s", out.String())
	}
}

func TestYesNo(t *testing.T) {
	tests := []struct {
		input string
		def   bool
		want  bool
	}{
		{"y", false, true},
		{"YES", false, true},
		{"n", true, false},
		{"", true, true},
		{"", false, false},
		{"maybe\ny", false, true},
	}
	for _, tt := range tests {
		p, _ := scripted(tt.input)
		if got := p.YesNo("Record runs?", tt.def); got != tt.want {
			t.Errorf("YesNo(%q, %v) = %v, want %v", tt.input, tt.def, got, tt.want)
		}
	}
}
