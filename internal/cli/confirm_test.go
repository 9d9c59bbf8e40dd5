package cli

import (
	"strings"
	"testing"
	"time"
)

func TestConfirm(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"yes", "Y\n", true},
		{"yes after retry", "maybe\nY\n", true},
		{"explicit no", "n\n", false},
		{"attempts exhausted", "a\nb\nc\nY\n", false},
		{"eof", "", false},
		{"blank lines then yes", "\n\nY\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confirm(strings.NewReader(tt.input), "", 'Y', 3, time.Second)
			if got != tt.want {
				t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestConfirmTimeout(t *testing.T) {
	// A reader that never delivers: the prompt must give up on its own,
	// and refusal is the only safe answer.
	r, _ := neverReader()
	start := time.Now()
	if confirm(r, "", 'Y', 3, 30*time.Millisecond) {
		t.Fatal("confirm = true with no input")
	}
	if time.Since(start) > time.Second {
		t.Fatal("confirm did not respect the timeout")
	}
}

// neverReader blocks forever.
func neverReader() (readerFunc, chan struct{}) {
	ch := make(chan struct{})
	return func(p []byte) (int, error) {
		<-ch
		return 0, nil
	}, ch
}

type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }
