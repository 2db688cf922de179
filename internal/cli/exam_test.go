package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestParseAnswers(t *testing.T) {
	answers, err := parseAnswers([]string{"q1=richtig", "q2=true", "q3=a=b", "q4="})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if answers["q1"] != "richtig" || answers["q2"] != true || answers["q3"] != "a=b" || answers["q4"] != "" {
		t.Fatalf("unexpected answers %+v", answers)
	}
	if _, err := parseAnswers([]string{"no-equals"}); err == nil {
		t.Fatalf("expected error for malformed pair")
	}
	if _, err := parseAnswers([]string{"=x"}); err == nil {
		t.Fatalf("expected error for empty question id")
	}
}

func TestTerminalConfirmer(t *testing.T) {
	ctx := context.Background()
	var out bytes.Buffer

	yes := newTerminalConfirmer(strings.NewReader(""), &out, true)
	if ok, _ := yes.Confirm(ctx, "submit?"); !ok {
		t.Fatalf("expected --yes to confirm")
	}

	piped := newTerminalConfirmer(strings.NewReader("y\n"), &out, false)
	if ok, _ := piped.Confirm(ctx, "submit?"); ok {
		t.Fatalf("expected non-terminal input to decline")
	}

	tty := terminalConfirmer{in: strings.NewReader("Yes\n"), out: &out, isTerminal: func() bool { return true }}
	if ok, _ := tty.Confirm(ctx, "submit?"); !ok {
		t.Fatalf("expected yes to confirm")
	}
	tty.in = strings.NewReader("n\n")
	if ok, _ := tty.Confirm(ctx, "submit?"); ok {
		t.Fatalf("expected no to decline")
	}
	if !strings.Contains(out.String(), "submit? [y/N]") {
		t.Fatalf("expected prompt written, got %q", out.String())
	}
}
