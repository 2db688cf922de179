package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// terminalConfirmer asks on the controlling terminal. Without a terminal,
// and without --yes, it declines.
type terminalConfirmer struct {
	in         io.Reader
	out        io.Writer
	assumeYes  bool
	isTerminal func() bool
}

func newTerminalConfirmer(in io.Reader, out io.Writer, assumeYes bool) terminalConfirmer {
	return terminalConfirmer{
		in:        in,
		out:       out,
		assumeYes: assumeYes,
		isTerminal: func() bool {
			f, ok := in.(*os.File)
			return ok && term.IsTerminal(int(f.Fd()))
		},
	}
}

func (c terminalConfirmer) Confirm(ctx context.Context, prompt string) (bool, error) {
	if c.assumeYes {
		return true, nil
	}
	if !c.isTerminal() {
		fmt.Fprintln(c.out, "not a terminal, pass --yes to submit")
		return false, nil
	}
	fmt.Fprintf(c.out, "%s [y/N]: ", prompt)

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.in).ReadString('\n')
		answer <- line
	}()
	select {
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
