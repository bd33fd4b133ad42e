package manager

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

const spinChars = `|/-\`

// spinner emits a rotating progress character during connect retry loops.
// Silent when stdout is not a terminal.
type spinner struct {
	enabled bool
	i       int
}

func newSpinner() *spinner {
	return &spinner{enabled: term.IsTerminal(int(os.Stdout.Fd()))}
}

func (s *spinner) reset() { s.i = -1 }

func (s *spinner) spin() {
	if !s.enabled {
		return
	}
	if s.i < 0 {
		s.i = 0
	} else {
		fmt.Print("\b")
	}
	fmt.Print(string(spinChars[s.i]))
	s.i = (s.i + 1) % len(spinChars)
}
