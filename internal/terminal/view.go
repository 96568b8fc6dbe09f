package terminal

import (
	"fmt"
	"io"
	"sync"

	"github.com/zhouzirui/carnage/backend/internal/client/session"
)

const clearSequence = "\033[H\033[2J"

// ConsoleView prints transcript lines to a writer, one per line.
type ConsoleView struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsoleView writes to out.
func NewConsoleView(out io.Writer) *ConsoleView {
	return &ConsoleView{out: out}
}

// Print implements session.View.
func (v *ConsoleView) Print(l session.Line) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintln(v.out, l.Text)
}

// Clear implements Screen.
func (v *ConsoleView) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = io.WriteString(v.out, clearSequence)
}
