package notify

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Terminal delivers toasts as lines on a writer and the chime as a bell
// character. It implements Toaster and Sound for the CLI.
type Terminal struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewTerminal writes to w.
func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w, now: time.Now}
}

// Toast implements Toaster.
func (t *Terminal) Toast(title, body, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintf(t.w, "[%s] %s: %s\n", t.now().Format("15:04"), title, body)
	return err
}

// Play implements Sound.
func (t *Terminal) Play() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := io.WriteString(t.w, "\a")
	return err
}
