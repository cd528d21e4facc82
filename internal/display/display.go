// Package display is the boundary to whatever physically shows the
// label. inkclock does not drive panels itself; it hands a [Frame] to a
// [Surface], which may print it, write it to a file watched by a panel
// driver, or publish it over MQTT.
package display

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Frame is one rendering of the display.
type Frame struct {
	Text        string
	Indicator   bool // front LED on
	Placeholder bool // Text is the no-data placeholder
	At          time.Time
}

// Same reports whether f and other would look identical on the panel.
func (f Frame) Same(other Frame) bool {
	return f.Text == other.Text && f.Indicator == other.Indicator
}

// Surface shows frames.
type Surface interface {
	Show(ctx context.Context, f Frame) error
}

// Writer prints each frame as a line of text.
type Writer struct {
	W io.Writer
}

// Show implements [Surface].
func (w *Writer) Show(_ context.Context, f Frame) error {
	led := " "
	if f.Indicator {
		led = "*"
	}
	_, err := fmt.Fprintf(w.W, "[%s] %s\n", led, f.Text)
	return err
}

// File replaces the contents of Path with the frame text on every Show.
// The write goes through a temporary file and a rename so a panel
// driver polling the file never reads a partial label.
type File struct {
	Path string
}

// Show implements [Surface].
func (s *File) Show(_ context.Context, f Frame) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".inkclock-*")
	if err != nil {
		return fmt.Errorf("create temp display file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(f.Text + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write display file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close display file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace display file: %w", err)
	}
	return nil
}

// Dedup suppresses frames identical to the last one shown. E-ink
// refreshes are slow and flash the panel, so an unchanged label is not
// redrawn.
type Dedup struct {
	Next Surface

	mu    sync.Mutex
	last  Frame
	shown bool
}

// Show implements [Surface].
func (d *Dedup) Show(ctx context.Context, f Frame) error {
	_, err := d.ShowChanged(ctx, f)
	return err
}

// ShowChanged forwards f if it differs from the last frame shown and
// reports whether it did.
func (d *Dedup) ShowChanged(ctx context.Context, f Frame) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.shown && d.last.Same(f) {
		return false, nil
	}
	if err := d.Next.Show(ctx, f); err != nil {
		return false, err
	}
	d.last = f
	d.shown = true
	return true, nil
}
