package protocol

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Writer appends events to one diagnostic file. The file is opened in append
// mode for every call and synced before returning.
type Writer struct {
	path string
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

func (w *Writer) Path() string {
	return w.path
}

// Append writes one line per event.
func (w *Writer) Append(events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		line, err := ev.Encode()
		if err != nil {
			return errors.Wrapf(err, "encoding %s", ev)
		}
		lines = append(lines, line)
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		return errors.Wrapf(err, "appending to %s", w.path)
	}
	return f.Sync()
}

// AppendFile is shorthand for NewWriter(path).Append(events...).
func AppendFile(path string, events ...Event) error {
	return NewWriter(path).Append(events...)
}
