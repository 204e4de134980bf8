package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/atotto/clipboard"
)

var errClipboardUnsupported = errors.New("clipboard unsupported on this system")

var writeClipboard = func(text string) error {
	if clipboard.Unsupported {
		return errClipboardUnsupported
	}

	return clipboard.WriteAll(text)
}

// CopyToClipboard reports whether text reached the system clipboard.
// Missing clipboard support is reported as false, never as a panic.
func CopyToClipboard(text string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("copy to clipboard panicked", "panic", r)
			ok = false
		}
	}()

	if err := writeClipboard(text); err != nil {
		slog.Warn("copy to clipboard failed", "error", err)

		return false
	}

	return true
}

// WriteFile renders records and writes them to path, replacing any existing file.
// An empty format is inferred from the file extension.
func WriteFile(path string, format Format, records []Record, columns ...string) error {
	if format == "" {
		inferred, err := FormatFromPath(path)
		if err != nil {
			return err
		}
		format = inferred
	}

	text, err := Render(format, records, columns...)
	if err != nil {
		return err
	}
	if format != FormatJSON && text != "" {
		text += "\n"
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("replace export file: %w", err)
	}

	return nil
}
