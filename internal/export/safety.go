// Package export produces tenant data exports as CSV files or inline JSON
// data URLs, with output hardened against spreadsheet formula injection and
// path traversal.
package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fairyhunter13/workfabric/internal/domain"
)

// formulaPrefixes are the characters spreadsheet applications interpret as
// formula starts.
const formulaPrefixes = "=+-@\t\r"

// EscapeCSVValue neutralizes formula injection by prefixing risky values with
// an apostrophe, and doubles embedded quotes. Pipe is included because some
// spreadsheet DDE payloads start with it.
func EscapeCSVValue(s string) string {
	if s == "" {
		return s
	}
	escaped := strings.ReplaceAll(s, `"`, `""`)
	if strings.ContainsRune(formulaPrefixes, rune(escaped[0])) || escaped[0] == '|' {
		escaped = "'" + escaped
	}
	return escaped
}

// SafeJoin resolves name under baseDir and rejects any path escaping it.
func SafeJoin(baseDir, name string) (string, error) {
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("op=export.SafeJoin: %w", err)
	}
	joined := filepath.Clean(filepath.Join(base, name))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("op=export.SafeJoin: %q escapes export dir: %w", name, domain.ErrInvalidArgument)
	}
	return joined, nil
}
