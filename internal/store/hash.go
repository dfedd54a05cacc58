package store

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// CodeHash identifies a snippet for dedupe. Language case, surrounding blank
// space and trailing whitespace on each line do not change the hash.
func CodeHash(language, code string) string {
	lines := strings.Split(strings.TrimSpace(strings.ReplaceAll(code, "\r\n", "\n")), "\n")
	for i, ln := range lines {
		lines[i] = strings.TrimRight(ln, " \t\r\v\f")
	}
	norm := strings.ToLower(strings.TrimSpace(language)) + "\n" + strings.Join(lines, "\n")
	h := sha256.Sum256([]byte(norm))
	return fmt.Sprintf("%x", h)
}
