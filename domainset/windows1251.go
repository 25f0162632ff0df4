package domainset

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// validImportedDomain matches Cyrillic and ASCII domain characters plus the
// punctuation a blocklist feed entry may legitimately contain.
var validImportedDomain = regexp.MustCompile(`^[а-яА-Яa-zA-Z0-9\-_.*]*$`)

// decodeWindows1251 decodes a single CSV field from Windows-1251 into UTF-8
func decodeWindows1251(raw []byte) (string, error) {
	decoded, err := charmap.Windows1251.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("domainset: windows-1251 decode: %w", err)
	}

	return string(decoded), nil
}

// prepareImportedDomain decodes a raw CSV field and validates/normalizes it
// into a domain suitable for inserting into an imported tier. An entry
// containing a backslash or failing the character whitelist is a normal,
// expected per-entry condition in live feeds - it yields the empty string
// and is silently skipped by the caller, not treated as a feed-level error.
// Only an actual decode failure is reported as an error.
func prepareImportedDomain(raw []byte) (string, error) {
	decoded, err := decodeWindows1251(raw)
	if err != nil {
		return "", err
	}

	if strings.Contains(decoded, `\`) {
		return "", nil
	}

	decoded = strings.TrimSuffix(decoded, ".")

	if !validImportedDomain.MatchString(decoded) {
		return "", nil
	}

	return decoded, nil
}
