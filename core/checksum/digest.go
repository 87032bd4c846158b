package checksum

import (
	"crypto/sha1" //nolint:gosec // digest format is pinned by spec §4.4, not used for security.
	"strings"
)

// sha1Sum returns the raw SHA-1 bytes of the colon-joined values, matching
// Python's hashlib.sha1(':'.join(values)).hexdigest() used by the
// original checksum fetcher.
func sha1Sum(values []string) []byte {
	h := sha1.New() //nolint:gosec
	h.Write([]byte(strings.Join(values, ":")))
	return h.Sum(nil)
}
