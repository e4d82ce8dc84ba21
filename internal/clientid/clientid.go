// Package clientid generates the 20-byte local peer-id used once per
// session, prefixed with a short client identifier the way most clients
// in the wild do (e.g. "-GT0104-" followed by random bytes, as
// matei-oltean-go-torrent's clientID does).
package clientid

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

const size = 20

// Generate returns a 20-byte peer-id starting with prefix (truncated to
// 20 bytes if longer) followed by cryptographically random bytes.
func Generate(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return id, errors.Wrap(err, "clientid: generating random suffix")
	}
	return id, nil
}
