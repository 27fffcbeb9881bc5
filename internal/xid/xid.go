package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New builds an id of the form prefix-<nanos>-<random>. The nanosecond
// part is zero padded to a fixed width so ids with the same prefix sort
// lexicographically in creation order; the random suffix keeps two ids
// minted in the same nanosecond from colliding.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%020d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%020d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
