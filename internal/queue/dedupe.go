package queue

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// DedupeKey derives a content key from a change's head, so the same change
// submitted twice collides even when it arrives from different workspaces.
func DedupeKey(headSHA string) string {
	h := blake3.New()
	_, _ = h.Write([]byte("head\x00"))
	_, _ = h.Write([]byte(headSHA))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
