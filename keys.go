package xlink

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// newKey allocates the identity token a channel advertises as its selfKey.
// Prefers the crypto/rand backed UUID source; if that source is unavailable
// it falls back to a weaker pseudo-random token rather than failing channel
// construction.
func newKey() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	return fmt.Sprintf("xlink-%d-%06d", time.Now().UnixNano(), rand.Intn(1000000))
}
