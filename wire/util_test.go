package wire_test

import (
	"encoding/hex"
	"math/rand"
	"testing"
	"time"
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// newRand logs seed so random failure can be replayed.
func newRand(t testing.TB) *rand.Rand {
	seed := time.Now().UnixNano()
	t.Logf("rand seed=%d", seed)
	return rand.New(rand.NewSource(seed))
}
