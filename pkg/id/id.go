// Package id generates prefixed, time-ordered identifiers for sessions,
// messages, parts and steps.
package id

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Prefix identifies the entity an identifier belongs to.
type Prefix string

const (
	Session Prefix = "ses"
	Message Prefix = "msg"
	Part    Prefix = "prt"
	Step    Prefix = "stp"
)

const (
	base62     = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	length     = 26
	timeHexLen = 12
)

var (
	mu            sync.Mutex
	lastTimestamp int64
	counter       int64
)

// Ascending returns a new identifier that sorts after every identifier
// previously created by this process.
func Ascending(prefix Prefix) string {
	return create(prefix, false, time.Now().UnixMilli())
}

// Descending returns a new identifier that sorts before every identifier
// previously created by this process.
func Descending(prefix Prefix) string {
	return create(prefix, true, time.Now().UnixMilli())
}

// Given validates an externally supplied identifier against prefix.
func Given(prefix Prefix, given string) (string, error) {
	if !strings.HasPrefix(given, string(prefix)+"_") {
		return "", fmt.Errorf("id %q does not start with %s", given, prefix)
	}
	return given, nil
}

func create(prefix Prefix, descending bool, timestamp int64) string {
	mu.Lock()
	if timestamp != lastTimestamp {
		lastTimestamp = timestamp
		counter = 0
	}
	counter++
	now := uint64(timestamp)*0x1000 + uint64(counter)
	mu.Unlock()

	if descending {
		now = ^now
	}

	var b strings.Builder
	b.Grow(len(prefix) + 1 + length)
	b.WriteString(string(prefix))
	b.WriteByte('_')
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "%02x", byte(now>>(40-8*i)))
	}

	random, err := gonanoid.Generate(base62, length-timeHexLen)
	if err != nil {
		// crypto/rand failure; fall back to a deterministic filler
		random = strings.Repeat("0", length-timeHexLen)
	}
	b.WriteString(random)
	return b.String()
}
