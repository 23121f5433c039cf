package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateReceiptHandle returns a handle that is unique per delivery of the
// given message. Two deliveries of one message never share a handle.
func CreateReceiptHandle(messageID string) string {
	return messageID + "." + CreateULID()
}

// MessageIDFromReceiptHandle returns the message id a handle was issued for.
func MessageIDFromReceiptHandle(handle string) (string, bool) {
	idx := strings.LastIndexByte(handle, '.')
	if idx <= 0 || idx == len(handle)-1 {
		return "", false
	}
	return handle[:idx], true
}

// Time extracts the creation time encoded in a ULID.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
