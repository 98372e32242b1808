package broker

import (
	"strings"

	"github.com/google/uuid"
)

// newSubscriberID generates a short, locally-unique identifier for a
// subscriber by taking the first 8 hex characters of a fresh UUID.
func newSubscriberID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}
