package utils

import "github.com/google/uuid"

// GenId returns a random identifier for consumers and sessions.
func GenId() string {
	return uuid.NewString()
}
