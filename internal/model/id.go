package model

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
)

const nameStampLayout = "2006-01-02_15.04.05.000Z"

const nameSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates a new ULID string for use as a session identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewSessionName builds the generated session name used for the working
// directory and the archive file. The pid and timestamp make concurrent and
// restarted processes distinguishable; the random suffix disambiguates
// sessions created within the same millisecond.
func NewSessionName(createdAt time.Time) string {
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = nameSuffixAlphabet[rand.Intn(len(nameSuffixAlphabet))]
	}
	return fmt.Sprintf("session-%d-%s_%s", os.Getpid(), createdAt.UTC().Format(nameStampLayout), suffix)
}
