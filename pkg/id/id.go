// Package id generates identifiers for submitted calls and workers. Call ids are ULIDs so that
// they sort by submission time in logs.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func NewStringFromTime(t time.Time) (string, error) {
	mutex.Lock()
	defer mutex.Unlock()

	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewString() (string, error) {
	return NewStringFromTime(time.Now())
}

// MustNewString is NewString for callers that cannot recover from exhausted monotonic entropy.
func MustNewString() string {
	s, err := NewString()
	if err != nil {
		panic(err)
	}
	return s
}

// Time returns the time encoded in a call id.
func Time(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

func IsValid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

// NewWorkerID returns a random identifier for a worker.
func NewWorkerID() string {
	return uuid.NewString()
}
