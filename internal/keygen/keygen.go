// Package keygen names uploaded objects.
package keygen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampLayout is UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Generator produces storage keys. Uniqueness is not checked against the
// store.
type Generator interface {
	NewKey() string
	GetStrategyName() string
}

// TimestampGenerator keys objects by the upload time
type TimestampGenerator struct {
	prefix string
	now    func() time.Time
}

// NewTimestampGenerator creates a generator of keys such as
// "receipts/2024-01-01T00:00:00.000Z" for prefix "receipts/".
func NewTimestampGenerator(prefix string) Generator {
	return &TimestampGenerator{prefix: prefix, now: time.Now}
}

// NewTimestampGeneratorWithClock is NewTimestampGenerator with an injected clock.
func NewTimestampGeneratorWithClock(prefix string, now func() time.Time) Generator {
	return &TimestampGenerator{prefix: prefix, now: now}
}

func (g *TimestampGenerator) NewKey() string {
	return g.prefix + g.now().UTC().Format(TimestampLayout)
}

func (g *TimestampGenerator) GetStrategyName() string {
	return "timestamp"
}

// UUIDGenerator keys objects by a random UUID
type UUIDGenerator struct {
	prefix string
}

func NewUUIDGenerator(prefix string) Generator {
	return &UUIDGenerator{prefix: prefix}
}

func (g *UUIDGenerator) NewKey() string {
	return g.prefix + uuid.NewString()
}

func (g *UUIDGenerator) GetStrategyName() string {
	return "uuid"
}

// New returns the generator for strategy ("timestamp" or "uuid").
func New(strategy, prefix string) (Generator, error) {
	switch strategy {
	case "timestamp", "":
		return NewTimestampGenerator(prefix), nil
	case "uuid":
		return NewUUIDGenerator(prefix), nil
	default:
		return nil, fmt.Errorf("unsupported key strategy: %s", strategy)
	}
}
