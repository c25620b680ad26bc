package keygen

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampGenerator(t *testing.T) {
	clock := func() time.Time {
		return time.Date(2024, 1, 1, 2, 0, 0, 123456789, time.FixedZone("CET", 2*60*60))
	}

	assert.Equal(t, "2024-01-01T00:00:00.123Z", NewTimestampGeneratorWithClock("", clock).NewKey())
	assert.Equal(t, "receipts/2024-01-01T00:00:00.123Z", NewTimestampGeneratorWithClock("receipts/", clock).NewKey())
}

func TestUUIDGenerator(t *testing.T) {
	g := NewUUIDGenerator("img-")
	a, b := g.NewKey(), g.NewKey()

	assert.NotEqual(t, a, b)
	require.True(t, strings.HasPrefix(a, "img-"))
	_, err := uuid.Parse(strings.TrimPrefix(a, "img-"))
	assert.NoError(t, err)
}

func TestNew(t *testing.T) {
	tests := []struct {
		strategy string
		want     string
		wantErr  bool
	}{
		{"timestamp", "timestamp", false},
		{"", "timestamp", false},
		{"uuid", "uuid", false},
		{"random", "", true},
	}

	for _, tt := range tests {
		g, err := New(tt.strategy, "")
		if tt.wantErr {
			assert.Error(t, err, tt.strategy)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, g.GetStrategyName())
	}
}
