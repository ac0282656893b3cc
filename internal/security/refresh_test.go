package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingTTL(t *testing.T) {
	base := 7 * 24 * time.Hour
	max := 14 * 24 * time.Hour
	extend := 24 * time.Hour

	cases := []struct {
		name    string
		current time.Duration
		want    time.Duration
	}{
		{"fresh session extends past base", base, base + extend},
		{"never shrinks below base", time.Hour, base},
		{"capped at max", max - 12*time.Hour, max},
		{"already at max stays there", max, max},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, slidingTTL(tc.current, base, max, extend))
		})
	}
}
