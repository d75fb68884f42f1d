package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_BaseDelayClampsToTable(t *testing.T) {
	p := SyncDefaults()

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 5 * time.Second},
		{5, 30 * time.Second},
		{9, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.BaseDelay(tt.retries), "retries=%d", tt.retries)
	}
}

func TestPolicy_DelayAddsBoundedJitter(t *testing.T) {
	p := Policy{MaxRetries: 3, Delays: []time.Duration{100 * time.Millisecond}, Jitter: 50 * time.Millisecond}

	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := PrintDefaults()

	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}

func TestPolicy_EmptyTable(t *testing.T) {
	assert.Zero(t, Policy{}.Delay(3))
}
