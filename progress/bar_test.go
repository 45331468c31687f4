package progress

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func testBar(message string, total int) (*Bar, *clock) {
	c := &clock{t: time.Unix(1700000000, 0)}
	b := NewBar(message, total)
	b.started = c.t
	b.now = c.now
	return b, c
}

func TestBarSet(t *testing.T) {
	b, _ := testBar("generating", 10)

	b.Set(4)
	assert.Equal(t, 4, b.current)
	assert.InDelta(t, 40, b.percent(), 1e-9)

	b.Set(15)
	assert.Equal(t, 10, b.current)

	b.Set(-1)
	assert.Equal(t, 0, b.current)

	empty, _ := testBar("", 0)
	assert.Zero(t, empty.percent())
}

func TestBarRate(t *testing.T) {
	b, c := testBar("generating", 20)

	rate, remaining := b.Rate()
	assert.Zero(t, rate)
	assert.Zero(t, remaining)

	c.t = c.t.Add(2 * time.Second)
	b.Set(5)

	rate, remaining = b.Rate()
	assert.InDelta(t, 2.5, rate, 1e-9)
	assert.Equal(t, 6*time.Second, remaining)

	c.t = c.t.Add(6 * time.Second)
	b.Set(20)
	rate, remaining = b.Rate()
	assert.Zero(t, rate)
	assert.Zero(t, remaining)
}

func TestBarString(t *testing.T) {
	b, c := testBar("generating", 30)

	s := b.String()
	require.True(t, strings.HasPrefix(s, "generating   0% "), s)
	assert.Contains(t, s, "(0/30)")
	assert.NotContains(t, s, "it/s")

	c.t = c.t.Add(10 * time.Second)
	b.Set(10)

	s = b.String()
	assert.Contains(t, s, " 33% ")
	assert.Contains(t, s, "(10/30, 1.00 it/s)")
	assert.Contains(t, s, "[10s:20s]")
	assert.Contains(t, s, "▕")
	assert.Contains(t, s, "█")
}

func TestFormatDuration(t *testing.T) {
	cases := map[time.Duration]string{
		1500 * time.Millisecond:     "2s",
		90 * time.Second:            "1m30s",
		2*time.Hour + 5*time.Minute: "2h5m",
		101 * time.Hour:             "99h+",
	}

	for d, want := range cases {
		assert.Equal(t, want, formatDuration(d), d.String())
	}
}
