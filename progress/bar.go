package progress

import (
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Bar shows denoising steps completed out of a total, with the step rate and
// the estimated time remaining.
type Bar struct {
	mu sync.Mutex

	message      string
	messageWidth int

	total   int
	current int

	started time.Time
	updated time.Time

	now func() time.Time
}

func NewBar(message string, total int) *Bar {
	return &Bar{
		message:      message,
		messageWidth: -1,
		total:        total,
		started:      time.Now(),
		now:          time.Now,
	}
}

// formatDuration limits the rendering of a time.Duration to 2 units
func formatDuration(d time.Duration) string {
	if d >= 100*time.Hour {
		return "99h+"
	}

	if d >= time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}

	return d.Round(time.Second).String()
}

// Set records the number of completed steps. Values past the total are
// clamped.
func (b *Bar) Set(current int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(max(current, 0), b.total)
	b.updated = b.now()
}

func (b *Bar) SetMessage(message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.message = message
}

func (b *Bar) percent() float64 {
	if b.total > 0 {
		return float64(b.current) / float64(b.total) * 100
	}

	return 0
}

// Rate returns completed steps per second and the time remaining at that
// rate. Both are zero before the first step and after the last.
func (b *Bar) Rate() (float64, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate()
}

func (b *Bar) rate() (float64, time.Duration) {
	if b.current == 0 || b.current >= b.total {
		return 0, 0
	}

	elapsed := b.updated.Sub(b.started).Seconds()
	if elapsed <= 0 {
		return 0, 0
	}

	rate := float64(b.current) / elapsed
	remaining := time.Duration(float64(b.total-b.current) / rate * float64(time.Second))
	return rate, remaining
}

func (b *Bar) String() string {
	termWidth, _, err := term.GetSize(int(os.Stderr.Fd()))
	if err != nil {
		termWidth = 80
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var pre, mid, suf strings.Builder

	if b.message != "" {
		message := strings.TrimSpace(b.message)
		if b.messageWidth > 0 && len(message) > b.messageWidth {
			message = message[:b.messageWidth]
		}

		fmt.Fprintf(&pre, "%s", message)
		if b.messageWidth-pre.Len() >= 0 {
			pre.WriteString(strings.Repeat(" ", b.messageWidth-pre.Len()))
		}

		pre.WriteString(" ")
	}

	fmt.Fprintf(&pre, "%3.0f%% ", math.Floor(b.percent()))

	fmt.Fprintf(&suf, "(%d/%d", b.current, b.total)

	rate, remaining := b.rate()
	if rate > 0 {
		fmt.Fprintf(&suf, ", %.2f it/s", rate)
	}

	fmt.Fprintf(&suf, ")")

	var timing string
	if rate > 0 {
		timing = fmt.Sprintf("[%s:%s]", formatDuration(b.now().Sub(b.started)), formatDuration(remaining))
	}

	// 32 is the maximum width for the stats on the right of the progress bar
	if suf.Len()+len(timing) < 32 {
		suf.WriteString(strings.Repeat(" ", 32-suf.Len()-len(timing)))
	}

	suf.WriteString(timing)

	// add 3 extra spaces: 2 boundary characters and 1 space at the end
	f := termWidth - pre.Len() - suf.Len() - 3
	n := int(float64(f) * b.percent() / 100)

	if f > 0 {
		mid.WriteString("▕")
		mid.WriteString(strings.Repeat("█", n))
		if f-n > 0 {
			mid.WriteString(strings.Repeat(" ", f-n))
		}
		mid.WriteString("▏")
	}

	return pre.String() + mid.String() + suf.String()
}
