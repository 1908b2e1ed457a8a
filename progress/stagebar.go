package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// StageBar shows how many encoder stages have run and which one is running.
type StageBar struct {
	mu sync.Mutex

	message string
	stage   string
	current int
	total   int

	started time.Time
}

func NewStageBar(message string, total int) *StageBar {
	return &StageBar{message: message, total: total, started: time.Now()}
}

// Set records that stage current, named name, is running. Stages are numbered from zero.
func (b *StageBar) Set(current int, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = min(max(current, 0), b.total)
	b.stage = name
}

// Done marks every stage complete.
func (b *StageBar) Done() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = b.total
	b.stage = ""
}

func (b *StageBar) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var percent float64
	if b.total > 0 {
		percent = float64(b.current) / float64(b.total) * 100
	}

	// "encoding  41% ▕███████     ▏ 7/17 down.1.block.0 (1.2s)"
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %3.0f%% ▕%s%s▏ %d/%d",
		b.message, percent,
		strings.Repeat("█", b.current), strings.Repeat(" ", b.total-b.current),
		b.current, b.total)

	if b.stage != "" {
		sb.WriteString(" ")
		sb.WriteString(b.stage)
	}

	fmt.Fprintf(&sb, " (%s)", time.Since(b.started).Round(100*time.Millisecond))
	return sb.String()
}
