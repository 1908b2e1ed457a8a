package progress

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type Spinner struct {
	mu sync.Mutex

	message      string
	messageWidth int

	parts []string

	value int

	ticker  *time.Ticker
	started time.Time
	stopped time.Time
}

func NewSpinner(message string) *Spinner {
	s := &Spinner{
		message: message,
		parts: []string{
			"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		},
		ticker:  time.NewTicker(100 * time.Millisecond),
		started: time.Now(),
	}
	go s.start(s.ticker.C)
	return s
}

func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *Spinner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sb strings.Builder
	if len(s.message) > 0 {
		message := strings.TrimSpace(s.message)
		if s.messageWidth > 0 && len(message) > s.messageWidth {
			message = message[:s.messageWidth]
		}

		fmt.Fprintf(&sb, "%s", message)
		if padding := s.messageWidth - sb.Len(); padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}

		sb.WriteString(" ")
	}

	if s.stopped.IsZero() {
		sb.WriteString(s.parts[s.value])
		sb.WriteString(" ")
	} else {
		fmt.Fprintf(&sb, "(%s)", s.stopped.Sub(s.started).Round(time.Millisecond))
	}

	return sb.String()
}

func (s *Spinner) start(tick <-chan time.Time) {
	for range tick {
		s.mu.Lock()
		s.value = (s.value + 1) % len(s.parts)
		stopped := !s.stopped.IsZero()
		s.mu.Unlock()

		if stopped {
			return
		}
	}
}

func (s *Spinner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.IsZero() {
		s.stopped = time.Now()
		s.ticker.Stop()
	}
}
