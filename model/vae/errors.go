package vae

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrShape matches every *ShapeError with errors.Is.
var ErrShape = errors.New("shape mismatch")

// ShapeError reports a tensor whose shape is incompatible with the encoder.
type ShapeError struct {
	// Op names the offending tensor: "image", "noise" or "output".
	Op string
	// Want is the expected shape. Negative entries match any size.
	Want []int
	Got  []int
	Msg  string
}

func (e *ShapeError) Error() string {
	var sb strings.Builder
	sb.WriteString("vae: ")
	sb.WriteString(e.Op)
	sb.WriteString(": ")
	if e.Msg != "" {
		sb.WriteString(e.Msg)
		sb.WriteString(": ")
	}

	fmt.Fprintf(&sb, "expected shape %s, got %v", formatShape(e.Want), e.Got)
	return sb.String()
}

func (e *ShapeError) Is(target error) bool {
	return target == ErrShape
}

func formatShape(shape []int) string {
	s := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			s[i] = "*"
		} else {
			s[i] = strconv.Itoa(d)
		}
	}

	return "[" + strings.Join(s, " ") + "]"
}

// matches reports whether got has the rank of want and equals it wherever want is non-negative.
func matches(want, got []int) bool {
	if len(want) != len(got) {
		return false
	}

	for i := range want {
		if want[i] >= 0 && want[i] != got[i] {
			return false
		}
	}

	return true
}
