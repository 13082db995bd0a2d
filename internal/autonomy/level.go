package autonomy

import (
	"fmt"
	"strings"
)

// Level is a user's autonomy setting.
type Level int

const (
	// Manual asks for confirmation on almost everything.
	Manual Level = iota
	// Assisted asks for confirmation on medium-confidence actions.
	Assisted
	// Autonomous asks only on low-confidence actions.
	Autonomous
)

func (l Level) String() string {
	switch l {
	case Manual:
		return "MANUAL"
	case Assisted:
		return "ASSISTED"
	case Autonomous:
		return "AUTONOMOUS"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel parses a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MANUAL":
		return Manual, nil
	case "ASSISTED":
		return Assisted, nil
	case "AUTONOMOUS":
		return Autonomous, nil
	default:
		return Assisted, fmt.Errorf("unknown autonomy level %q", s)
	}
}

func (l Level) raise() Level {
	if l >= Autonomous {
		return Autonomous
	}
	return l + 1
}

func (l Level) lower() Level {
	if l <= Manual {
		return Manual
	}
	return l - 1
}
