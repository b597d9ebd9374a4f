// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Duration accepts ISO8601 durations (PT30S, P1D) and falls back to
// time.ParseDuration syntax (30s, 1h30m).
type Duration struct {
	time.Duration
}

func (d Duration) AsDuration() time.Duration {
	return d.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	if strings.HasPrefix(s, "P") {
		parsed, err := ParseISODuration(s)
		if err != nil {
			return fmt.Errorf("%q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(FormatISODuration(d.Duration)), nil
}

var ErrISOFormat = errors.New("invalid ISO8601 duration")

// isoUnits lists the accepted designators in the order they must appear.
// Years, months and weeks have no fixed length and are rejected.
var isoUnits = []struct {
	designator byte
	timePart   bool
	unit       time.Duration
}{
	{'D', false, 24 * time.Hour},
	{'H', true, time.Hour},
	{'M', true, time.Minute},
	{'S', true, time.Second},
}

// ParseISODuration parses the day and time parts of an ISO8601 duration,
// P1DT2H30M or PT0.5S. Only the last component may carry a fraction.
func ParseISODuration(s string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, ErrISOFormat
	}

	var (
		ret      time.Duration
		inTime   bool
		next     int // index of the first isoUnits entry still allowed
		fraction bool
		parts    int
	)
	for rest != "" {
		if rest[0] == 'T' {
			if inTime {
				return 0, ErrISOFormat
			}
			inTime = true
			rest = rest[1:]
			if rest == "" {
				return 0, ErrISOFormat
			}
			continue
		}
		if fraction {
			return 0, ErrISOFormat
		}

		n := strings.IndexFunc(rest, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if n <= 0 {
			return 0, ErrISOFormat
		}
		number, designator := rest[:n], rest[n]
		rest = rest[n+1:]

		idx := -1
		for i := next; i < len(isoUnits); i++ {
			if isoUnits[i].designator == designator && isoUnits[i].timePart == inTime {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, ErrISOFormat
		}
		next = idx + 1

		value, err := strconv.ParseFloat(strings.Replace(number, ",", ".", 1), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s", ErrISOFormat, number)
		}
		fraction = strings.ContainsAny(number, ".,")
		ret += time.Duration(value * float64(isoUnits[idx].unit))
		parts++
	}
	if parts == 0 {
		return 0, ErrISOFormat
	}
	return ret, nil
}

// FormatISODuration is a reverse of ParseISODuration for non-negative
// durations with a second precision.
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	var sb strings.Builder
	sb.WriteString("P")
	if days > 0 {
		fmt.Fprintf(&sb, "%dD", days)
	}
	if hours == 0 && minutes == 0 && seconds == 0 {
		return sb.String()
	}
	sb.WriteString("T")
	if hours > 0 {
		fmt.Fprintf(&sb, "%dH", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&sb, "%dM", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&sb, "%dS", seconds)
	}
	return sb.String()
}

type TCPAddr struct {
	*net.TCPAddr
}

func (addr *TCPAddr) AsTCPAddr() *net.TCPAddr {
	return addr.TCPAddr
}

func (addr *TCPAddr) UnmarshalText(text []byte) error {
	if addr == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(text) == 0 {
		return errors.New("can't be empty")
	}
	expanded := os.ExpandEnv(string(text))
	parsed, err := net.ResolveTCPAddr("tcp", expanded)
	if err != nil {
		return err
	}
	addr.TCPAddr = parsed
	return nil
}

func (addr TCPAddr) MarshalText() ([]byte, error) {
	if addr.TCPAddr == nil {
		return []byte{}, nil
	}
	return []byte(addr.String()), nil
}
