// Package dedup filters the echoed completion tokens that persistent
// interpreter sessions repeat on their output streams.
package dedup

import (
	"strings"
	"sync"
)

const (
	DefaultTokenLength = 16
	DefaultRepeatCap   = 4
)

// Deduplicator remembers one candidate token per run. It is safe for use by
// the stdout and stderr readers of the same run.
type Deduplicator struct {
	tokenLength int
	repeatCap   int

	mx        sync.Mutex
	candidate string
	count     int
	// set once the cap is reached, every chunk passes afterwards
	exhausted bool
}

// New returns a Deduplicator. Non-positive arguments select the defaults.
func New(tokenLength, repeatCap int) *Deduplicator {
	if tokenLength <= 0 {
		tokenLength = DefaultTokenLength
	}
	if repeatCap <= 0 {
		repeatCap = DefaultRepeatCap
	}
	return &Deduplicator{
		tokenLength: tokenLength,
		repeatCap:   repeatCap,
	}
}

// Suppress reports whether chunk must be dropped. Only chunks whose trimmed
// length equals the token length are candidates. The first candidate is
// recorded, repeats of it are suppressed until the repeat cap is reached.
// From then on the run is past its noisy startup and nothing is suppressed.
// A different candidate passes and leaves the state untouched.
func (d *Deduplicator) Suppress(chunk []byte) bool {
	s := strings.TrimSpace(string(chunk))
	if len(s) != d.tokenLength {
		return false
	}

	d.mx.Lock()
	defer d.mx.Unlock()
	switch {
	case d.exhausted:
		return false
	case d.count == 0:
		d.candidate = s
		d.count = 1
		return true
	case s == d.candidate:
		d.count++
		if d.count >= d.repeatCap {
			d.candidate = ""
			d.exhausted = true
		}
		return true
	default:
		return false
	}
}

// Reset drops the remembered candidate and rearms suppression.
func (d *Deduplicator) Reset() {
	d.mx.Lock()
	d.candidate = ""
	d.count = 0
	d.exhausted = false
	d.mx.Unlock()
}
