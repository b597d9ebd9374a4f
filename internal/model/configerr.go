package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a config file, ready to be shown to a user.
type CueErrorDetail struct {
	Path    string // retention.status
	Code    string // unknown_field, missing_required, conflicting_values, invalid_enum, type_mismatch, validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // message as reported by cue
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.Group(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// errorRules classify cue messages, the first match wins.
var errorRules = []struct {
	rx     *regexp.Regexp
	code   string
	format string // %s is the field name
}{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "Field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "Field %s is required"},
	{regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`), "conflicting_values", "Conflicting values for %s"},
	{regexp.MustCompile(`(?i)must be one of|expected one of`), "invalid_enum", "Field %s has invalid value"},
	{regexp.MustCompile(`(?i)expected .* got .*`), "type_mismatch", "Field %s has wrong type/value"},
}

// enumPaths are config fields constrained to a closed set of strings
var enumPaths = []string{"store.driver", "retention.status"}

// CueErrDetails turns a LoadConfig error into a list of human readable details.
// Errors which are not CUE errors are returned as a single detail.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var ret []CueErrorDetail
	seen := make(map[CueErrorPosition]bool)
	for _, e := range cueerrors.Errors(err) {
		pos, ok := firstPosition(e)
		if !ok || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := configPath(e.Path())
		code, msg := classify(raw, path)
		if slices.Contains(enumPaths, path) {
			msg += enumHint(path)
		}
		ret = append(ret, CueErrorDetail{
			Path:    path,
			Code:    code,
			Message: msg,
			Pos:     pos,
			Raw:     raw,
		})
	}

	if len(ret) == 0 {
		return []CueErrorDetail{{
			Code:    "validation_error",
			Message: err.Error(),
			Raw:     err.Error(),
		}}
	}
	return ret
}

func classify(raw, path string) (code, msg string) {
	field := path
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		field = path[i+1:]
	}
	for _, rule := range errorRules {
		if rule.rx.MatchString(raw) {
			return rule.code, fmt.Sprintf(rule.format, field)
		}
	}
	return "validation_error", raw
}

// enumHint lists the allowed values and the default of an enum field.
func enumHint(path string) string {
	field := schema.LookupPath(cue.ParsePath(path))

	var hint strings.Builder
	if op, args := field.Expr(); op == cue.OrOp {
		var values []string
		for _, a := range args {
			if s, err := a.String(); err == nil && !slices.Contains(values, strconv.Quote(s)) {
				values = append(values, strconv.Quote(s))
			}
		}
		if len(values) > 0 {
			fmt.Fprintf(&hint, ": possible values (%s)", strings.Join(values, ","))
		}
	}
	if d, ok := field.Default(); ok {
		if s, err := d.String(); err == nil {
			fmt.Fprintf(&hint, " (default %q)", s)
		}
	}
	return hint.String()
}

func firstPosition(err cueerrors.Error) (CueErrorPosition, bool) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() != "" {
			return CueErrorPosition{
				Filename: p.Filename(),
				Line:     p.Line(),
				Column:   p.Column(),
			}, true
		}
	}
	return CueErrorPosition{}, false
}

// configPath drops the leading schema definition, #Config.store.driver
// becomes store.driver.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
