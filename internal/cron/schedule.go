package cron

import (
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// NextRunAt computes the next fire time in unix ms, or nil when the job will
// never fire again.
//
//   - at: fires once at AtMs if still in the future.
//   - every: fires at anchor + k*every for the smallest k >= 1 landing at or
//     after now; before the anchor the first fire is the anchor itself.
//   - cron: standard 5/6-field expression evaluated in TZ (IANA name,
//     default UTC).
func NextRunAt(s Schedule, nowMs int64) *int64 {
	switch strings.TrimSpace(s.Kind) {
	case "at":
		if s.AtMs > nowMs {
			at := s.AtMs
			return &at
		}
		return nil

	case "every":
		every := s.EveryMs
		if every < 1 {
			every = 1
		}
		anchor := s.AnchorMs
		if anchor <= 0 {
			anchor = nowMs
		}
		if nowMs < anchor {
			return &anchor
		}
		elapsed := nowMs - anchor
		steps := (elapsed + every - 1) / every
		if steps < 1 {
			steps = 1
		}
		next := anchor + steps*every
		return &next

	case "cron":
		expr := strings.TrimSpace(s.Expr)
		if expr == "" {
			return nil
		}
		loc := time.UTC
		if tz := strings.TrimSpace(s.TZ); tz != "" {
			if l, err := time.LoadLocation(tz); err == nil {
				loc = l
			}
		}
		ref := time.UnixMilli(nowMs).In(loc)
		next, err := gronx.NextTickAfter(expr, ref, false)
		if err != nil || next.IsZero() {
			return nil
		}
		nextMs := next.UnixMilli()
		return &nextMs

	default:
		return nil
	}
}

// ValidateSchedule reports whether a normalized schedule can ever fire.
func ValidateSchedule(s Schedule) bool {
	switch s.Kind {
	case "at":
		return s.AtMs > 0
	case "every":
		return s.EveryMs >= 1
	case "cron":
		return gronx.New().IsValid(strings.TrimSpace(s.Expr))
	default:
		return false
	}
}
