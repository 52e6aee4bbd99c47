package cron

import (
	"errors"
	"strings"
)

var (
	ErrBadSchedule = errors.New("cron: schedule can never fire")
	ErrBadPayload  = errors.New("cron: payload needs text or message")
)

// NormalizeSchedule fills in an omitted schedule kind from whichever field
// is populated.
func NormalizeSchedule(s Schedule) Schedule {
	if strings.TrimSpace(s.Kind) != "" {
		s.Kind = strings.TrimSpace(s.Kind)
		return s
	}
	switch {
	case s.AtMs > 0:
		s.Kind = "at"
	case s.EveryMs > 0:
		s.Kind = "every"
	case strings.TrimSpace(s.Expr) != "":
		s.Kind = "cron"
	}
	return s
}

// NormalizePayload fills in an omitted payload kind: text implies a system
// event, message implies an agent turn.
func NormalizePayload(p Payload) Payload {
	if strings.TrimSpace(p.Kind) != "" {
		p.Kind = strings.TrimSpace(p.Kind)
		return p
	}
	switch {
	case p.Text != "":
		p.Kind = "systemEvent"
	case p.Message != "":
		p.Kind = "agentTurn"
	}
	return p
}

// normalizeCreate validates a create request and applies defaults:
// wakeMode next-heartbeat; sessionTarget main for system events, isolated
// for agent turns.
func normalizeCreate(in JobCreate) (JobCreate, error) {
	in.Schedule = NormalizeSchedule(in.Schedule)
	in.Payload = NormalizePayload(in.Payload)

	if !ValidateSchedule(in.Schedule) {
		return in, ErrBadSchedule
	}
	if in.Payload.Kind == "" {
		return in, ErrBadPayload
	}

	if in.WakeMode == "" {
		in.WakeMode = WakeNextHeartbeat
	}
	if in.SessionTarget == "" {
		if in.Payload.Kind == "agentTurn" {
			in.SessionTarget = SessionIsolated
		} else {
			in.SessionTarget = SessionMain
		}
	}
	return in, nil
}
