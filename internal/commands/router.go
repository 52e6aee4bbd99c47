// Package commands routes chat text that names a bot command, ahead of the
// agent. Unmatched text falls through to the directive parser and runner.
package commands

import (
	"context"
	"regexp"
	"strings"
)

// Outcome tells admission what to do after a dispatch.
type Outcome int

const (
	// OutcomeReply sends Response.Reply and stops processing.
	OutcomeReply Outcome = iota
	// OutcomeStop stops processing without a reply.
	OutcomeStop
	// OutcomeContinue passes the original message through to the agent.
	OutcomeContinue
)

// Request carries one inbound message through the router.
type Request struct {
	RawText    string
	Args       string // text after the matched alias, original spacing collapsed
	Channel    string
	SenderID   string
	ChatID     string
	PeerKind   string // "direct" or "group"
	SessionKey string
	IsMain     bool // session key is the agent's main session
	Authorized bool // sender is in the pairing allow-list
}

// Response is a handler's verdict.
type Response struct {
	Outcome Outcome
	Reply   string
}

// Handler runs a matched command.
type Handler func(ctx context.Context, req Request) Response

// Policy gates who may run a command and where.
type Policy struct {
	AllowInGroup       bool
	RequiresAuth       bool
	RequireMainSession bool
}

// Command is one registry entry. Aliases are matched in slice order
// against the normalized first token.
type Command struct {
	Name        string
	Aliases     []string
	AcceptsArgs bool
	Policy      Policy
	Handler     Handler
}

// Router matches normalized text against registered commands in
// registration order.
type Router struct {
	commands []Command
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Register appends commands to the registry.
func (r *Router) Register(cmds ...Command) {
	r.commands = append(r.commands, cmds...)
}

var wsRe = regexp.MustCompile(`\s+`)

// Normalize trims, collapses whitespace, lowercases, and strips a single
// leading slash.
func Normalize(text string) string {
	text = strings.ToLower(strings.TrimSpace(wsRe.ReplaceAllString(text, " ")))
	return strings.TrimPrefix(text, "/")
}

// Dispatch finds the first command whose alias matches the normalized
// text and runs it under its policy. matched=false means no command
// claimed the message and it should continue to the agent.
func (r *Router) Dispatch(ctx context.Context, req Request) (Response, bool) {
	normalized := Normalize(req.RawText)
	if normalized == "" {
		return Response{}, false
	}

	first, rest, _ := strings.Cut(normalized, " ")
	for _, cmd := range r.commands {
		for _, alias := range cmd.Aliases {
			if first != alias {
				continue
			}
			if !cmd.AcceptsArgs && rest != "" {
				continue
			}
			if resp, stop := checkPolicy(cmd.Policy, req); stop {
				return resp, true
			}
			req.Args = rest
			return cmd.Handler(ctx, req), true
		}
	}
	return Response{}, false
}

// checkPolicy returns (response, true) when the policy blocks execution.
func checkPolicy(p Policy, req Request) (Response, bool) {
	if req.PeerKind == "group" && !p.AllowInGroup {
		return Response{Outcome: OutcomeStop}, true
	}
	if p.RequiresAuth && !req.Authorized {
		// Unauthorized senders get the pairing reply from admission, not a
		// per-command hint. Stay silent here.
		return Response{Outcome: OutcomeStop}, true
	}
	if p.RequireMainSession && !req.IsMain {
		return Response{Outcome: OutcomeReply, Reply: "This command only works in the main session."}, true
	}
	return Response{}, false
}
