package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/uriafranko/clawdbot/internal/directives"
	"github.com/uriafranko/clawdbot/internal/sessions"
	"github.com/uriafranko/clawdbot/internal/store"
)

// Deps wires the builtin commands to the runtime.
type Deps struct {
	Sessions     store.Store
	AgentID      string
	DefaultModel string // "provider/model" shown when no override is set
	Version      string

	// Abort cancels an in-flight turn for the session. Returns false when
	// nothing was running.
	Abort func(sessionKey string) bool

	// ResolveModel validates a model ref or alias and returns the
	// canonical "provider/model" form.
	ResolveModel func(ref string) (string, error)
}

// Builtin returns the standard chat command set in match order.
func Builtin(deps Deps) []Command {
	authed := Policy{AllowInGroup: true, RequiresAuth: true}
	return []Command{
		{
			Name:        "help",
			Aliases:     []string{"help", "?"},
			AcceptsArgs: false,
			Policy:      authed,
			Handler:     helpHandler,
		},
		{
			Name:        "ping",
			Aliases:     []string{"ping"},
			AcceptsArgs: false,
			Policy:      authed,
			Handler: func(ctx context.Context, req Request) Response {
				return Response{Outcome: OutcomeReply, Reply: "pong"}
			},
		},
		{
			Name:        "status",
			Aliases:     []string{"status"},
			AcceptsArgs: false,
			Policy:      authed,
			Handler:     statusHandler(deps),
		},
		{
			Name:        "reset",
			Aliases:     []string{"reset", "new"},
			AcceptsArgs: false,
			Policy:      authed,
			Handler:     resetHandler(deps),
		},
		{
			Name:        "stop",
			Aliases:     []string{"stop", "abort", "cancel"},
			AcceptsArgs: false,
			Policy:      authed,
			Handler:     stopHandler(deps),
		},
		{
			Name:        "think",
			Aliases:     []string{"think", "thinking", "t"},
			AcceptsArgs: true,
			Policy:      authed,
			Handler:     thinkHandler(deps),
		},
		{
			Name:        "verbose",
			Aliases:     []string{"verbose", "v"},
			AcceptsArgs: true,
			Policy:      authed,
			Handler:     verboseHandler(deps),
		},
		{
			Name:        "model",
			Aliases:     []string{"model"},
			AcceptsArgs: true,
			Policy:      authed,
			Handler:     modelHandler(deps),
		},
	}
}

func helpHandler(ctx context.Context, req Request) Response {
	return Response{Outcome: OutcomeReply, Reply: strings.TrimSpace(`
Commands:
/status — session, model, token usage
/reset — start a fresh session
/stop — abort the current turn
/think <off|low|medium|high|ultra> — set thinking level
/verbose <on|off> — set verbosity
/model <name> — override the model for this session
Inline: /think and /verbose also work inside a message.`)}
}

func statusHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		sess, err := deps.Sessions.GetOrCreate(req.SessionKey)
		if err != nil {
			return Response{Outcome: OutcomeReply, Reply: "status unavailable: " + err.Error()}
		}
		model := deps.DefaultModel
		if sess.ModelOverride != "" {
			model = sess.ModelOverride
		}
		thinking := sess.ThinkingLevel
		if thinking == "" {
			thinking = "default"
		}
		verbose := sess.VerboseLevel
		if verbose == "" {
			verbose = "off"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Session: %s\n", req.SessionKey)
		fmt.Fprintf(&b, "ID: %s\n", sess.ID)
		fmt.Fprintf(&b, "Model: %s\n", model)
		fmt.Fprintf(&b, "Thinking: %s · Verbose: %s\n", thinking, verbose)
		fmt.Fprintf(&b, "Tokens: in %d · out %d · total %d", sess.Tokens.Input, sess.Tokens.Output, sess.Tokens.Total)
		if deps.Version != "" {
			fmt.Fprintf(&b, "\nClawdbot %s", deps.Version)
		}
		return Response{Outcome: OutcomeReply, Reply: b.String()}
	}
}

func resetHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		sess, err := deps.Sessions.Reset(req.SessionKey)
		if err != nil {
			return Response{Outcome: OutcomeReply, Reply: "reset failed: " + err.Error()}
		}
		return Response{Outcome: OutcomeReply, Reply: "Session reset. New id: " + sess.ID}
	}
}

func stopHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		if deps.Abort != nil && deps.Abort(req.SessionKey) {
			return Response{Outcome: OutcomeReply, Reply: "Stopping."}
		}
		return Response{Outcome: OutcomeReply, Reply: "Nothing to stop."}
	}
}

func thinkHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		if req.Args == "" {
			sess, err := deps.Sessions.GetOrCreate(req.SessionKey)
			if err != nil {
				return Response{Outcome: OutcomeReply, Reply: "status unavailable: " + err.Error()}
			}
			level := sess.ThinkingLevel
			if level == "" {
				level = "default"
			}
			return Response{Outcome: OutcomeReply, Reply: "Thinking level: " + level}
		}

		level, ok := directives.NormalizeThinkToken(req.Args)
		if !ok {
			// "/think high draft a report" is a directive-carrying message,
			// not a command.
			return Response{Outcome: OutcomeContinue}
		}
		if _, err := deps.Sessions.Update(req.SessionKey, sessions.Patch{ThinkingLevel: &level}); err != nil {
			return Response{Outcome: OutcomeReply, Reply: "update failed: " + err.Error()}
		}
		return Response{Outcome: OutcomeReply, Reply: "Thinking level set to " + level}
	}
}

func verboseHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		if req.Args == "" {
			sess, err := deps.Sessions.GetOrCreate(req.SessionKey)
			if err != nil {
				return Response{Outcome: OutcomeReply, Reply: "status unavailable: " + err.Error()}
			}
			level := sess.VerboseLevel
			if level == "" {
				level = "off"
			}
			return Response{Outcome: OutcomeReply, Reply: "Verbose: " + level}
		}

		level, ok := directives.NormalizeVerboseToken(req.Args)
		if !ok {
			return Response{Outcome: OutcomeContinue}
		}
		if _, err := deps.Sessions.Update(req.SessionKey, sessions.Patch{VerboseLevel: &level}); err != nil {
			return Response{Outcome: OutcomeReply, Reply: "update failed: " + err.Error()}
		}
		return Response{Outcome: OutcomeReply, Reply: "Verbose set to " + level}
	}
}

func modelHandler(deps Deps) Handler {
	return func(ctx context.Context, req Request) Response {
		if req.Args == "" {
			sess, err := deps.Sessions.GetOrCreate(req.SessionKey)
			if err != nil {
				return Response{Outcome: OutcomeReply, Reply: "status unavailable: " + err.Error()}
			}
			if sess.ModelOverride != "" {
				return Response{Outcome: OutcomeReply, Reply: "Model: " + sess.ModelOverride + " (session override)"}
			}
			return Response{Outcome: OutcomeReply, Reply: "Model: " + deps.DefaultModel}
		}

		arg := strings.TrimSpace(req.Args)
		if arg == "default" || arg == "clear" {
			empty := ""
			if _, err := deps.Sessions.Update(req.SessionKey, sessions.Patch{ModelOverride: &empty}); err != nil {
				return Response{Outcome: OutcomeReply, Reply: "update failed: " + err.Error()}
			}
			return Response{Outcome: OutcomeReply, Reply: "Model override cleared."}
		}

		ref := arg
		if deps.ResolveModel != nil {
			resolved, err := deps.ResolveModel(arg)
			if err != nil {
				return Response{Outcome: OutcomeReply, Reply: "Unknown model: " + arg}
			}
			ref = resolved
		}
		if _, err := deps.Sessions.Update(req.SessionKey, sessions.Patch{ModelOverride: &ref}); err != nil {
			return Response{Outcome: OutcomeReply, Reply: "update failed: " + err.Error()}
		}
		return Response{Outcome: OutcomeReply, Reply: "Model set to " + ref}
	}
}
