package pairing

import "fmt"

// AccessReply is the message sent to an unauthorized user. The wording is
// load-bearing: node apps and docs quote the approver command verbatim.
func AccessReply(provider, principal, code string) string {
	return fmt.Sprintf(`Clawdbot: access not configured.

Your %s id: %s

Pairing code: %s

Ask the bot owner to approve with:
clawdbot pairing approve %s %s`, provider, principal, code, provider, code)
}
