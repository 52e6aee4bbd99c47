package bootstrap

// Workspace file names the gateway seeds and the agent reads at turn start.
const (
	AgentsFile    = "AGENTS.md"
	SoulFile      = "SOUL.md"
	ToolsFile     = "TOOLS.md"
	IdentityFile  = "IDENTITY.md"
	UserFile      = "USER.md"
	HeartbeatFile = "HEARTBEAT.md"
	BootstrapFile = "BOOTSTRAP.md"
)

// PromptOrder is the order workspace files are injected into the system
// prompt. BOOTSTRAP.md comes last so its one-time ritual reads after the
// standing instructions.
var PromptOrder = []string{
	AgentsFile,
	SoulFile,
	ToolsFile,
	IdentityFile,
	UserFile,
	BootstrapFile,
}
