package providers

// Option keys recognized in ChatRequest.Options. Providers translate these
// to their native request fields; unknown keys are ignored.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level"

	// OpenAI o-series reasoning control.
	OptReasoningEffort = "reasoning_effort"

	// DashScope native thinking controls.
	OptEnableThinking = "enable_thinking"
	OptThinkingBudget = "thinking_budget"
)

func stringOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
