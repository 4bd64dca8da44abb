package instrument

// Canonical span attribute keys. Both the gen_ai.* and ai.* namespaces are
// written for every call so downstream aggregation can join across
// providers without knowing which SDK produced the span.
const (
	AttrGenAISystem            = "gen_ai.system"
	AttrGenAIRequestModel      = "gen_ai.request.model"
	AttrGenAIRequestTemp       = "gen_ai.request.temperature"
	AttrGenAIRequestMaxTokens  = "gen_ai.request.max_tokens" // #nosec G101 -- token counts, not credentials
	AttrGenAIResponseLatencyMS = "gen_ai.response.latency_ms"

	AttrGenAIUsagePromptTokens     = "gen_ai.usage.prompt_tokens"     // #nosec G101
	AttrGenAIUsageCompletionTokens = "gen_ai.usage.completion_tokens" // #nosec G101
	AttrGenAIUsageTotalTokens      = "gen_ai.usage.total_tokens"      // #nosec G101

	AttrAIProvider         = "ai.provider"
	AttrAIModel            = "ai.model"
	AttrAIPromptTokens     = "ai.prompt_tokens"     // #nosec G101
	AttrAICompletionTokens = "ai.completion_tokens" // #nosec G101
	AttrAITotalTokens      = "ai.total_tokens"      // #nosec G101

	AttrError        = "error"
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// UsageAttributeKeys lists the six usage attributes written when a response
// carries a usage object.
var UsageAttributeKeys = []string{
	AttrGenAIUsagePromptTokens,
	AttrGenAIUsageCompletionTokens,
	AttrGenAIUsageTotalTokens,
	AttrAIPromptTokens,
	AttrAICompletionTokens,
	AttrAITotalTokens,
}

const (
	unknownModel        = "unknown"
	unknownErrorMessage = "Unknown error"
)
