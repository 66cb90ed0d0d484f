package config

// TaskSourceType selects which forge the producer/consumer target.
type TaskSourceType string

const (
	TaskSourceGitHub TaskSourceType = "github"
	TaskSourceGitLab TaskSourceType = "gitlab"
)

// IsValid reports whether the task source is a recognized forge.
func (t TaskSourceType) IsValid() bool {
	return t == TaskSourceGitHub || t == TaskSourceGitLab
}

// TransportType defines MCP server transport types
type TransportType string

const (
	// TransportTypeStdio uses subprocess communication via stdin/stdout
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP uses HTTP/HTTPS JSON-RPC
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE uses Server-Sent Events
	TransportTypeSSE TransportType = "sse"
)

// IsValid checks if the transport type is valid
func (t TransportType) IsValid() bool {
	return t == TransportTypeStdio || t == TransportTypeHTTP || t == TransportTypeSSE
}

// LLMProviderType defines supported LLM providers
type LLMProviderType string

const (
	// LLMProviderTypeGoogle is Google Gemini API
	LLMProviderTypeGoogle LLMProviderType = "google"
	// LLMProviderTypeOpenAI is OpenAI API
	LLMProviderTypeOpenAI LLMProviderType = "openai"
	// LLMProviderTypeAnthropic is Anthropic Claude API
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
	// LLMProviderTypeXAI is xAI Grok API
	LLMProviderTypeXAI LLMProviderType = "xai"
	// LLMProviderTypeVertexAI is Google Vertex AI
	LLMProviderTypeVertexAI LLMProviderType = "vertexai"
)

// IsValid checks if the LLM provider type is valid
func (t LLMProviderType) IsValid() bool {
	switch t {
	case LLMProviderTypeGoogle,
		LLMProviderTypeOpenAI,
		LLMProviderTypeAnthropic,
		LLMProviderTypeXAI,
		LLMProviderTypeVertexAI:
		return true
	default:
		return false
	}
}

// GoogleNativeTool defines Google/Gemini native tools
type GoogleNativeTool string

const (
	// GoogleNativeToolGoogleSearch enables Google Search grounding
	GoogleNativeToolGoogleSearch GoogleNativeTool = "google_search"
	// GoogleNativeToolCodeExecution enables code execution
	GoogleNativeToolCodeExecution GoogleNativeTool = "code_execution"
	// GoogleNativeToolURLContext enables URL context fetching
	GoogleNativeToolURLContext GoogleNativeTool = "url_context"
)

// IsValid checks if the Google native tool is valid
func (t GoogleNativeTool) IsValid() bool {
	return t == GoogleNativeToolGoogleSearch ||
		t == GoogleNativeToolCodeExecution ||
		t == GoogleNativeToolURLContext
}

// TaskHandlerStrategy selects which per-task execution strategy handles a task.
type TaskHandlerStrategy string

const (
	TaskHandlerLegacy         TaskHandlerStrategy = "legacy"
	TaskHandlerContextStorage TaskHandlerStrategy = "context_storage"
	TaskHandlerPlanning       TaskHandlerStrategy = "planning"
)

// IsValid reports whether the strategy name is recognized.
func (s TaskHandlerStrategy) IsValid() bool {
	switch s {
	case TaskHandlerLegacy, TaskHandlerContextStorage, TaskHandlerPlanning:
		return true
	default:
		return false
	}
}

// PlanningStrategy selects how the Planning coordinator decomposes a task.
type PlanningStrategy string

const (
	PlanningStrategySingleShot   PlanningStrategy = "single_shot"
	PlanningStrategyIterative    PlanningStrategy = "iterative"
	PlanningStrategyHierarchical PlanningStrategy = "hierarchical"
)

// IsValid reports whether the planning strategy name is recognized.
func (s PlanningStrategy) IsValid() bool {
	switch s {
	case PlanningStrategySingleShot, PlanningStrategyIterative, PlanningStrategyHierarchical:
		return true
	default:
		return false
	}
}
