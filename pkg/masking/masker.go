package masking

// Masker is the interface for code-based maskers MaskingService applies to
// MCP tool results and forge comments that need structural awareness
// beyond regex pattern matching — e.g. a tool result containing a rendered
// Kubernetes manifest, where only the Secret's data/stringData values should
// be redacted and the surrounding YAML/JSON must stay intact.
type Masker interface {
	// Name returns the unique identifier for this masker.
	// Must match the key in config.GetBuiltinConfig().CodeMaskers.
	Name() string

	// AppliesTo performs a lightweight check on whether this masker
	// should process the data. Should be fast (string contains, not parsing).
	AppliesTo(data string) bool

	// Mask applies masking logic and returns the masked result.
	// Must be defensive: return original data on parse/processing errors.
	Mask(data string) string
}
