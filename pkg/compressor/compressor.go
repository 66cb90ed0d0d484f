// Package compressor implements the Context compressor: it
// decides when a task's conversation has grown past its model's context
// window and drives the one-shot LLM summarization that shrinks it back
// down, handing the result to contextstore.MessageStore.RewriteAfterCompression.
package compressor

import (
	"context"
	"fmt"

	"github.com/coderelay/forgebot/pkg/contextstore"
	"github.com/coderelay/forgebot/pkg/taskdb"
)

// defaultCompressionThreshold and defaultRetainedTail mirror the
// config.ContextStorageConfig defaults: 0.7 of the context window,
// last 5 messages kept verbatim.
const (
	defaultCompressionThreshold = 0.7
	defaultRetainedTail         = 5
)

// defaultSummaryPrompt is used when no summary_prompt template is configured.
const defaultSummaryPrompt = "Summarize the following coding-agent conversation " +
	"so it can be used as context for continuing the task. Preserve any " +
	"decisions made, files touched, and outstanding steps. Be concise.\n\n%s"

// Completer is the one-shot LLM completion the compressor needs: a single
// plain-text prompt in, a plain-text summary out. llmclient.Client satisfies
// this via its own GetResponse machinery is not reused here on purpose —
// compression is a side request that must never itself be persisted as a
// conversation turn.
type Completer interface {
	Complete(ctx context.Context, prompt string) (text string, tokens int, err error)
}

// Options configures one Compressor.
type Options struct {
	ContextLength         int
	CompressionThreshold  float64
	RetainedTailMessages  int
	SummaryPromptTemplate string
}

func (o Options) threshold() float64 {
	if o.CompressionThreshold <= 0 {
		return defaultCompressionThreshold
	}
	return o.CompressionThreshold
}

func (o Options) retainedTail() int {
	if o.RetainedTailMessages <= 0 {
		return defaultRetainedTail
	}
	return o.RetainedTailMessages
}

func (o Options) promptTemplate() string {
	if o.SummaryPromptTemplate == "" {
		return defaultSummaryPrompt
	}
	return o.SummaryPromptTemplate
}

// Compressor drives the compression cycle for one task's Manager.
type Compressor struct {
	mgr       *contextstore.Manager
	completer Completer
	opts      Options
}

// New binds a Compressor to a task's context manager and a completer used
// for the one-shot summarization request.
func New(mgr *contextstore.Manager, completer Completer, opts Options) *Compressor {
	return &Compressor{mgr: mgr, completer: completer, opts: opts}
}

// ShouldCompress compares the current conversation's token count against
// context_length * compression_threshold.
func (c *Compressor) ShouldCompress() (bool, error) {
	total, err := c.mgr.Messages.CurrentTokenCount()
	if err != nil {
		return false, fmt.Errorf("compressor: current token count: %w", err)
	}
	if c.opts.ContextLength <= 0 {
		return false, nil
	}
	return float64(total) >= float64(c.opts.ContextLength)*c.opts.threshold(), nil
}

// MaybeCompress runs ShouldCompress and, if triggered, performs one
// compression pass. It is a no-op when compression isn't needed. A failure
// in the summarization LLM call degrades to skipping compression this
// iteration: MaybeCompress returns a nil error so the caller's loop
// continues uncompressed, and only wraps genuine I/O errors.
func (c *Compressor) MaybeCompress(ctx context.Context) (compressed bool, err error) {
	trigger, err := c.ShouldCompress()
	if err != nil {
		return false, err
	}
	if !trigger {
		return false, nil
	}

	all, err := c.mgr.Messages.ReadAll()
	if err != nil {
		return false, fmt.Errorf("compressor: read conversation: %w", err)
	}
	if len(all) == 0 {
		return false, nil
	}

	// The system prompt lives in current.jsonl (appended once at task start)
	// and must survive every compression so it reaches the next LLM request.
	var system, rest []contextstore.MessageRecord
	for _, rec := range all {
		if rec.Role == contextstore.RoleSystem {
			system = append(system, rec)
		} else {
			rest = append(rest, rec)
		}
	}

	tail := retainedTailOf(rest, c.opts.retainedTail())
	toSummarize := rest[:len(rest)-len(tail)]
	if len(toSummarize) == 0 {
		return false, nil
	}

	prompt := fmt.Sprintf(c.opts.promptTemplate(), renderTranscript(toSummarize))

	summaryText, summaryTokens, err := c.completer.Complete(ctx, prompt)
	if err != nil {
		// Degraded path: skip this iteration, leave current.jsonl
		// untouched so the handler retries compression on the next loop.
		return false, nil
	}

	originalTokens := sumTokens(toSummarize)
	startSeq := toSummarize[0].Seq
	endSeq := toSummarize[len(toSummarize)-1].Seq

	ratio := 0.0
	if originalTokens > 0 {
		ratio = float64(summaryTokens) / float64(originalTokens)
	}

	if _, err := c.mgr.Summaries.Append(contextstore.SummaryRecord{
		StartSeq:       startSeq,
		EndSeq:         endSeq,
		Summary:        summaryText,
		OriginalTokens: originalTokens,
		SummaryTokens:  summaryTokens,
		Ratio:          ratio,
	}); err != nil {
		return false, fmt.Errorf("compressor: append summary record: %w", err)
	}

	retained := make([]contextstore.MessageRecord, 0, len(system)+len(tail))
	retained = append(retained, system...)
	retained = append(retained, tail...)
	if err := c.mgr.Messages.RewriteAfterCompression(summaryText, summaryTokens, retained); err != nil {
		return false, fmt.Errorf("compressor: rewrite current.jsonl: %w", err)
	}

	if err := c.mgr.IncrementStat(ctx, taskdb.StatCompression); err != nil {
		return false, fmt.Errorf("compressor: increment compression_count: %w", err)
	}

	return true, nil
}

// retainedTailOf returns the last n messages whose role is user, assistant,
// or tool. The synthetic role:summary record from a prior compression is
// never itself retained — its content gets folded into the next summary
// instead.
func retainedTailOf(records []contextstore.MessageRecord, n int) []contextstore.MessageRecord {
	var eligible []contextstore.MessageRecord
	for _, rec := range records {
		switch rec.Role {
		case contextstore.RoleUser, contextstore.RoleAssistant, contextstore.RoleTool:
			eligible = append(eligible, rec)
		}
	}
	if len(eligible) <= n {
		return eligible
	}
	return eligible[len(eligible)-n:]
}

func sumTokens(records []contextstore.MessageRecord) int {
	total := 0
	for _, rec := range records {
		total += rec.Tokens
	}
	return total
}

func renderTranscript(records []contextstore.MessageRecord) string {
	out := ""
	for _, rec := range records {
		out += fmt.Sprintf("[%s] %s\n", rec.Role, rec.Content)
	}
	return out
}
