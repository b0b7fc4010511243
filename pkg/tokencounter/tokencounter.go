// Package tokencounter implements the harness's budget accounting: a remote-primary,
// local-fallback token counter.
package tokencounter

import (
	"context"
	"math"

	"github.com/tiktoken-go/tokenizer"

	"terrarium-annotator/pkg/llmclient"
	"terrarium-annotator/pkg/logx"
)

// MessageOverhead is the default per-message token overhead for role/formatting framing.
const MessageOverhead = 4

// ToolCallOverhead is the default per-tool-call token overhead.
const ToolCallOverhead = 10

// Counter counts tokens in text and message lists, preferring the LLM server's tokenize
// endpoint and falling back to a character-ratio heuristic (optionally refined by a local
// tiktoken encoding) once the remote path has failed once.
//
// Once fallback triggers it latches for the counter's lifetime, matching the reference
// implementation: a counter that flips back and forth between the two would make budget
// accounting visibly inconsistent across a long run.
type Counter struct {
	client            llmclient.Client
	codec             tokenizer.Codec // optional local estimator; nil if the model has no known encoding.
	charsPerToken     float64
	messageOverhead   int
	toolCallOverhead  int
	verificationRatio float64

	usingFallback  bool
	fallbackWarned bool

	logger *logx.Logger
}

// Options configures a Counter. Client may be nil to always use the heuristic.
type Options struct {
	Client           llmclient.Client
	CharsPerToken    float64
	MessageOverhead  int
	ToolCallOverhead int
	// VerificationRatio is the fraction of the context budget below which CountAgainstBudget
	// trusts the heuristic outright, only cross-checking against the remote tokenizer once
	// usage crosses it. Defaults to 0.60.
	VerificationRatio float64
	// EncodingModel, when it maps to a known tiktoken encoding, sharpens the local fallback
	// estimate beyond the flat character ratio. Empty or unknown models use the ratio alone.
	EncodingModel string
}

// New builds a Counter per opts, defaulting zero-valued fields to their standard values.
func New(opts Options) *Counter {
	if opts.CharsPerToken <= 0 {
		opts.CharsPerToken = 4.0
	}
	if opts.MessageOverhead <= 0 {
		opts.MessageOverhead = MessageOverhead
	}
	if opts.ToolCallOverhead <= 0 {
		opts.ToolCallOverhead = ToolCallOverhead
	}
	if opts.VerificationRatio <= 0 {
		opts.VerificationRatio = 0.60
	}

	var codec tokenizer.Codec
	if opts.EncodingModel != "" {
		if c, err := tokenizer.ForModel(tokenizer.Model(opts.EncodingModel)); err == nil {
			codec = c
		}
	}

	return &Counter{
		client:            opts.Client,
		codec:             codec,
		charsPerToken:     opts.CharsPerToken,
		messageOverhead:   opts.MessageOverhead,
		toolCallOverhead:  opts.ToolCallOverhead,
		verificationRatio: opts.VerificationRatio,
		usingFallback:     opts.Client == nil,
		logger:            logx.NewLogger("tokencounter"),
	}
}

// CountAgainstBudget estimates tokens for text given the current running total and the
// configured context budget. Below the verification ratio it trusts the heuristic outright
// (cheap, no remote round-trip); once usage crosses that ratio it cross-checks with the
// remote tokenizer instead.
func (c *Counter) CountAgainstBudget(ctx context.Context, text string, currentTokens, budget int) int {
	if c.usingFallback || budget <= 0 {
		return c.heuristicCount(text)
	}
	ratio := float64(currentTokens) / float64(budget)
	if ratio < c.verificationRatio {
		return c.heuristicCount(text)
	}
	return c.Count(ctx, text)
}

// UsingFallback reports whether the remote tokenize endpoint has failed and the counter has
// latched onto the local heuristic for the rest of the run.
func (c *Counter) UsingFallback() bool {
	return c.usingFallback
}

// Count returns the token count of a single block of text, preferring the remote tokenizer.
func (c *Counter) Count(ctx context.Context, text string) int {
	if c.usingFallback {
		return c.heuristicCount(text)
	}

	tokens, err := c.client.Tokenize(ctx, text)
	if err != nil {
		if !c.fallbackWarned {
			c.logger.Warn("tokenize endpoint failed, falling back to heuristic: %v", err)
			c.fallbackWarned = true
		}
		c.usingFallback = true
		return c.heuristicCount(text)
	}
	return len(tokens)
}

// CountMessages estimates the token count of a full message list using the heuristic only,
// never the remote endpoint — per-message remote calls would spam the tokenize endpoint for
// marginal accuracy.
func (c *Counter) CountMessages(messages []llmclient.Message) int {
	total := 0
	for _, msg := range messages {
		if msg.Content != "" {
			total += c.heuristicCount(msg.Content)
		}
		total += c.messageOverhead

		for _, tc := range msg.ToolCalls {
			if tc.Name != "" {
				total += c.heuristicCount(tc.Name)
			}
			if tc.Arguments != "" {
				total += c.heuristicCount(tc.Arguments)
			}
			total += c.toolCallOverhead
		}
	}
	return total
}

func (c *Counter) heuristicCount(text string) int {
	if text == "" {
		return 0
	}
	if c.codec != nil {
		if n, err := c.codec.Count(text); err == nil {
			return n
		}
	}
	return max(1, int(math.Ceil(float64(len(text))/c.charsPerToken)))
}
