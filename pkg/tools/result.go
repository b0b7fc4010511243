// Package tools translates the model's structured tool calls into side-effecting operations
// against the glossary, corpus, and snapshot stores, returning tag-delimited textual results.
package tools

// Result is one tool call's outcome: the dispatcher returns a Result, not a Go error, for
// everything except storage-layer failures and malformed or unknown tool calls — the model is meant to see and react to
// domain errors (duplicate term, not found, summon already active) itself.
type Result struct {
	ToolName string
	CallID   string
	Success  bool
	Content  string // tag-delimited text, either the success payload or an <error> element.
}
