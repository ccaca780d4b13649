// Package llm defines the model oracle used by the conversation layer: a
// decision call that either answers in text or proposes one function call,
// and an independent summary call over a single tool result. Provider
// adapters live in sub-packages.
package llm
