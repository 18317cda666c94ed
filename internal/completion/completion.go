// Package completion wraps the text-completion capability the engine
// depends on. The provider is selected once at configuration time and
// injected; output is always treated as untrusted.
package completion

import "context"

// Constraints narrow what the capability may answer with. When Labels
// is set the reply must be exactly one of them; SystemPrompt frames the
// task; MaxTokens bounds the reply.
type Constraints struct {
	SystemPrompt string
	Labels       []string
	MaxTokens    int
}

type Completer interface {
	Complete(ctx context.Context, prompt string, constraints Constraints) (string, error)
}
