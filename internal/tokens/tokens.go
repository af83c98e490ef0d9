// Package tokens estimates token counts for budgeting before the upstream
// reports real usage. Known models go through tiktoken; everything else falls
// back to the chars/4 heuristic.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackCharsPerToken = 4

// Per-message framing overhead in the OpenAI chat format.
const messageOverhead = 4

// Estimator counts tokens with a per-encoding cache. Safe for concurrent use.
type Estimator struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// Count returns the token count of text for model. Unknown models use the
// chars/4 heuristic.
func (e *Estimator) Count(model, text string) int {
	if enc := e.encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Heuristic(text)
}

// CountMessages estimates the prompt size of a chat request including
// per-message framing overhead.
func (e *Estimator) CountMessages(model string, contents []string) int {
	total := 0
	for _, c := range contents {
		total += e.Count(model, c) + messageOverhead
	}
	return total
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.Lock()
	defer e.mu.Unlock()

	if enc, ok := e.encodings[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.encodings[model] = nil
			return nil
		}
	}
	e.encodings[model] = enc
	return enc
}

// Heuristic is the chars/4 estimate used when no encoding is available and
// for billing partial streamed output.
func Heuristic(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / fallbackCharsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
