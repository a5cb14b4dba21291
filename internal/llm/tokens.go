package llm

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt size in model tokens.
type TokenCounter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts with a BPE encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter selects the encoding for model, falling back to
// cl100k_base for models tiktoken does not know (Gemini included).
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateCounter is the dependency-free fallback: roughly four bytes per
// token.
type EstimateCounter struct{}

func (EstimateCounter) CountTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// BudgetFiles keeps files in order until the token budget is spent. Files
// that do not fit are returned by path in skipped. A budget <= 0 keeps
// everything.
func BudgetFiles(counter TokenCounter, files []FileContext, budget int) (kept []FileContext, skipped []string) {
	if counter == nil {
		counter = EstimateCounter{}
	}
	if budget <= 0 {
		return files, nil
	}
	used := 0
	for _, f := range files {
		cost := counter.CountTokens(f.Path) + counter.CountTokens(f.Body)
		if used+cost > budget {
			skipped = append(skipped, f.Path)
			continue
		}
		used += cost
		kept = append(kept, f)
	}
	return kept, skipped
}
