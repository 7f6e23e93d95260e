package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
	"github.com/pkoukk/tiktoken-go"
)

// imageTokensOpenAI is the flat charge for an image when dimensions are
// unknown: the 85-token base plus four 170-token tiles, matching OpenAI's
// published high-detail rule for a 1024×1024 input.
const imageTokensOpenAI = 85 + 4*170

// BPECounter counts tokens with the same BPE vocabulary the provider bills
// with. Used for the openai and copilot adapters.
type BPECounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewBPECounter selects the encoding for the given model family.
func NewBPECounter(model string) *BPECounter {
	encoding := "o200k_base"
	if strings.HasPrefix(model, "gpt-4-") || strings.HasPrefix(model, "gpt-3.5") {
		encoding = "cl100k_base"
	}
	return &BPECounter{encoding: encoding}
}

// init lazily loads the encoding; first use may read the vocabulary from
// the tiktoken cache.
func (c *BPECounter) init() error {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(c.encoding)
		if err != nil {
			c.initErr = fmt.Errorf("init tiktoken encoding %s: %w", c.encoding, err)
			return
		}
		c.enc = enc
	})
	return c.initErr
}

func (c *BPECounter) CountText(text string) (int, error) {
	if err := c.init(); err != nil {
		return 0, err
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

func (c *BPECounter) CountRequest(req *llm.ChatRequest) (int, error) {
	if err := c.init(); err != nil {
		return 0, err
	}
	total := conversationOverhead
	for _, m := range req.Messages {
		total += messageOverhead
		total += len(c.enc.Encode(string(m.Role), nil, nil))
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Kind {
				case types.ContentText:
					total += len(c.enc.Encode(p.Text, nil, nil))
				case types.ContentImageURL, types.ContentImageData:
					total += imageTokensOpenAI
				}
			}
		} else {
			total += len(c.enc.Encode(m.Content, nil, nil))
		}
		for _, tc := range m.ToolCalls {
			total += len(c.enc.Encode(tc.Name, nil, nil))
			total += len(c.enc.Encode(string(tc.Arguments), nil, nil))
		}
	}
	for _, t := range req.Tools {
		total += len(c.enc.Encode(t.Name, nil, nil))
		total += len(c.enc.Encode(t.Description, nil, nil))
		total += len(c.enc.Encode(string(t.Parameters), nil, nil))
		total += 10
	}
	return total, nil
}
