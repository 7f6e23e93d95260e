package tokenizer

import (
	"unicode/utf8"

	"github.com/greyhelm/lorekeeper/llm"
	"github.com/greyhelm/lorekeeper/types"
)

// Published flat per-image charges for the non-OpenAI families, used when
// image dimensions are unknown.
const (
	// ImageTokensAnthropic approximates width*height/750 for a 1092×1092
	// input, Anthropic's documented sizing target.
	ImageTokensAnthropic = 1590
	// ImageTokensGemini is Gemini's fixed charge per image.
	ImageTokensGemini = 258
	// ImageTokensDefault is the conservative fallback for local models.
	ImageTokensDefault = 768
)

// Estimator is a character-class token estimator for providers without a
// public vocabulary. It distinguishes CJK from other text for accuracy
// within the ±5% the router tolerates.
type Estimator struct {
	charsPerToken float64
	imageTokens   int
}

// NewEstimator creates an estimator. charsPerToken <= 0 means 4.0 (Latin
// prose); imageTokens <= 0 means ImageTokensDefault.
func NewEstimator(charsPerToken float64, imageTokens int) *Estimator {
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	if imageTokens <= 0 {
		imageTokens = ImageTokensDefault
	}
	return &Estimator{charsPerToken: charsPerToken, imageTokens: imageTokens}
}

func (e *Estimator) CountText(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	// CJK runs ~1.5 chars/token regardless of family.
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/e.charsPerToken)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *Estimator) CountRequest(req *llm.ChatRequest) (int, error) {
	total := conversationOverhead
	for _, m := range req.Messages {
		total += messageOverhead
		if len(m.Parts) > 0 {
			for _, p := range m.Parts {
				switch p.Kind {
				case types.ContentText:
					n, _ := e.CountText(p.Text)
					total += n
				case types.ContentImageURL, types.ContentImageData:
					total += e.imageTokens
				}
			}
		} else {
			n, _ := e.CountText(m.Content)
			total += n
		}
		for _, tc := range m.ToolCalls {
			n, _ := e.CountText(tc.Name)
			total += n + len(tc.Arguments)/4
		}
	}
	for _, t := range req.Tools {
		n, _ := e.CountText(t.Name + t.Description)
		total += n + len(t.Parameters)/4 + 10
	}
	return total, nil
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF, // CJK unified
		r >= 0x3040 && r <= 0x30FF, // hiragana, katakana
		r >= 0xAC00 && r <= 0xD7AF: // hangul
		return true
	}
	return false
}
