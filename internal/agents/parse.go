package agents

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mikey/llm-mail-responder/internal/core"
)

// decodeJSON parses a model response into v. Models often wrap the object in
// prose or code fences, so on failure the outermost {...} span is tried.
func decodeJSON(text string, v interface{}) error {
	text = strings.TrimSpace(text)
	err := json.Unmarshal([]byte(text), v)
	if err == nil {
		return nil
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in model response: %v", core.ErrUnusableOutput, err)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: failed to parse model response as JSON: %v", core.ErrUnusableOutput, err)
	}
	return nil
}
