package stream

import (
	"github.com/lkarlslund/chatbridge/pkg/openai"
	"github.com/tidwall/gjson"
)

// UsageFrom finds the largest token usage object anywhere in event.
func UsageFrom(event gjson.Result) *openai.Usage {
	var best *openai.Usage
	bestScore := 0
	var walk func(v gjson.Result)
	walk = func(v gjson.Result) {
		switch {
		case v.IsObject():
			if u, ok := usageFields(v); ok {
				score := u.TotalTokens
				if score > bestScore {
					bestScore = score
					uu := u
					best = &uu
				}
			}
			v.ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return true
			})
		case v.IsArray():
			v.ForEach(func(_, child gjson.Result) bool {
				walk(child)
				return true
			})
		}
	}
	walk(event)
	return best
}

func usageFields(obj gjson.Result) (openai.Usage, bool) {
	prompt := firstInt(obj, "prompt_tokens", "input_tokens")
	completion := firstInt(obj, "completion_tokens", "output_tokens")
	total := firstInt(obj, "total_tokens")
	if prompt == 0 && completion == 0 && total == 0 {
		return openai.Usage{}, false
	}
	if total == 0 {
		total = prompt + completion
	}
	return openai.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}, true
}

func firstInt(obj gjson.Result, keys ...string) int {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.Number {
			return int(v.Int())
		}
	}
	return 0
}
