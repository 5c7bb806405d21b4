package openai

import "encoding/json"

const DoneEvent = "data: [DONE]\n\n"

// SSE frames v as one server-sent event.
func SSE(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return "data: " + string(b) + "\n\n", nil
}

func StringPtr(s string) *string { return &s }
