package interrogate

import openai "github.com/sashabaranov/go-openai"

// EstimateTokens approximates the token count of a text. Four characters
// per token is close enough for window budgeting; exact tokenizers are a
// model-specific dependency this service avoids.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

func messagesTokens(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		// Role and framing overhead per message.
		total += EstimateTokens(m.Content) + 4
	}
	return total
}

// trimToWindow drops the oldest non-system messages until the estimated
// prompt size fits in budget tokens. System messages always survive. A
// non-positive budget keeps only the system messages.
func trimToWindow(messages []openai.ChatCompletionMessage, budget int) []openai.ChatCompletionMessage {
	if budget <= 0 {
		var out []openai.ChatCompletionMessage
		for _, m := range messages {
			if m.Role == openai.ChatMessageRoleSystem {
				out = append(out, m)
			}
		}
		return out
	}

	out := make([]openai.ChatCompletionMessage, len(messages))
	copy(out, messages)

	for messagesTokens(out) > budget {
		dropped := false
		for i, m := range out {
			if m.Role == openai.ChatMessageRoleSystem {
				continue
			}
			out = append(out[:i], out[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return out
}
