package dispatch

import "github.com/forgeworks/foreman/pkg/models"

// charsPerToken is the rough characters-per-token ratio used for estimates.
const charsPerToken = 4

// EstimateTokens approximates the token count of a text.
// This is a length heuristic, not a billing-accurate count.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// estimateUsage builds a TokenEstimate from a prompt and captured output.
func estimateUsage(prompt, output string) models.TokenEstimate {
	return models.TokenEstimate{
		Input:  EstimateTokens(prompt),
		Output: EstimateTokens(output),
	}
}
