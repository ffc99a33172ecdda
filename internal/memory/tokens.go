package memory

import "unicode/utf8"

// charsPerToken is the rough characters-per-token ratio used for every
// budget decision. Good enough for staying inside a context window, not
// for billing.
const charsPerToken = 4

// EstimateTokens approximates the token count of text as its character
// count divided by four. Characters are Unicode code points.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / charsPerToken
}

// charCount is the numerator of EstimateTokens. Trimming accounts in
// characters so that the estimate of the joined history is exact.
func charCount(text string) int {
	return utf8.RuneCountInString(text)
}
