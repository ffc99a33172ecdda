package prompts

import "fmt"

// contextHeaderTemplate opens every memory-enabled request. The single
// format verb is the system prompt. The trailing newline is load-bearing:
// history (or a placeholder line) follows immediately.
const contextHeaderTemplate = `CRITICAL SYSTEM INSTRUCTIONS - READ AND FOLLOW EXACTLY:
%s

IMPORTANT: You MUST reference and build upon the conversation history below. This context is ESSENTIAL to your responses. Always acknowledge when you remember previous topics from our conversation.

CONVERSATION HISTORY (READ CAREFULLY):
`

// contextFooterTemplate closes the history block and carries the current
// user message. Verbs: user message, assistant name.
const contextFooterTemplate = `

END OF CONVERSATION HISTORY

CURRENT USER MESSAGE:
User: %s

REMEMBER: Reference the conversation history above when relevant. You are a %s with full memory of our previous exchanges.`

// firstMessageFooterTemplate replaces the history block and footer when
// there is no history at all. Verbs: user message, assistant name.
const firstMessageFooterTemplate = `
[No previous conversation]

CURRENT USER MESSAGE:
User: %s

REMEMBER: You are a %s. Respond accordingly and acknowledge this is our first interaction.`

// trimmedFooterTemplate is used when history exists but none of it fits
// the budget. Verbs: user message, assistant name.
const trimmedFooterTemplate = `
[History too long - trimmed for this message]

CURRENT USER MESSAGE:
User: %s

REMEMBER: You are a %s. Even though history was trimmed, maintain your role and personality.`

// ContextHeader returns the instruction banner that precedes the
// conversation history.
func ContextHeader(systemPrompt string) string {
	return fmt.Sprintf(contextHeaderTemplate, systemPrompt)
}

// ContextFooter returns the closing banner that follows the conversation
// history, including the current user message.
func ContextFooter(userMessage, assistantName string) string {
	return fmt.Sprintf(contextFooterTemplate, userMessage, assistantName)
}

// FirstMessageFooter returns the banner used in place of history for the
// first message of a conversation.
func FirstMessageFooter(userMessage, assistantName string) string {
	return fmt.Sprintf(firstMessageFooterTemplate, userMessage, assistantName)
}

// TrimmedFooter returns the banner used in place of history when the
// history had to be dropped entirely to fit the budget.
func TrimmedFooter(userMessage, assistantName string) string {
	return fmt.Sprintf(trimmedFooterTemplate, userMessage, assistantName)
}

// FallbackMessage is the last-resort request: a short role statement and
// the raw user message, nothing else.
func FallbackMessage(roleStatement, userMessage string) string {
	return fmt.Sprintf("%s\n\nUser: %s", roleStatement, userMessage)
}

// PreservedMarker is prepended to a trimmed history when the most recent
// identity exchange did not survive trimming.
func PreservedMarker(assistantName string) string {
	return fmt.Sprintf("[IMPORTANT: You are a %s with memory - this context was preserved]", assistantName)
}

// TruncatedMarker stands in for a history of which no exchange fits the
// budget.
const TruncatedMarker = "[History truncated - no exchange fits the memory budget]"
