// Package prompts contains the text blendchat sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration lives in config.yaml and the persona file; this
// package holds the banners that wrap conversation history, the identity
// exchanges that seed and reinforce memory, and the persona loader.
//
// Convention: each prompt category gets its own file (system.go, context.go,
// persona.go) with exported functions that accept the dynamic parts and
// return the fully interpolated string.
package prompts
