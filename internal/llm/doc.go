// Package llm wraps an OpenAI-compatible chat model (through langchaingo)
// for the three generation steps parlor needs: a plain reply for group
// conversations, an intent for an AI turn, and the timed chunk plan that the
// scheduler delivers.
package llm
