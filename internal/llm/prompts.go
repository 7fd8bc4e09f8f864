// ABOUTME: Prompt construction for persona, group and planner requests
// ABOUTME: Also resolves participant ids into display names

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/2389/parlor/internal/store"
)

// PlannerPrompt instructs the model to emit a chunk plan and nothing else.
const PlannerPrompt = `You turn a planned reply into a short sequence of chat messages sent one after another.
Output only a JSON array. Each element is an object with two keys:
  "content": the text of one message
  "delay_seconds": seconds to wait before sending it, a number from 0 to 10
Keep the messages natural and in the persona's voice. Use short delays for short messages.
Example:
[
  {"content": "Good question.", "delay_seconds": 1},
  {"content": "The short answer is yes, with one caveat.", "delay_seconds": 2}
]`

// PersonaPrompt is the system entry of an AI conversation.
func PersonaPrompt(ai *store.AI) string {
	prompt := fmt.Sprintf("You are %s with personality %s.", nameOr(ai.Name, "an AI"), nameOr(ai.Personality, store.DefaultPersonality))
	if d := strings.TrimSpace(ai.Details); d != "" {
		prompt += " " + d
	}
	return prompt
}

// GroupPrompt is the system entry of a group conversation. ai may be nil when
// the group has no AI participant.
func GroupPrompt(ai *store.AI, names []string) string {
	participants := strings.Join(names, ", ")
	if ai == nil {
		return fmt.Sprintf("This is a group chat with participants: %s. Please respond appropriately.", participants)
	}
	details := strings.TrimSpace(ai.Details)
	if details == "" {
		details = "An AI assistant."
	}
	return fmt.Sprintf("You are %s, an AI participant in this group chat. Your personality is %s. %s Participants: %s. Respond appropriately in character.",
		nameOr(ai.Name, "AI"), nameOr(ai.Personality, store.DefaultPersonality), details, participants)
}

// GroupInput is the prompt asking the group AI to answer one message.
func GroupInput(aiName, sender, message string) string {
	if sender == "" {
		return fmt.Sprintf("As %s, respond to this group chat message: %s", aiName, message)
	}
	return fmt.Sprintf("As %s, respond to this group chat message from %s: %s", aiName, sender, message)
}

// IntentPrompt is the system prompt for Decide.
func IntentPrompt(user *store.User, ai *store.AI, history []store.HistoryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", PersonaPrompt(ai))
	fmt.Fprintf(&b, "You are chatting with %s.\n", displayUser(user))
	b.WriteString("Before replying, describe in a few sentences what you will say next and in what tone. ")
	b.WriteString("Stay helpful, honest and in character.\n\n")
	b.WriteString("Conversation so far:\n")
	writeTranscript(&b, history)
	return b.String()
}

// PlanRequest is the user message for PlanChunks.
func PlanRequest(history []store.HistoryEntry, user *store.User, ai *store.AI, message, intent string) string {
	var b strings.Builder
	b.WriteString("Conversation history:\n")
	writeTranscript(&b, history)
	fmt.Fprintf(&b, "\nLatest message: %s\n", message)
	fmt.Fprintf(&b, "User name: %s\n", displayUser(user))
	fmt.Fprintf(&b, "Persona: %s\n", PersonaPrompt(ai))
	fmt.Fprintf(&b, "Planned reply: %s\n", intent)
	return b.String()
}

func writeTranscript(b *strings.Builder, history []store.HistoryEntry) {
	for _, e := range history {
		if e.Role == store.RoleSystem {
			continue
		}
		who := string(e.Role)
		if e.Sender != "" {
			who = e.Sender
		}
		fmt.Fprintf(b, "%s: %s\n", who, e.Content)
	}
}

func displayUser(u *store.User) string {
	if u == nil || u.Username == "" {
		return "the user"
	}
	return u.Username
}

func nameOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

// Directory looks up participants by id
type Directory interface {
	GetUserByID(ctx context.Context, id string) (*store.User, error)
	GetAIByID(ctx context.Context, id string) (*store.AI, error)
}

// ParticipantName resolves id as a user first, then as an AI, falling back
// to the id itself. Lookup errors are treated as a miss.
func ParticipantName(ctx context.Context, dir Directory, id string) string {
	if u, err := dir.GetUserByID(ctx, id); err == nil && u.Username != "" {
		return u.Username
	}
	if ai, err := dir.GetAIByID(ctx, id); err == nil && ai.Name != "" {
		return ai.Name
	}
	return id
}

// ParticipantNames resolves every id in order
func ParticipantNames(ctx context.Context, dir Directory, ids []string) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = ParticipantName(ctx, dir, id)
	}
	return names
}
