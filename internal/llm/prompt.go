package llm

import (
	"fmt"

	"github.com/real-rm/notifier/internal/identity"
)

const promptTemplate = `You are a helpful assistant for a personal notifier app shared by two people who care deeply for each other.
The sender, %[2]s, has just sent the predefined message: "%[1]s".
Write a short, expressive and heartfelt elaboration of this sentiment, as if it were an additional thought from %[2]s.
Make it sound personal and warm. Keep it concise, one to three sentences.
Do NOT repeat the predefined message itself. Focus on the feeling behind it.
Do NOT start with "%[2]s is thinking..." or "%[2]s wants to say...". Phrase it directly from the sender's perspective or as an observation of the feeling.
Example: for "Miss you" a good response is "Just a little reminder of how much space you occupy in these thoughts. Already looking forward to being together again."
Example: for "Love you" a good response is "A heart full of warmth for you right now, a gentle reminder of the beautiful connection you share."

Predefined Message: "%[1]s"
Sender: %[2]s
Generated Elaboration:`

// BuildPrompt renders the enrichment prompt for phrase and sender.
func BuildPrompt(phrase string, sender identity.User) string {
	return fmt.Sprintf(promptTemplate, phrase, sender.String())
}
