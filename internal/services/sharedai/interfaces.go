package sharedai

import (
	"context"

	"collab-engine/internal/models"
	"collab-engine/internal/services/collaboration"
)

/*
LEARNING: GO INTERFACE BEST PRACTICE

"Accept interfaces, return structs" - Rob Pike

Interfaces are defined where they are USED, not where implemented. This
package consumes sessions and a text generator, so it declares exactly the
methods it calls and nothing more. The collaboration package in turn declares
the AIAssistant interface that Integration satisfies, so neither side imports
a type it doesn't need.
*/

// GenerateFunc produces the assistant's next message for a conversation.
// The openai and anthropic clients' Generate methods have this signature.
type GenerateFunc func(ctx context.Context, contextID string, messages []models.GenerationMessage) (string, error)

// SessionLookup is what Integration needs from the session manager.
type SessionLookup interface {
	GetSession(id string) (*collaboration.Session, bool)
}

var _ collaboration.AIAssistant = (*Integration)(nil)
