package agent

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

var palette = []string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E2", "#F8B88B", "#A2D9CE",
}

// GenerateUserColor picks a display color for a participant.
func GenerateUserColor() string {
	return palette[rand.IntN(len(palette))]
}

// GenerateUserID returns a short random participant ID.
func GenerateUserID() string {
	return "user-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}
