package domain

import (
	"strings"
	"time"

	"github.com/louisbranch/embers/internal/services/notifications/render"
)

const (
	// MessageTypeInteraction nudges a partner after the other side interacts.
	MessageTypeInteraction = render.TypeInteraction
	// MessageTypeStreakWarning warns a user that the streak is about to break.
	MessageTypeStreakWarning = render.TypeStreakWarning
	// MessageTypeStreakMilestone celebrates a milestone day count.
	MessageTypeStreakMilestone = render.TypeStreakMilestone
	// MessageTypeStreakBroken reports a lost streak.
	MessageTypeStreakBroken = render.TypeStreakBroken
	// MessageTypePartnerOpen tells a user their partner opened the app.
	MessageTypePartnerOpen = render.TypePartnerOpen
)

// PartnerActiveWindow suppresses partner-open pushes to partners seen this
// recently.
const PartnerActiveWindow = 2 * time.Minute

// NormalizeMessageType normalizes a message type token.
func NormalizeMessageType(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// ResendInterval returns the minimum time between two pushes of one type to
// the same user. Zero means the type is not gated.
func ResendInterval(messageType string) time.Duration {
	switch NormalizeMessageType(messageType) {
	case MessageTypeInteraction:
		return 5 * time.Minute
	case MessageTypePartnerOpen:
		return 6 * time.Hour
	case MessageTypeStreakWarning:
		return 12 * time.Hour
	case MessageTypeStreakBroken:
		return 24 * time.Hour
	default:
		// Milestones fire once per day count; the tracker already guarantees it.
		return 0
	}
}
