package render

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	// TypeInteraction is the push sent to a partner after one side interacts.
	TypeInteraction = "interaction"
	// TypeStreakWarning is the push sent when a streak is close to breaking.
	TypeStreakWarning = "streak_warning"
	// TypeStreakMilestone is the push sent when a milestone day count is reached.
	TypeStreakMilestone = "streak_milestone"
	// TypeStreakBroken is the push sent when a streak has been lost.
	TypeStreakBroken = "streak_broken"
	// TypePartnerOpen is the push sent when a partner opens the app.
	TypePartnerOpen = "partner_open"

	defaultGenericTitle = "Embers"
	defaultGenericBody  = "You have a new notification."
)

// Input is one push render request.
type Input struct {
	Type      string
	Days      int
	HoursLeft int
}

// Output is localized push copy.
type Output struct {
	Title string
	Body  string
}

// Localizer is the minimal message-printer contract required by the renderer.
type Localizer interface {
	Sprintf(key message.Reference, args ...any) string
}

var supported = []language.Tag{language.English, language.Vietnamese}

var matcher = language.NewMatcher(supported)

// PrinterFor returns a message printer for the closest supported locale.
// Unknown or empty locales fall back to English.
func PrinterFor(locale string) *message.Printer {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return message.NewPrinter(language.English)
	}
	tag, _ := language.MatchStrings(matcher, locale)
	base, _ := tag.Base()
	for _, candidate := range supported {
		if cb, _ := candidate.Base(); cb == base {
			return message.NewPrinter(candidate)
		}
	}
	return message.NewPrinter(language.English)
}

// Render returns localized copy for one push type.
func Render(loc Localizer, input Input) Output {
	switch strings.ToLower(strings.TrimSpace(input.Type)) {
	case TypeInteraction:
		return Output{
			Title: localize(loc, "push.interaction.title"),
			Body:  localize(loc, "push.interaction.body"),
		}
	case TypeStreakWarning:
		hours := input.HoursLeft
		if hours < 0 {
			hours = 0
		}
		return Output{
			Title: localize(loc, "push.streak_warning.title"),
			Body:  localize(loc, "push.streak_warning.body", hours),
		}
	case TypeStreakMilestone:
		return Output{
			Title: localize(loc, "push.streak_milestone.title", input.Days),
			Body:  localize(loc, "push.streak_milestone.body", input.Days),
		}
	case TypeStreakBroken:
		return Output{
			Title: localize(loc, "push.streak_broken.title"),
			Body:  localize(loc, "push.streak_broken.body"),
		}
	case TypePartnerOpen:
		return Output{
			Title: localize(loc, "push.partner_open.title"),
			Body:  localize(loc, "push.partner_open.body"),
		}
	default:
		return genericOutput(loc)
	}
}

func genericOutput(loc Localizer) Output {
	return Output{
		Title: localizeWithFallback(loc, "push.generic.title", defaultGenericTitle),
		Body:  localizeWithFallback(loc, "push.generic.body", defaultGenericBody),
	}
}

func localize(loc Localizer, key string, args ...any) string {
	if loc == nil {
		return key
	}
	return loc.Sprintf(key, args...)
}

// localizeWithFallback treats an echoed key as a missing catalog entry.
func localizeWithFallback(loc Localizer, key, fallback string, args ...any) string {
	value := strings.TrimSpace(localize(loc, key, args...))
	if value == "" || value == key {
		return fallback
	}
	return value
}
