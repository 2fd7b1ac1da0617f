package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.English

	message.SetString(lang, "push.generic.title", defaultGenericTitle)
	message.SetString(lang, "push.generic.body", defaultGenericBody)
	message.SetString(lang, "push.interaction.title", "🔥 Your partner checked in")
	message.SetString(lang, "push.interaction.body", "Open Embers to keep the fire going.")
	message.SetString(lang, "push.streak_warning.title", "🔥 Your streak is about to go out")
	message.SetString(lang, "push.streak_warning.body", "%dh left to keep the fire alive.")
	message.SetString(lang, "push.streak_milestone.title", "🎉 %d day streak!")
	message.SetString(lang, "push.streak_milestone.body", "You two have kept the fire going for %d days.")
	message.SetString(lang, "push.streak_broken.title", "💔 Streak lost")
	message.SetString(lang, "push.streak_broken.body", "Start a new one together today.")
	message.SetString(lang, "push.partner_open.title", "👀 Your partner just opened the app")
	message.SetString(lang, "push.partner_open.body", "Say hi while they are here.")
}
