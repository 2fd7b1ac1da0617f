package render

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

func init() {
	lang := language.Vietnamese

	message.SetString(lang, "push.generic.title", defaultGenericTitle)
	message.SetString(lang, "push.generic.body", "Bạn có thông báo mới.")
	message.SetString(lang, "push.interaction.title", "🔥 Người ấy vừa ghé thăm")
	message.SetString(lang, "push.interaction.body", "Mở Embers để giữ lửa nhé.")
	message.SetString(lang, "push.streak_warning.title", "🔥 Sắp mất streak")
	message.SetString(lang, "push.streak_warning.body", "Còn %dh để giữ lửa.")
	message.SetString(lang, "push.streak_milestone.title", "🎉 Streak %d ngày!")
	message.SetString(lang, "push.streak_milestone.body", "Hai bạn đã giữ lửa %d ngày.")
	message.SetString(lang, "push.streak_broken.title", "💔 Streak đã mất")
	message.SetString(lang, "push.streak_broken.body", "Cùng bắt đầu lại hôm nay nhé.")
	message.SetString(lang, "push.partner_open.title", "👀 Người ấy vừa vào app")
	message.SetString(lang, "push.partner_open.body", "Gửi một lời chào đi.")
}
