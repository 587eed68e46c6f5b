package twitch

import (
	"fmt"

	"github.com/tanq16/vodkeeper/internal/utils"
)

// Twitch titles go up to 140 characters, the upload title keeps room for the date prefix.
const maxTitleLength = 85

// ArchiveTitle is "[YYYY-MM-DD] <title>" with the title truncated.
func (v *Video) ArchiveTitle() string {
	return fmt.Sprintf("[%s] %s", v.CreatedAt.UTC().Format("2006-01-02"), utils.TruncateString(v.Title, maxTitleLength))
}

func (v *Video) ArchiveDescription() string {
	game := v.Game.DisplayName
	if game == "" {
		game = "Unknown"
	}
	return fmt.Sprintf("Original stream title: %s\nStreamed %s @ https://twitch.tv/%s\nGame: %s\n\nAutomatically archived using %s %s: https://github.com/tanq16/vodkeeper",
		v.Title,
		v.CreatedAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		v.Owner.Login,
		game,
		utils.ToolName,
		utils.Version,
	)
}

func (v *Video) Recording() bool {
	return v.Status == StatusRecording
}
