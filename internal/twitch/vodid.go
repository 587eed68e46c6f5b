package twitch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tanq16/vodkeeper/internal/utils"
)

var videoURLRegex = regexp.MustCompile(`^https?://(?:www\.|m\.)?twitch\.tv/videos/(\d+)`)

// ParseVODID accepts a bare numeric id or a twitch.tv/videos/<id> URL.
func ParseVODID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if id, err := strconv.ParseUint(input, 10, 64); err == nil {
		return strconv.FormatUint(id, 10), nil
	}
	if m := videoURLRegex.FindStringSubmatch(input); m != nil {
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err == nil {
			return strconv.FormatUint(id, 10), nil
		}
	}
	return "", utils.Errorf(utils.KindManifestParse, "twitch/vodid", "unable to parse Twitch video URL or ID %q", input)
}
