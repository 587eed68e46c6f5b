package utils

const DefaultBufferSize = 1024 * 1024 * 4 // 4MB socket buffer

const ToolName = "vodkeeper"

// Overridden at build time through -ldflags.
var Version = "dev"

var ToolUserAgent = ToolName + "/" + Version + " (+https://github.com/tanq16/vodkeeper)"

const (
	EnvYouTubeToken       = "OAUTH_TOKEN"
	EnvYouTubeRefresh     = "REFRESH_TOKEN"
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	EnvTwitchAccessToken  = "TWITCH_OAUTH_ACCESS_TOKEN"
	EnvTwitchClientID     = "TWITCH_CLIENT_ID"
	EnvRedisAddr          = "VODKEEPER_REDIS_ADDR"
)

// RunDirPrefix names per-VOD working directories under the temp dir.
const RunDirPrefix = "vodkeeper-"
