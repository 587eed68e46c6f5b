package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
	"github.com/tanq16/vodkeeper/internal/youtube"
)

// Load reads .env (or the given files) into the process environment.
// Variables already set in the environment win. A missing file is not an
// error.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return utils.NewError(utils.KindFilesystem, "config/env", err)
		}
		log.Debug().Str("op", "config/env").Msgf("Loaded environment from %s", p)
	}
	return nil
}

// GetEnv returns the variable named by key, or fallback if unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer variable named by key, or fallback if unset
// or not a number.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
		log.Warn().Str("op", "config/env").Msgf("Ignoring %s=%q, not a number", key, s)
	}
	return fallback
}

func YouTubeCredentials() youtube.Credentials {
	return youtube.Credentials{
		AccessToken:  GetEnv(utils.EnvYouTubeToken, ""),
		RefreshToken: GetEnv(utils.EnvYouTubeRefresh, ""),
		ClientID:     GetEnv(utils.EnvGoogleClientID, ""),
		ClientSecret: GetEnv(utils.EnvGoogleClientSecret, ""),
	}
}

// TwitchAuth is the app client id and user token EventSub needs.
type TwitchAuth struct {
	ClientID    string
	AccessToken string
}

func Twitch() TwitchAuth {
	return TwitchAuth{
		ClientID:    GetEnv(utils.EnvTwitchClientID, ""),
		AccessToken: GetEnv(utils.EnvTwitchAccessToken, ""),
	}
}

func (a TwitchAuth) Complete() bool {
	return a.ClientID != "" && a.AccessToken != ""
}
