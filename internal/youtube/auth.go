package youtube

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const UploadScope = "https://www.googleapis.com/auth/youtube.upload"

type Credentials struct {
	AccessToken  string
	RefreshToken string
	ClientID     string
	ClientSecret string
	// TokenURL overrides the Google token endpoint.
	TokenURL string
}

// CanRefresh reports whether access tokens can be renewed, which long
// monitor sessions need since Google tokens expire after an hour.
func (c Credentials) CanRefresh() bool {
	return c.RefreshToken != "" && c.ClientID != "" && c.ClientSecret != ""
}

// TokenSource builds the token source handed to the uploader. A refresh
// token takes precedence over a bare access token.
func TokenSource(ctx context.Context, creds Credentials) (oauth2.TokenSource, error) {
	if creds.CanRefresh() {
		endpoint := google.Endpoint
		if creds.TokenURL != "" {
			endpoint.TokenURL = creds.TokenURL
		}
		config := &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{UploadScope},
		}
		// The access token's expiry is unknown, so the first call refreshes
		// instead of trusting it forever.
		token := &oauth2.Token{RefreshToken: creds.RefreshToken}
		if creds.AccessToken != "" {
			log.Debug().Str("op", "youtube/auth").Msgf("%s is replaced by a refreshed token", utils.EnvYouTubeToken)
		}
		log.Debug().Str("op", "youtube/auth").Msg("Using refresh token for YouTube access")
		return oauth2.ReuseTokenSource(token, config.TokenSource(ctx, token)), nil
	}
	if creds.AccessToken != "" {
		if creds.RefreshToken != "" {
			log.Warn().Str("op", "youtube/auth").Msgf("%s is set without %s and %s, the token will not be renewed",
				utils.EnvYouTubeRefresh, utils.EnvGoogleClientID, utils.EnvGoogleClientSecret)
		}
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}), nil
	}
	return nil, utils.Errorf(utils.KindAuthentication, "youtube/auth", "no YouTube credentials: set %s or %s with %s and %s",
		utils.EnvYouTubeToken, utils.EnvYouTubeRefresh, utils.EnvGoogleClientID, utils.EnvGoogleClientSecret)
}
