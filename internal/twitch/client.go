package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/vodkeeper/internal/utils"
)

const (
	DefaultGQLURL   = "https://gql.twitch.tv/gql"
	DefaultUsherURL = "https://usher.ttvnw.net"
	// PublicClientID is the client id the twitch.tv web player uses for GQL.
	PublicClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
)

const (
	StatusRecorded  = "RECORDED"
	StatusRecording = "RECORDING"
)

type Video struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	CreatedAt     time.Time `json:"createdAt"`
	LengthSeconds int64     `json:"lengthSeconds"`
	ViewCount     int64     `json:"viewCount"`
	Status        string    `json:"status"`
	Game          struct {
		DisplayName string `json:"displayName"`
	} `json:"game"`
	Owner struct {
		Login       string `json:"login"`
		DisplayName string `json:"displayName"`
	} `json:"owner"`
}

type PlaybackToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

type Client struct {
	http     utils.HTTPDoer
	retry    utils.RetryPolicy
	GQLURL   string
	UsherURL string
	ClientID string
	// OAuthToken is sent with playback token requests for subscriber-only VODs.
	OAuthToken string
}

func NewClient(httpClient utils.HTTPDoer, retry utils.RetryPolicy) *Client {
	return &Client{
		http:     httpClient,
		retry:    retry,
		GQLURL:   DefaultGQLURL,
		UsherURL: DefaultUsherURL,
		ClientID: PublicClientID,
	}
}

const videoFields = `id
	title
	description
	createdAt
	lengthSeconds
	viewCount
	status
	game { displayName }
	owner { login, displayName }`

const videoInfoQuery = `query VideoInfo($id: ID) {
	video(id: $id) {
	` + videoFields + `
	}
}`

const channelVideosQuery = `query LatestChannelVideo($id: ID, $type: BroadcastType = ARCHIVE, $limit: Int = 10) {
	user(id: $id) {
		videos(first: $limit, type: $type) {
			edges { node {
			` + videoFields + `
			} }
		}
	}
}`

const playbackTokenQuery = `query GetPlaybackAccessToken($id: ID!) {
	videoPlaybackAccessToken(
		id: $id
		params: {platform: "web", playerBackend: "mediaplayer", playerType: "embed"}
	) {
		value
		signature
	}
}`

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlError struct {
	Message string `json:"message"`
}

// VideoInfo fetches VOD metadata. A missing or deleted video is a parse
// error since nothing can be archived.
func (c *Client) VideoInfo(ctx context.Context, vodID string) (*Video, error) {
	var resp struct {
		Video *Video `json:"video"`
	}
	if err := c.gql(ctx, videoInfoQuery, map[string]any{"id": vodID}, false, &resp); err != nil {
		return nil, err
	}
	if resp.Video == nil {
		return nil, utils.Errorf(utils.KindManifestParse, "twitch/client", "video %s is inaccessible or does not exist", vodID)
	}
	return resp.Video, nil
}

// ChannelVideos lists the most recent archived broadcasts of a channel.
func (c *Client) ChannelVideos(ctx context.Context, channelID string) ([]Video, error) {
	var resp struct {
		User *struct {
			Videos struct {
				Edges []struct {
					Node Video `json:"node"`
				} `json:"edges"`
			} `json:"videos"`
		} `json:"user"`
	}
	if err := c.gql(ctx, channelVideosQuery, map[string]any{"id": channelID}, false, &resp); err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, utils.Errorf(utils.KindManifestParse, "twitch/client", "channel %s not found", channelID)
	}
	videos := make([]Video, 0, len(resp.User.Videos.Edges))
	for _, edge := range resp.User.Videos.Edges {
		videos = append(videos, edge.Node)
	}
	return videos, nil
}

func (c *Client) PlaybackAccessToken(ctx context.Context, vodID string) (PlaybackToken, error) {
	var resp struct {
		Token *PlaybackToken `json:"videoPlaybackAccessToken"`
	}
	if err := c.gql(ctx, playbackTokenQuery, map[string]any{"id": vodID}, true, &resp); err != nil {
		return PlaybackToken{}, err
	}
	if resp.Token == nil || resp.Token.Value == "" {
		return PlaybackToken{}, utils.Errorf(utils.KindAuthentication, "twitch/client", "no playback token for video %s, the VOD might be private", vodID)
	}
	return *resp.Token, nil
}

// MasterURL builds the usher URL of a VOD's master playlist.
func (c *Client) MasterURL(vodID string, token PlaybackToken) string {
	q := url.Values{}
	q.Set("sig", token.Signature)
	q.Set("token", token.Value)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("platform", "web")
	q.Set("player_backend", "mediaplayer")
	q.Set("playlist_include_framerate", "true")
	q.Set("supported_codecs", "av1,h265,h264")
	return fmt.Sprintf("%s/vod/%s.m3u8?%s", c.UsherURL, vodID, q.Encode())
}

// ResolveMaster fetches a playback token and returns the master playlist URL.
func (c *Client) ResolveMaster(ctx context.Context, vodID string) (string, error) {
	token, err := c.PlaybackAccessToken(ctx, vodID)
	if err != nil {
		return "", err
	}
	return c.MasterURL(vodID, token), nil
}

func (c *Client) gql(ctx context.Context, query string, vars map[string]any, authed bool, out any) error {
	payload, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return utils.NewError(utils.KindManifestParse, "twitch/gql", err)
	}
	var body []byte
	err = c.retry.Do(ctx, func(attempt int) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.GQLURL, bytes.NewReader(payload))
		if err != nil {
			return utils.NewError(utils.KindNetwork, "twitch/gql", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Client-ID", c.ClientID)
		if authed && c.OAuthToken != "" {
			req.Header.Set("Authorization", "OAuth "+c.OAuthToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debug().Str("op", "twitch/gql").Msgf("Attempt %d failed: %v", attempt, err)
			return utils.Transient(utils.NewError(utils.KindNetwork, "twitch/gql", err))
		}
		defer utils.DrainClose(resp.Body)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return utils.Errorf(utils.KindAuthentication, "twitch/gql", "GQL request rejected with status %d", resp.StatusCode)
		case utils.RetryableStatus(resp.StatusCode):
			return utils.Transient(utils.Errorf(utils.KindNetwork, "twitch/gql", "GQL returned status %d", resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return utils.Errorf(utils.KindNetwork, "twitch/gql", "GQL returned status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return utils.Transient(utils.NewError(utils.KindNetwork, "twitch/gql", err))
		}
		body = data
		return nil
	})
	if err != nil {
		return err
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return utils.NewError(utils.KindManifestParse, "twitch/gql", fmt.Errorf("decoding response: %w", err))
	}
	if len(envelope.Errors) > 0 && len(envelope.Data) == 0 {
		return utils.Errorf(utils.KindManifestParse, "twitch/gql", "GQL error: %s", envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return utils.Errorf(utils.KindManifestParse, "twitch/gql", "GQL response has no data")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return utils.NewError(utils.KindManifestParse, "twitch/gql", fmt.Errorf("decoding data: %w", err))
	}
	return nil
}
