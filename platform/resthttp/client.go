// Package resthttp implements platform.Client over the platform's JSON REST
// API. It is deliberately thin: no gateway connection, no event dispatch,
// only the calls the replication engine issues. Rate-limit handling beyond
// classification is the executor's job.
package resthttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/tidwall/gjson"

	"github.com/dyadlabs/replica/platform"
)

const (
	defaultBaseURL = "https://discord.com/api/v10"
	defaultCDNURL  = "https://cdn.discordapp.com"
)

type Client struct {
	http    *retryablehttp.Client
	baseURL string
	cdnURL  string
	token   string
	log     logger.Logger
}

var _ platform.Client = (*Client)(nil)

func New(conf *config.Config, log logger.Logger) *Client {
	netClient := retryablehttp.NewClient()
	netClient.HTTPClient.Timeout = conf.GetDuration("Replica.API.timeout", 30, time.Second)
	netClient.Logger = nil // to avoid debug logs
	netClient.RetryWaitMin = conf.GetDuration("Replica.API.minRetryTime", 100, time.Millisecond)
	netClient.RetryWaitMax = conf.GetDuration("Replica.API.maxRetryTime", 2, time.Second)
	netClient.RetryMax = conf.GetInt("Replica.API.maxRetry", 2)
	// 429 must surface to the executor, not be absorbed by transport retries
	netClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err != nil {
			return true, nil
		}
		return resp.StatusCode >= http.StatusInternalServerError, nil
	}
	return &Client{
		http:    netClient,
		baseURL: conf.GetString("Replica.API.baseURL", defaultBaseURL),
		cdnURL:  conf.GetString("Replica.API.cdnURL", defaultCDNURL),
		token:   conf.GetString("Replica.token", ""),
		log:     log.Child("resthttp"),
	}
}

// do issues one authenticated API call and classifies the response into the
// engine's error taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &platform.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &platform.TransientError{Err: err}
	}
	return payload, c.classify(resp, payload, method+" "+path)
}

func (c *Client) classify(resp *http.Response, payload []byte, route string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(gjson.GetBytes(payload, "retry_after").Float() * float64(time.Second))
		if retryAfter == 0 {
			if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return &platform.RateLimitedError{RetryAfter: retryAfter, Route: route}
	case resp.StatusCode >= http.StatusInternalServerError:
		return &platform.TransientError{Err: fmt.Errorf("%s: status %d", route, resp.StatusCode)}
	default:
		message := gjson.GetBytes(payload, "message").String()
		if message == "" {
			message = fmt.Sprintf("%s: status %d", route, resp.StatusCode)
		}
		return &platform.PermanentError{
			Code:    int(gjson.GetBytes(payload, "code").Int()),
			Message: message,
		}
	}
}

// fetchAsset downloads an image and re-encodes it as the data URI the API
// expects on create/update calls.
func (c *Client) fetchAsset(ctx context.Context, assetURL string) (string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &platform.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", &platform.PermanentError{Message: fmt.Sprintf("fetching asset %s: status %d", assetURL, resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &platform.TransientError{Err: err}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func (c *Client) Guild(ctx context.Context, guildID string) (*platform.Guild, error) {
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+guildID, nil, "")
	if err != nil {
		return nil, err
	}
	guild := parseGuild(gjson.ParseBytes(payload), c.cdnURL)
	return &guild, nil
}

func (c *Client) UpdateGuild(ctx context.Context, guildID string, settings platform.GuildSettings) error {
	body, err := c.buildGuildPatch(ctx, settings)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, "/guilds/"+guildID, body, "")
	return err
}

func (c *Client) Roles(ctx context.Context, guildID string) ([]platform.Role, error) {
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/roles", nil, "")
	if err != nil {
		return nil, err
	}
	var roles []platform.Role
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		roles = append(roles, parseRole(item, c.cdnURL))
		return true
	})
	return roles, nil
}

func (c *Client) CreateRole(ctx context.Context, guildID string, attrs platform.RoleCreate) (*platform.Role, error) {
	body, err := c.buildRolePayload(ctx, attrs)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/roles", body, "")
	if err != nil {
		return nil, err
	}
	role := parseRole(gjson.ParseBytes(payload), c.cdnURL)
	return &role, nil
}

func (c *Client) UpdateRole(ctx context.Context, guildID, roleID string, attrs platform.RoleCreate) (*platform.Role, error) {
	body, err := c.buildRolePayload(ctx, attrs)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPatch, "/guilds/"+guildID+"/roles/"+roleID, body, "")
	if err != nil {
		return nil, err
	}
	role := parseRole(gjson.ParseBytes(payload), c.cdnURL)
	return &role, nil
}

func (c *Client) Emojis(ctx context.Context, guildID string) ([]platform.Emoji, error) {
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/emojis", nil, "")
	if err != nil {
		return nil, err
	}
	var emojis []platform.Emoji
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		emojis = append(emojis, parseEmoji(item, c.cdnURL))
		return true
	})
	return emojis, nil
}

func (c *Client) CreateEmoji(ctx context.Context, guildID string, attrs platform.Emoji) (*platform.Emoji, error) {
	image, err := c.fetchAsset(ctx, attrs.ImageURL)
	if err != nil {
		return nil, err
	}
	body, err := marshalJSON(map[string]any{
		"name":  attrs.Name,
		"image": image,
		"roles": attrs.RoleIDs,
	})
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/emojis", body, "")
	if err != nil {
		return nil, err
	}
	emoji := parseEmoji(gjson.ParseBytes(payload), c.cdnURL)
	return &emoji, nil
}

func (c *Client) Stickers(ctx context.Context, guildID string) ([]platform.Sticker, error) {
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/stickers", nil, "")
	if err != nil {
		return nil, err
	}
	var stickers []platform.Sticker
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		stickers = append(stickers, parseSticker(item, c.cdnURL))
		return true
	})
	return stickers, nil
}

// CreateSticker uploads the sticker file as multipart form data, the only
// encoding the API accepts for this endpoint.
func (c *Client) CreateSticker(ctx context.Context, guildID string, attrs platform.Sticker) (*platform.Sticker, error) {
	file, err := c.fetchRaw(ctx, attrs.FileURL)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	_ = form.WriteField("name", attrs.Name)
	_ = form.WriteField("description", attrs.Description)
	_ = form.WriteField("tags", attrs.Tags)
	part, err := form.CreateFormFile("file", "sticker.png")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(file); err != nil {
		return nil, err
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	payload, err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/stickers", buf.Bytes(), form.FormDataContentType())
	if err != nil {
		return nil, err
	}
	sticker := parseSticker(gjson.ParseBytes(payload), c.cdnURL)
	return &sticker, nil
}

func (c *Client) fetchRaw(ctx context.Context, assetURL string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &platform.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, &platform.PermanentError{Message: fmt.Sprintf("fetching asset %s: status %d", assetURL, resp.StatusCode)}
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Channels(ctx context.Context, guildID string) ([]platform.Channel, error) {
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+guildID+"/channels", nil, "")
	if err != nil {
		return nil, err
	}
	var channels []platform.Channel
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		channels = append(channels, parseChannel(item))
		return true
	})
	return channels, nil
}

func (c *Client) Channel(ctx context.Context, channelID string) (*platform.Channel, error) {
	payload, err := c.do(ctx, http.MethodGet, "/channels/"+channelID, nil, "")
	if err != nil {
		return nil, err
	}
	channel := parseChannel(gjson.ParseBytes(payload))
	return &channel, nil
}

func (c *Client) CreateChannel(ctx context.Context, guildID string, attrs platform.ChannelCreate) (*platform.Channel, error) {
	body, err := marshalJSON(attrs)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/guilds/"+guildID+"/channels", body, "")
	if err != nil {
		return nil, err
	}
	channel := parseChannel(gjson.ParseBytes(payload))
	return &channel, nil
}

func (c *Client) CreateThread(ctx context.Context, channelID, messageID, name string) (*platform.Channel, error) {
	body, err := marshalJSON(map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages/"+messageID+"/threads", body, "")
	if err != nil {
		return nil, err
	}
	channel := parseChannel(gjson.ParseBytes(payload))
	return &channel, nil
}

func (c *Client) UpdateThread(ctx context.Context, threadID string, attrs platform.ThreadUpdate) error {
	body, err := marshalJSON(attrs)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPatch, "/channels/"+threadID, body, "")
	return err
}

func (c *Client) Threads(ctx context.Context, channelID string, archived bool) ([]platform.Channel, error) {
	if archived {
		payload, err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/threads/archived/public", nil, "")
		if err != nil {
			return nil, err
		}
		threads := parseThreadList(gjson.GetBytes(payload, "threads"))
		reverse(threads) // archived listing is newest first
		return threads, nil
	}

	// active threads are only listable guild-wide
	parent, err := c.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodGet, "/guilds/"+parent.GuildID+"/threads/active", nil, "")
	if err != nil {
		return nil, err
	}
	all := parseThreadList(gjson.GetBytes(payload, "threads"))
	threads := make([]platform.Channel, 0, len(all))
	for _, th := range all {
		if th.ParentID == channelID {
			threads = append(threads, th)
		}
	}
	return threads, nil
}

func (c *Client) Messages(ctx context.Context, channelID, afterID string, limit int) ([]platform.Message, error) {
	q := url.Values{}
	if afterID == "" {
		afterID = "0" // message IDs are snowflakes; 0 predates everything
	}
	q.Set("after", afterID)
	q.Set("limit", strconv.Itoa(limit))
	payload, err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages?"+q.Encode(), nil, "")
	if err != nil {
		return nil, err
	}
	var messages []platform.Message
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		messages = append(messages, parseMessage(item, c.cdnURL))
		return true
	})
	// the API returns newest first; the engine wants chronological order
	reverse(messages)
	return messages, nil
}

func (c *Client) Webhooks(ctx context.Context, channelID string) ([]platform.Webhook, error) {
	payload, err := c.do(ctx, http.MethodGet, "/channels/"+channelID+"/webhooks", nil, "")
	if err != nil {
		return nil, err
	}
	var webhooks []platform.Webhook
	gjson.ParseBytes(payload).ForEach(func(_, item gjson.Result) bool {
		webhooks = append(webhooks, parseWebhook(item, c.cdnURL))
		return true
	})
	return webhooks, nil
}

func (c *Client) CreateWebhook(ctx context.Context, channelID, name string) (*platform.Webhook, error) {
	body, err := marshalJSON(map[string]any{"name": name})
	if err != nil {
		return nil, err
	}
	payload, err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/webhooks", body, "")
	if err != nil {
		return nil, err
	}
	webhook := parseWebhook(gjson.ParseBytes(payload), c.cdnURL)
	return &webhook, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, webhookID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/webhooks/"+webhookID, nil, "")
	return err
}

func (c *Client) ExecuteWebhook(ctx context.Context, wh platform.Webhook, msg platform.WebhookMessage) (*platform.Message, error) {
	body, err := buildWebhookPayload(msg)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("wait", "true") // the engine needs the created message back
	if msg.ThreadID != "" {
		q.Set("thread_id", msg.ThreadID)
	}
	payload, err := c.do(ctx, http.MethodPost, "/webhooks/"+wh.ID+"/"+wh.Token+"?"+q.Encode(), body, "")
	if err != nil {
		return nil, err
	}
	message := parseMessage(gjson.ParseBytes(payload), c.cdnURL)
	return &message, nil
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
