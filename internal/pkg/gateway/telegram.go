package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/env"
)

const defaultTelegramAPIBaseURL = "https://api.telegram.org"

// TelegramClient talks to the Telegram Bot API. Every call carries the bot
// credential of the project it acts for.
type TelegramClient struct {
	APIBaseURL string
	HTTPClient *http.Client
}

// InlineButton is a URL button rendered under a message.
type InlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// InlineKeyboard is a grid of URL buttons.
type InlineKeyboard struct {
	Rows [][]InlineButton
}

// InviteOptions configures a channel invite link.
type InviteOptions struct {
	Name      string
	SingleUse bool
	ExpireAt  *time.Time
}

// NewTelegramClient returns a client with a fixed per-request timeout.
func NewTelegramClient(baseURL string, timeout time.Duration) *TelegramClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultTelegramAPIBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramClient{
		APIBaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

func NewTelegramClientFromEnv() *TelegramClient {
	return NewTelegramClient(env.GetEnv("TELEGRAM_API_BASE_URL", defaultTelegramAPIBaseURL), 10*time.Second)
}

// SendMessage posts an HTML message to a chat, optionally with URL buttons.
func (c *TelegramClient) SendMessage(ctx context.Context, botToken string, chatID int64, text string, keyboard *InlineKeyboard) error {
	body := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if keyboard != nil && len(keyboard.Rows) > 0 {
		body["reply_markup"] = map[string]interface{}{"inline_keyboard": keyboard.Rows}
	}
	return c.call(ctx, botToken, "sendMessage", body, nil)
}

// CreateInviteLink mints a channel invite link. SingleUse links admit exactly
// one member.
func (c *TelegramClient) CreateInviteLink(ctx context.Context, botToken string, channelID int64, opts InviteOptions) (string, error) {
	body := map[string]interface{}{"chat_id": channelID}
	if opts.Name != "" {
		body["name"] = opts.Name
	}
	if opts.SingleUse {
		body["member_limit"] = 1
	}
	if opts.ExpireAt != nil {
		body["expire_date"] = opts.ExpireAt.Unix()
	}

	var out struct {
		InviteLink string `json:"invite_link"`
	}
	if err := c.call(ctx, botToken, "createChatInviteLink", body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.InviteLink) == "" {
		return "", errors.New("telegram createChatInviteLink returned empty invite_link")
	}
	return out.InviteLink, nil
}

// RevokeInviteLink invalidates a previously issued link.
func (c *TelegramClient) RevokeInviteLink(ctx context.Context, botToken string, channelID int64, link string) error {
	return c.call(ctx, botToken, "revokeChatInviteLink", map[string]interface{}{
		"chat_id":     channelID,
		"invite_link": link,
	}, nil)
}

// BanThenUnban removes a user from the channel without blocking a future
// rejoin.
func (c *TelegramClient) BanThenUnban(ctx context.Context, botToken string, channelID, userID int64) error {
	if err := c.call(ctx, botToken, "banChatMember", map[string]interface{}{
		"chat_id":         channelID,
		"user_id":         userID,
		"revoke_messages": false,
	}, nil); err != nil {
		return err
	}
	return c.UnbanMember(ctx, botToken, channelID, userID)
}

// UnbanMember lifts a ban so the user can join again. A user who is not
// banned is left alone.
func (c *TelegramClient) UnbanMember(ctx context.Context, botToken string, channelID, userID int64) error {
	return c.call(ctx, botToken, "unbanChatMember", map[string]interface{}{
		"chat_id":        channelID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
}

// GetMemberStatus returns the user's membership status in the channel.
func (c *TelegramClient) GetMemberStatus(ctx context.Context, botToken string, channelID, userID int64) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	err := c.call(ctx, botToken, "getChatMember", map[string]interface{}{
		"chat_id": channelID,
		"user_id": userID,
	}, &out)
	if err != nil {
		if IsNotMember(err) {
			return models.MembershipNeverJoined, nil
		}
		return models.MembershipUnknown, err
	}
	return NormalizeMemberStatus(out.Status), nil
}

// NormalizeMemberStatus maps raw platform statuses to the known set.
func NormalizeMemberStatus(status string) string {
	switch s := strings.ToLower(strings.TrimSpace(status)); s {
	case models.MembershipCreator, models.MembershipAdministrator, models.MembershipMember,
		models.MembershipRestricted, models.MembershipLeft, models.MembershipKicked:
		return s
	case "owner":
		return models.MembershipCreator
	case "banned":
		return models.MembershipKicked
	default:
		return models.MembershipUnknown
	}
}

// IsInChannel reports whether a normalized status grants channel access.
func IsInChannel(status string) bool {
	switch status {
	case models.MembershipCreator, models.MembershipAdministrator, models.MembershipMember, models.MembershipRestricted:
		return true
	default:
		return false
	}
}

type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *TelegramClient) call(ctx context.Context, botToken, method string, body interface{}, out interface{}) error {
	token := strings.TrimSpace(botToken)
	if token == "" {
		return errors.New("telegram bot token is required")
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.APIBaseURL, token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var parsed telegramResponse
	if jerr := json.Unmarshal(raw, &parsed); jerr != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &APIError{Service: "telegram", Method: method, StatusCode: resp.StatusCode, Description: string(raw)}
		}
		return fmt.Errorf("telegram %s returned invalid json: %w", method, jerr)
	}
	if !parsed.OK || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status := parsed.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		return &APIError{
			Service:           "telegram",
			Method:            method,
			StatusCode:        status,
			Description:       parsed.Description,
			RetryAfterSeconds: parsed.Parameters.RetryAfter,
		}
	}
	if out != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return fmt.Errorf("telegram %s result decode failed: %w", method, err)
		}
	}
	return nil
}
