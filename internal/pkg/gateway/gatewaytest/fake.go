// Package gatewaytest provides in-memory stand-ins for the Telegram and
// Stripe clients.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/gateway"
)

type Message struct {
	ChatID   int64
	Text     string
	Keyboard *gateway.InlineKeyboard
}

// Telegram records every call. Setting an *Err field makes the matching
// call fail with it.
type Telegram struct {
	mu sync.Mutex

	Messages []Message
	Invites  []string
	Revoked  []string
	Bans     []int64
	Unbans   []int64
	Members  map[int64]string

	BanErr    error
	UnbanErr  error
	InviteErr error
	SendErr   error
	StatusErr error

	seq int
}

func NewTelegram() *Telegram {
	return &Telegram{Members: map[int64]string{}}
}

func (f *Telegram) SendMessage(ctx context.Context, botToken string, chatID int64, text string, keyboard *gateway.InlineKeyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Messages = append(f.Messages, Message{ChatID: chatID, Text: text, Keyboard: keyboard})
	return nil
}

func (f *Telegram) CreateInviteLink(ctx context.Context, botToken string, channelID int64, opts gateway.InviteOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InviteErr != nil {
		return "", f.InviteErr
	}
	f.seq++
	link := fmt.Sprintf("https://t.me/+invite%d", f.seq)
	f.Invites = append(f.Invites, link)
	return link, nil
}

func (f *Telegram) RevokeInviteLink(ctx context.Context, botToken string, channelID int64, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Revoked = append(f.Revoked, link)
	return nil
}

func (f *Telegram) BanThenUnban(ctx context.Context, botToken string, channelID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BanErr != nil {
		return f.BanErr
	}
	f.Bans = append(f.Bans, userID)
	if f.UnbanErr != nil {
		f.Members[userID] = models.MembershipKicked
		return f.UnbanErr
	}
	f.Unbans = append(f.Unbans, userID)
	if _, ok := f.Members[userID]; ok {
		f.Members[userID] = models.MembershipLeft
	}
	return nil
}

func (f *Telegram) UnbanMember(ctx context.Context, botToken string, channelID, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UnbanErr != nil {
		return f.UnbanErr
	}
	f.Unbans = append(f.Unbans, userID)
	if f.Members[userID] == models.MembershipKicked {
		f.Members[userID] = models.MembershipLeft
	}
	return nil
}

func (f *Telegram) GetMemberStatus(ctx context.Context, botToken string, channelID, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return models.MembershipUnknown, f.StatusErr
	}
	if s, ok := f.Members[userID]; ok {
		return s, nil
	}
	return models.MembershipNeverJoined, nil
}

// MessagesTo returns the messages sent to one chat.
func (f *Telegram) MessagesTo(chatID int64) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.Messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

func (f *Telegram) BanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Bans)
}

func (f *Telegram) UnbanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Unbans)
}

// IsBanned reports whether the last ban of the user was never lifted.
func (f *Telegram) IsBanned(userID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Members[userID] == models.MembershipKicked
}

func (f *Telegram) InviteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Invites)
}

// SetBanErr changes the ban failure under the lock.
func (f *Telegram) SetBanErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BanErr = err
}

func (f *Telegram) SetUnbanErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UnbanErr = err
}

func (f *Telegram) SetInviteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InviteErr = err
}

// Stripe records checkout sessions.
type Stripe struct {
	mu       sync.Mutex
	Sessions []gateway.CheckoutParams
	Err      error
}

func (f *Stripe) CreateCheckoutSession(ctx context.Context, p gateway.CheckoutParams) (*gateway.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Sessions = append(f.Sessions, p)
	id := fmt.Sprintf("cs_test_%d", len(f.Sessions))
	return &gateway.CheckoutSession{ID: id, URL: "https://checkout.stripe.test/" + id}, nil
}
