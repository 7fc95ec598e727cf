// Package notify delivers risk notifications to users through Twilio SMS or
// WhatsApp.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/BTreeMap/WellnessCoach/internal/store"
	"github.com/tidwall/gjson"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Delivery channels.
const (
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
)

// ErrConfiguration indicates missing Twilio credentials.
var ErrConfiguration = errors.New("notify: missing Twilio configuration")

// Sender sends a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	Channel    string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sender number in E.164 format.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithChannel selects ChannelSMS or ChannelWhatsApp.
func WithChannel(channel string) Option {
	return func(o *Opts) { o.Channel = channel }
}

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client sends messages through the Twilio REST API.
type Client struct {
	api     messageCreator
	from    string
	channel string
}

// NewClient creates a Client. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_CHANNEL.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.Channel == "" {
		cfg.Channel = os.Getenv("TWILIO_CHANNEL")
	}
	slog.Debug("notify.NewClient: Twilio config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"channel", cfg.Channel)

	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, fmt.Errorf("%w: account SID, auth token and from number must be provided", ErrConfiguration)
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg.From, cfg.Channel), nil
}

func newClient(api messageCreator, from, channel string) *Client {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel != ChannelWhatsApp {
		channel = ChannelSMS
	}
	return &Client{api: api, from: address(channel, from), channel: channel}
}

func address(channel, number string) string {
	number = strings.TrimPrefix(number, "whatsapp:")
	if channel == ChannelWhatsApp {
		return "whatsapp:" + number
	}
	return number
}

// SendMessage sends body to the phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(address(c.channel, to))
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Client.SendMessage: Twilio request failed", "to", to, "channel", c.channel, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Client.SendMessage: message sent", "to", to, "channel", c.channel, "sid", sid)
	return nil
}

// ProfileSource looks up stored user profiles.
type ProfileSource interface {
	GetUserProfile(ctx context.Context, userID string) (json.RawMessage, error)
}

// FormatNotification renders a notification as a message body.
func FormatNotification(n models.Notification) string {
	return fmt.Sprintf("[%s]\n%s", n.Title, n.Body)
}

// OutboxSendFunc delivers queued risk notifications to the phone number found
// in the user's stored profile. Users without a phone number are skipped and
// their messages count as delivered.
func OutboxSendFunc(sender Sender, profiles ProfileSource) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindRiskNotification {
			slog.Warn("notify.OutboxSendFunc: skipping unknown message kind", "id", msg.ID, "kind", msg.Kind)
			return nil
		}
		var n models.Notification
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &n); err != nil {
			return fmt.Errorf("decode notification %s: %w", msg.ID, err)
		}
		profile, err := profiles.GetUserProfile(ctx, msg.UserID)
		if err != nil {
			return fmt.Errorf("load profile for %s: %w", msg.UserID, err)
		}
		phone := strings.TrimSpace(gjson.GetBytes(profile, "phone").String())
		if phone == "" {
			slog.Info("notify.OutboxSendFunc: no phone number on profile, skipping", "id", msg.ID, "userID", msg.UserID)
			return nil
		}
		return sender.SendMessage(ctx, phone, FormatNotification(n))
	}
}
