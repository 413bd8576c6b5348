package notify

import (
	"context"
	"net/http"
)

// Embed colours per alert event.
var discordColors = map[string]int{
	"settled":   0x2ecc71,
	"refund":    0xf1c40f,
	"reauction": 0x3498db,
	"fatal":     0xe74c3c,
}

// DiscordSender posts alerts to a Discord webhook as embeds.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
	Footer      struct {
		Text string `json:"text"`
	} `json:"footer"`
}

// Send posts one embed.
func (d *DiscordSender) Send(ctx context.Context, event, title, message string) error {
	embed := discordEmbed{Title: title, Description: message, Color: discordColors[event]}
	embed.Footer.Text = "swaprelay · " + event
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]any{
		"embeds": []discordEmbed{embed},
	})
}

func (d *DiscordSender) Name() string { return "discord" }
