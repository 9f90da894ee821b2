package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/BTreeMap/CrisisPipe/internal/models"
)

// DiscordAlerter posts alerts as embeds to one channel.
type DiscordAlerter struct {
	session   *discordgo.Session
	channelID string
	send      func(channelID string, embed *discordgo.MessageEmbed) error
}

// NewDiscordAlerter creates a bot session for token.
func NewDiscordAlerter(token, channelID string) (*DiscordAlerter, error) {
	if token == "" || channelID == "" {
		return nil, fmt.Errorf("discord bot token and channel id are required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	d := &DiscordAlerter{session: session, channelID: channelID}
	d.send = func(channelID string, embed *discordgo.MessageEmbed) error {
		_, err := session.ChannelMessageSendEmbed(channelID, embed)
		return err
	}
	return d, nil
}

func (d *DiscordAlerter) Alert(ctx context.Context, a models.OpsAlert) {
	if err := d.send(d.channelID, buildEmbed(a)); err != nil {
		slog.Error("DiscordAlerter.Alert: send failed", "kind", a.Kind, "eventID", a.EventID, "error", err)
	}
}

// Close closes the bot session.
func (d *DiscordAlerter) Close() {
	if d.session != nil {
		d.session.Close()
	}
}

func buildEmbed(a models.OpsAlert) *discordgo.MessageEmbed {
	color := 0x3498DB
	switch a.Severity {
	case models.AlertCritical:
		color = 0xE74C3C
	case models.AlertWarning:
		color = 0xF39C12
	}

	fields := []*discordgo.MessageEmbedField{
		{Name: "Severity", Value: string(a.Severity), Inline: true},
		{Name: "Kind", Value: a.Kind, Inline: true},
	}
	if a.UserID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "User", Value: a.UserID, Inline: true})
	}
	if a.EventID != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Event", Value: a.EventID, Inline: true})
	}
	if a.Error != "" {
		fields = append(fields, &discordgo.MessageEmbedField{Name: "Error", Value: a.Error})
	}

	at := a.At
	if at.IsZero() {
		at = time.Now()
	}
	return &discordgo.MessageEmbed{
		Title:       fmt.Sprintf("[%s] %s", a.Severity, a.Kind),
		Description: a.Message,
		Color:       color,
		Fields:      fields,
		Timestamp:   at.Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: "CrisisPipe operational alert",
		},
	}
}
