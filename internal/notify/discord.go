package notify

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voxline/internal/call"
)

// Embed sidebar colors per event kind.
const (
	embedColorGreen  = 0x2ECC71 // call started
	embedColorRed    = 0xE74C3C // call ended, registration lost
	embedColorYellow = 0xF1C40F // note left
)

// discordQueueSize bounds how many events may wait for the posting worker.
const discordQueueSize = 64

// Compile-time interface check.
var _ call.Sink = (*DiscordNotifier)(nil)

// DiscordNotifier posts call lifecycle events, recorded notes, and
// registration loss to a Discord channel. Per-turn transcript events are
// deliberately not forwarded; a busy line would flood the channel.
//
// Publish never blocks: events queue to a single posting goroutine and drop
// (with a warning) when the queue is full.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	log       *slog.Logger

	// post sends one embed. Split out so tests can intercept without a
	// gateway connection.
	post func(embed *discordgo.MessageEmbed) error

	queue     chan call.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64
}

// DiscordOption configures a DiscordNotifier.
type DiscordOption func(*DiscordNotifier)

// WithDiscordLogger sets the logger for post failures and drop warnings.
func WithDiscordLogger(log *slog.Logger) DiscordOption {
	return func(n *DiscordNotifier) {
		if log != nil {
			n.log = log
		}
	}
}

// NewDiscordNotifier connects to Discord with the given bot token and starts
// the posting worker targeting channelID.
func NewDiscordNotifier(token, channelID string, opts ...DiscordOption) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord notifier: create session: %w", err)
	}

	// Message posting is plain REST; the gateway connection just validates
	// the token up front and keeps the bot visible as online.
	session.Identify.Intents = discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord notifier: open session: %w", err)
	}

	n := &DiscordNotifier{
		session:   session,
		channelID: channelID,
		log:       slog.Default(),
		queue:     make(chan call.Event, discordQueueSize),
		done:      make(chan struct{}),
	}
	n.post = func(embed *discordgo.MessageEmbed) error {
		_, err := session.ChannelMessageSendEmbed(channelID, embed)
		return err
	}
	for _, opt := range opts {
		opt(n)
	}

	n.wg.Add(1)
	go n.run()
	return n, nil
}

// Publish implements [call.Sink]. Only events an operator cares about are
// forwarded; everything else is discarded immediately.
func (n *DiscordNotifier) Publish(ev call.Event) {
	switch ev.Type {
	case call.EventCallStarted, call.EventCallEnded, call.EventNoteLeft, call.EventRegistrationLost:
	default:
		return
	}

	select {
	case <-n.done:
		return
	default:
	}

	select {
	case n.queue <- ev:
	default:
		d := n.dropped.Add(1)
		n.log.Warn("discord notifier: queue full, dropping event",
			"type", string(ev.Type),
			"call_id", ev.CallID,
			"dropped_total", d)
	}
}

// Dropped returns how many events have been discarded due to a full queue.
func (n *DiscordNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close drains queued events, stops the worker, and closes the Discord
// session. Close is idempotent.
func (n *DiscordNotifier) Close() error {
	var closeErr error
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
		if n.session != nil {
			if err := n.session.Close(); err != nil {
				closeErr = fmt.Errorf("discord notifier: close session: %w", err)
			}
		}
		n.log.Info("discord notifier closed")
	})
	return closeErr
}

func (n *DiscordNotifier) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			for {
				select {
				case ev := <-n.queue:
					n.send(ev)
				default:
					return
				}
			}
		case ev := <-n.queue:
			n.send(ev)
		}
	}
}

func (n *DiscordNotifier) send(ev call.Event) {
	if err := n.post(buildEventEmbed(ev)); err != nil {
		n.log.Warn("discord notifier: post failed",
			"type", string(ev.Type),
			"channel", n.channelID,
			"err", err)
	}
}

// buildEventEmbed renders one call event as a Discord embed.
func buildEventEmbed(ev call.Event) *discordgo.MessageEmbed {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	embed := &discordgo.MessageEmbed{
		Timestamp: at.UTC().Format(time.RFC3339),
		Footer:    &discordgo.MessageEmbedFooter{Text: "voxline"},
	}

	callField := func() []*discordgo.MessageEmbedField {
		fields := []*discordgo.MessageEmbedField{
			{Name: "Call ID", Value: fmt.Sprintf("`%s`", ev.CallID), Inline: true},
		}
		if ev.Caller != "" {
			fields = append(fields, &discordgo.MessageEmbedField{
				Name: "Caller", Value: ev.Caller, Inline: true,
			})
		}
		return fields
	}

	switch ev.Type {
	case call.EventCallStarted:
		embed.Title = "Call started"
		embed.Color = embedColorGreen
		embed.Fields = callField()

	case call.EventCallEnded:
		embed.Title = "Call ended"
		embed.Color = embedColorRed
		embed.Fields = append(callField(), &discordgo.MessageEmbedField{
			Name: "Reason", Value: ev.Reason, Inline: true,
		})
		if ev.Duration > 0 {
			embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
				Name: "Duration", Value: ev.Duration.Round(time.Second).String(), Inline: true,
			})
		}
		if ev.Transcript != "" || ev.Reply != "" {
			embed.Description = fmt.Sprintf("**Caller:** %s\n**Assistant:** %s", ev.Transcript, ev.Reply)
		}

	case call.EventNoteLeft:
		embed.Title = "Note from caller"
		embed.Color = embedColorYellow
		embed.Description = ev.Text
		embed.Fields = callField()

	case call.EventRegistrationLost:
		embed.Title = "SIP registration lost"
		embed.Color = embedColorRed
		embed.Description = "The endpoint dropped out of its registered state and retries are exhausted."

	default:
		embed.Title = string(ev.Type)
	}

	return embed
}
