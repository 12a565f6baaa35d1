package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier announces found blocks to a Discord channel. Notices go
// through a small bounded queue drained on a timer so the submit path
// never waits on the Discord API.
type discordNotifier struct {
	dg        *discordgo.Session
	channelID string

	queueMu sync.Mutex
	queue   []string
	dropped int
}

func newDiscordNotifier(cfg Config) *discordNotifier {
	if strings.TrimSpace(cfg.DiscordBotToken) == "" || strings.TrimSpace(cfg.DiscordChannelID) == "" {
		return nil
	}
	return &discordNotifier{channelID: strings.TrimSpace(cfg.DiscordChannelID)}
}

func (n *discordNotifier) start(ctx context.Context, cfg Config) error {
	if n == nil {
		return nil
	}
	dg, err := discordgo.New("Bot " + strings.TrimSpace(cfg.DiscordBotToken))
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.MakeIntent(discordgo.IntentsGuilds)
	if err := dg.Open(); err != nil {
		return err
	}
	n.dg = dg
	go n.loop(ctx)
	logger.Info("discord notifier started", "channel_id", n.channelID)
	return nil
}

func (n *discordNotifier) close() {
	if n == nil || n.dg == nil {
		return
	}
	_ = n.dg.Close()
}

func (n *discordNotifier) enqueueBlockNotice(height int64, hashHex, worker string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf("Block found at height %d by %s\n`%s`", height, worker, hashHex)
	const maxQueued = 8
	n.queueMu.Lock()
	if len(n.queue) >= maxQueued {
		n.dropped++
	} else {
		n.queue = append(n.queue, msg)
	}
	n.queueMu.Unlock()
}

func (n *discordNotifier) loop(ctx context.Context) {
	// One message per few seconds keeps well under Discord rate limits.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sendNext()
		}
	}
}

func (n *discordNotifier) sendNext() {
	if n == nil || n.dg == nil {
		return
	}
	n.queueMu.Lock()
	if len(n.queue) == 0 {
		n.queueMu.Unlock()
		return
	}
	next := n.queue[0]
	n.queueMu.Unlock()

	_, err := n.dg.ChannelMessageSend(n.channelID, next)
	if err != nil {
		logger.Warn("discord notify send failed", "error", err)
		if !isDiscordPermanentError(err) {
			return
		}
	}

	n.queueMu.Lock()
	if len(n.queue) > 0 {
		n.queue = n.queue[1:]
	}
	if n.dropped > 0 {
		logger.Warn("discord notices dropped", "count", n.dropped)
		n.dropped = 0
	}
	n.queueMu.Unlock()
}

func isDiscordPermanentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
