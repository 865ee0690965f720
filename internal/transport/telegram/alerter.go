// Package telegram delivers operator alerts to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int // forum topic, 0 for none
}

// sender is the part of *tele.Bot the alerter uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Alerter sends pre-formatted alert text. It satisfies logx.Alerter and
// never logs.
type Alerter struct {
	cfg Config
	bot sender
}

// New builds an alerter without contacting Telegram.
func New(cfg Config) (*Alerter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Alerter{cfg: cfg, bot: b}, nil
}

func (a *Alerter) Alert(ctx context.Context, msg string) error {
	chat := &tele.Chat{ID: a.cfg.ChatID}
	opt := &tele.SendOptions{ThreadID: a.cfg.ThreadID, DisableWebPagePreview: true}
	for _, chunk := range splitText(msg, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that do not leave tiny chunks.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
