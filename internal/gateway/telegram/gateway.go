// Package telegram implements gateway.Gateway on the Telegram Bot API.
//
// The account credential pair maps onto a bot token "<api_id>:<api_hash>".
// Group chats are learned from updates the bot receives, so a group can be
// referenced by its title once the bot has seen any activity there; @username
// and numeric chat ids are resolved directly.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
)

// captionLimit is the Bot API limit on photo captions, in characters.
const captionLimit = 1024

type Config struct {
	APIURL      string
	PollTimeout time.Duration
}

type Gateway struct {
	cfg    Config
	newBot BotFactory
	log    zerolog.Logger

	mu     sync.RWMutex
	bot    BotAPI
	me     *telego.User
	groups map[int64]gateway.Chat

	stopPoll context.CancelFunc
	pollDone chan struct{}

	changed chan struct{}
}

var _ gateway.Gateway = (*Gateway)(nil)

func New(cfg Config, log zerolog.Logger) *Gateway {
	return NewWithFactory(cfg, NewBotFactory(cfg.APIURL), log)
}

func NewWithFactory(cfg Config, factory BotFactory, log zerolog.Logger) *Gateway {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	return &Gateway{
		cfg:     cfg,
		newBot:  factory,
		log:     log.With().Str("component", "telegram").Logger(),
		groups:  make(map[int64]gateway.Chat),
		changed: make(chan struct{}, 1),
	}
}

// sessionBlob is the persisted connection state.
type sessionBlob struct {
	BotID    int64        `json:"bot_id"`
	Username string       `json:"username"`
	Groups   []knownGroup `json:"groups,omitempty"`
}

type knownGroup struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

func (g *Gateway) Connect(ctx context.Context, creds gateway.Credentials) (domain.Session, error) {
	if creds.APIID <= 0 || strings.TrimSpace(creds.APIHash) == "" {
		return domain.Session{}, fmt.Errorf("%w: api_id and api_hash are required", domain.ErrAuth)
	}
	if err := g.open(ctx, creds.APIID, creds.APIHash, nil); err != nil {
		return domain.Session{}, err
	}
	blob, err := g.snapshotBlob()
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		Phone:     creds.Phone,
		APIID:     creds.APIID,
		APIHash:   creds.APIHash,
		Blob:      blob,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (g *Gateway) Restore(ctx context.Context, s domain.Session) error {
	var blob sessionBlob
	if len(s.Blob) > 0 {
		if err := json.Unmarshal(s.Blob, &blob); err != nil {
			g.log.Warn().Err(err).Msg("ignoring unreadable session blob")
		}
	}
	return g.open(ctx, s.APIID, s.APIHash, blob.Groups)
}

// open checks the new credentials before replacing the live connection, so
// a failed login leaves the previous bot working.
func (g *Gateway) open(ctx context.Context, apiID int64, apiHash string, seed []knownGroup) error {
	bot, err := g.newBot(fmt.Sprintf("%d:%s", apiID, apiHash))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrAuth, err)
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		return classify(err, "get me")
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        int(g.cfg.PollTimeout.Seconds()),
		AllowedUpdates: []string{"message", "my_chat_member"},
	})
	if err != nil {
		cancel()
		return classify(err, "start polling")
	}

	done := make(chan struct{})
	g.mu.Lock()
	oldStop, oldDone := g.stopPoll, g.pollDone
	// A re-login as the same bot keeps what it already learned.
	if g.me == nil || g.me.ID != me.ID {
		g.groups = make(map[int64]gateway.Chat, len(seed))
	}
	for _, kg := range seed {
		g.groups[kg.ID] = gateway.Chat{ID: kg.ID, Title: kg.Title}
	}
	known := len(g.groups)
	g.bot = bot
	g.me = me
	g.stopPoll = cancel
	g.pollDone = done
	g.mu.Unlock()

	go g.poll(pollCtx, updates, done)
	stopPolling(oldStop, oldDone)

	g.log.Info().Int64("bot_id", me.ID).Str("username", me.Username).Int("groups", known).Msg("connected")
	return nil
}

func (g *Gateway) Disconnect(ctx context.Context) error {
	g.mu.Lock()
	stop, done := g.stopPoll, g.pollDone
	wasConnected := g.bot != nil
	g.bot = nil
	g.me = nil
	g.stopPoll = nil
	g.pollDone = nil
	g.groups = make(map[int64]gateway.Chat)
	g.mu.Unlock()

	stopPolling(stop, done)
	if wasConnected {
		g.log.Info().Msg("disconnected")
	}
	return nil
}

func stopPolling(stop context.CancelFunc, done <-chan struct{}) {
	if stop == nil {
		return
	}
	stop()
	<-done
}

func (g *Gateway) poll(ctx context.Context, updates <-chan telego.Update, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			g.observe(u)
		}
	}
}

// observe records group chats seen in an update.
func (g *Gateway) observe(u telego.Update) {
	switch {
	case u.MyChatMember != nil:
		chat := u.MyChatMember.Chat
		if !isGroup(chat.Type) {
			return
		}
		status := ""
		if u.MyChatMember.NewChatMember != nil {
			status = u.MyChatMember.NewChatMember.MemberStatus()
		}
		if status == "left" || status == "kicked" {
			g.forget(chat.ID)
			return
		}
		g.remember(chat.ID, chat.Title)
	case u.Message != nil:
		if isGroup(u.Message.Chat.Type) {
			g.remember(u.Message.Chat.ID, u.Message.Chat.Title)
		}
	}
}

func (g *Gateway) remember(id int64, title string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.groups[id]; ok && prev.Title == title {
		return
	}
	g.groups[id] = gateway.Chat{ID: id, Title: title}
	g.log.Debug().Int64("chat_id", id).Str("title", title).Msg("group learned")
	g.notifyChanged()
}

func (g *Gateway) forget(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.groups[id]; !ok {
		return
	}
	delete(g.groups, id)
	g.notifyChanged()
}

func (g *Gateway) notifyChanged() {
	select {
	case g.changed <- struct{}{}:
	default:
	}
}

// Changed signals, coalesced, that the set of known groups changed and the
// session blob should be saved again.
func (g *Gateway) Changed() <-chan struct{} {
	return g.changed
}

// SessionBlob returns the connection state to persist, including every
// group learned so far.
func (g *Gateway) SessionBlob() ([]byte, error) {
	if _, err := g.client(); err != nil {
		return nil, err
	}
	return g.snapshotBlob()
}

func isGroup(chatType string) bool {
	return chatType == telego.ChatTypeGroup || chatType == telego.ChatTypeSupergroup
}

func (g *Gateway) client() (BotAPI, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.bot == nil {
		return nil, fmt.Errorf("%w: gateway not connected", domain.ErrAuth)
	}
	return g.bot, nil
}

func (g *Gateway) snapshotBlob() ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	blob := sessionBlob{}
	if g.me != nil {
		blob.BotID = g.me.ID
		blob.Username = g.me.Username
	}
	for _, c := range g.groups {
		blob.Groups = append(blob.Groups, knownGroup{ID: c.ID, Title: c.Title})
	}
	sort.Slice(blob.Groups, func(i, j int) bool { return blob.Groups[i].ID < blob.Groups[j].ID })
	return json.Marshal(blob)
}

// ResolveGroup accepts a numeric chat id, an @username or a group title.
func (g *Gateway) ResolveGroup(ctx context.Context, ref string) (gateway.Chat, error) {
	bot, err := g.client()
	if err != nil {
		return gateway.Chat{}, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return gateway.Chat{}, fmt.Errorf("%w: empty group reference", domain.ErrValidation)
	}

	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return g.lookup(ctx, bot, telego.ChatID{ID: id})
	}
	if strings.HasPrefix(ref, "@") {
		return g.lookup(ctx, bot, telego.ChatID{Username: ref})
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.groups {
		if strings.EqualFold(c.Title, ref) {
			return c, nil
		}
	}
	return gateway.Chat{}, fmt.Errorf("group %q: %w", ref, domain.ErrNotFound)
}

func (g *Gateway) lookup(ctx context.Context, bot BotAPI, id telego.ChatID) (gateway.Chat, error) {
	info, err := bot.GetChat(ctx, &telego.GetChatParams{ChatID: id})
	if err != nil {
		return gateway.Chat{}, classify(err, "get chat "+chatRef(id))
	}
	if isGroup(info.Type) {
		g.remember(info.ID, info.Title)
	}
	return gateway.Chat{ID: info.ID, Title: info.Title}, nil
}

func chatRef(id telego.ChatID) string {
	if id.Username != "" {
		return id.Username
	}
	return strconv.FormatInt(id.ID, 10)
}

func (g *Gateway) SendPayload(ctx context.Context, chat gateway.Chat, imagePath, text string) error {
	bot, err := g.client()
	if err != nil {
		return err
	}
	if imagePath == "" {
		_, err := bot.SendMessage(ctx, &telego.SendMessageParams{ChatID: telego.ChatID{ID: chat.ID}, Text: text})
		return classify(err, "send message")
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	defer f.Close()

	params := &telego.SendPhotoParams{ChatID: telego.ChatID{ID: chat.ID}, Photo: telego.InputFile{File: f}}
	long := len([]rune(text)) > captionLimit
	if !long {
		params.Caption = text
	}
	if _, err := bot.SendPhoto(ctx, params); err != nil {
		return classify(err, "send photo")
	}
	if long {
		_, err := bot.SendMessage(ctx, &telego.SendMessageParams{ChatID: telego.ChatID{ID: chat.ID}, Text: text})
		return classify(err, "send message")
	}
	return nil
}

// ListMembers returns the group's administrators other than bots. The Bot
// API does not expose the full member list.
func (g *Gateway) ListMembers(ctx context.Context, chat gateway.Chat) ([]gateway.Member, error) {
	bot, err := g.client()
	if err != nil {
		return nil, err
	}
	admins, err := bot.GetChatAdministrators(ctx, &telego.GetChatAdministratorsParams{ChatID: telego.ChatID{ID: chat.ID}})
	if err != nil {
		return nil, classify(err, "get administrators")
	}
	out := make([]gateway.Member, 0, len(admins))
	for _, m := range admins {
		u := m.MemberUser()
		if u.IsBot {
			continue
		}
		out = append(out, gateway.Member{
			ID:          u.ID,
			Username:    u.Username,
			DisplayName: strings.TrimSpace(u.FirstName + " " + u.LastName),
		})
	}
	return out, nil
}

func (g *Gateway) SendText(ctx context.Context, chat gateway.Chat, text string, html bool) error {
	bot, err := g.client()
	if err != nil {
		return err
	}
	params := &telego.SendMessageParams{ChatID: telego.ChatID{ID: chat.ID}, Text: text}
	if html {
		params.ParseMode = telego.ModeHTML
	}
	_, err = bot.SendMessage(ctx, params)
	return classify(err, "send text")
}

// Groups lists the group chats seen so far, ordered by title.
func (g *Gateway) Groups(ctx context.Context) ([]gateway.Chat, error) {
	if _, err := g.client(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	out := make([]gateway.Chat, 0, len(g.groups))
	for _, c := range g.groups {
		out = append(out, c)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// classify maps Bot API failures onto domain errors.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var apiErr *telegoapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.ErrorCode == 401:
			return fmt.Errorf("%w: %s: %v", domain.ErrAuth, op, err)
		case apiErr.ErrorCode == 400 && strings.Contains(strings.ToLower(apiErr.Description), "chat not found"):
			return fmt.Errorf("%w: %s: %v", domain.ErrNotFound, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrDelivery, op, err)
}
