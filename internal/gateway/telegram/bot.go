package telegram

import (
	"context"

	"github.com/mymmrac/telego"
)

// BotAPI is the subset of the Telegram Bot API the gateway calls. It lets
// tests substitute a mock for telego.Bot.
type BotAPI interface {
	GetMe(ctx context.Context) (*telego.User, error)
	GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error)
	GetChatAdministrators(ctx context.Context, params *telego.GetChatAdministratorsParams) ([]telego.ChatMember, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, opts ...telego.LongPollingOption) (<-chan telego.Update, error)
}

// BotFactory builds a client for a bot token.
type BotFactory func(token string) (BotAPI, error)

type telegoAdapter struct {
	bot *telego.Bot
}

// NewBotFactory returns a factory producing real telego clients. An empty
// apiURL uses the public Bot API server.
func NewBotFactory(apiURL string) BotFactory {
	return func(token string) (BotAPI, error) {
		opts := []telego.BotOption{telego.WithDiscardLogger()}
		if apiURL != "" {
			opts = append(opts, telego.WithAPIServer(apiURL))
		}
		bot, err := telego.NewBot(token, opts...)
		if err != nil {
			return nil, err
		}
		return &telegoAdapter{bot: bot}, nil
	}
}

func (a *telegoAdapter) GetMe(ctx context.Context) (*telego.User, error) {
	return a.bot.GetMe(ctx)
}

func (a *telegoAdapter) GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error) {
	return a.bot.GetChat(ctx, params)
}

func (a *telegoAdapter) GetChatAdministrators(ctx context.Context, params *telego.GetChatAdministratorsParams) ([]telego.ChatMember, error) {
	return a.bot.GetChatAdministrators(ctx, params)
}

func (a *telegoAdapter) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	return a.bot.SendMessage(ctx, params)
}

func (a *telegoAdapter) SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error) {
	return a.bot.SendPhoto(ctx, params)
}

func (a *telegoAdapter) UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, opts ...telego.LongPollingOption) (<-chan telego.Update, error) {
	return a.bot.UpdatesViaLongPolling(ctx, params, opts...)
}
