package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
)

type MockBot struct {
	mock.Mock
}

func (m *MockBot) GetMe(ctx context.Context) (*telego.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.User), args.Error(1)
}

func (m *MockBot) GetChat(ctx context.Context, params *telego.GetChatParams) (*telego.ChatFullInfo, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.ChatFullInfo), args.Error(1)
}

func (m *MockBot) GetChatAdministrators(ctx context.Context, params *telego.GetChatAdministratorsParams) ([]telego.ChatMember, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]telego.ChatMember), args.Error(1)
}

func (m *MockBot) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.Message), args.Error(1)
}

func (m *MockBot) SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telego.Message), args.Error(1)
}

func (m *MockBot) UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, opts ...telego.LongPollingOption) (<-chan telego.Update, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(chan telego.Update), args.Error(1)
}

// newMockBot returns a bot that authenticates and streams updates from the
// returned channel.
func newMockBot() (*MockBot, chan telego.Update) {
	updates := make(chan telego.Update, 8)
	mb := new(MockBot)
	mb.On("GetMe", mock.Anything).Return(&telego.User{ID: 42, IsBot: true, Username: "cast_bot"}, nil).Maybe()
	mb.On("UpdatesViaLongPolling", mock.Anything, mock.Anything).Return(updates, nil).Maybe()
	return mb, updates
}

func newTestGateway(t *testing.T, mb *MockBot) (*Gateway, *[]string) {
	t.Helper()
	var tokens []string
	g := NewWithFactory(Config{PollTimeout: time.Second}, func(token string) (BotAPI, error) {
		tokens = append(tokens, token)
		return mb, nil
	}, zerolog.Nop())
	t.Cleanup(func() { _ = g.Disconnect(context.Background()) })
	return g, &tokens
}

func groupMessage(id int64, title string) telego.Update {
	return telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: id, Type: telego.ChatTypeSupergroup, Title: title}}}
}

func TestConnect_BuildsTokenAndSession(t *testing.T) {
	mb, _ := newMockBot()
	g, tokens := newTestGateway(t, mb)

	s, err := g.Connect(context.Background(), gateway.Credentials{APIID: 12345, APIHash: "secret", Phone: "+100"})
	require.NoError(t, err)
	assert.Equal(t, []string{"12345:secret"}, *tokens)
	assert.Equal(t, "+100", s.Phone)
	assert.Equal(t, int64(12345), s.APIID)

	var blob sessionBlob
	require.NoError(t, json.Unmarshal(s.Blob, &blob))
	assert.Equal(t, int64(42), blob.BotID)
	assert.Equal(t, "cast_bot", blob.Username)
}

func TestConnect_RejectsMissingCredentials(t *testing.T) {
	mb, _ := newMockBot()
	g, tokens := newTestGateway(t, mb)

	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 0, APIHash: "x"})
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Empty(t, *tokens)
}

func TestConnect_UnauthorizedIsAuthError(t *testing.T) {
	mb := new(MockBot)
	mb.On("GetMe", mock.Anything).Return(nil, &telegoapi.Error{ErrorCode: 401, Description: "Unauthorized"})
	g, _ := newTestGateway(t, mb)

	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "bad"})
	assert.ErrorIs(t, err, domain.ErrAuth)

	_, err = g.ResolveGroup(context.Background(), "Family")
	assert.ErrorIs(t, err, domain.ErrAuth, "still disconnected")
}

func TestConnect_NetworkErrorIsDeliveryError(t *testing.T) {
	mb := new(MockBot)
	mb.On("GetMe", mock.Anything).Return(nil, errors.New("dial tcp: timeout"))
	g, _ := newTestGateway(t, mb)

	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestGroups_LearnedFromUpdates(t *testing.T) {
	mb, updates := newMockBot()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	updates <- groupMessage(-1001, "Family")
	updates <- telego.Update{Message: &telego.Message{Chat: telego.Chat{ID: 7, Type: telego.ChatTypePrivate}}}
	updates <- groupMessage(-1002, "Book club")

	require.Eventually(t, func() bool {
		groups, _ := g.Groups(context.Background())
		return len(groups) == 2
	}, time.Second, 5*time.Millisecond)

	groups, err := g.Groups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []gateway.Chat{{ID: -1002, Title: "Book club"}, {ID: -1001, Title: "Family"}}, groups)

	chat, err := g.ResolveGroup(context.Background(), "family")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001), chat.ID)

	_, err = g.ResolveGroup(context.Background(), "Unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGroups_ForgottenWhenBotLeaves(t *testing.T) {
	mb, updates := newMockBot()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	updates <- groupMessage(-1001, "Family")
	require.Eventually(t, func() bool {
		_, err := g.ResolveGroup(context.Background(), "Family")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	updates <- telego.Update{MyChatMember: &telego.ChatMemberUpdated{
		Chat:          telego.Chat{ID: -1001, Type: telego.ChatTypeGroup, Title: "Family"},
		NewChatMember: &telego.ChatMemberLeft{Status: "left", User: telego.User{ID: 42, IsBot: true}},
	}}
	require.Eventually(t, func() bool {
		_, err := g.ResolveGroup(context.Background(), "Family")
		return errors.Is(err, domain.ErrNotFound)
	}, time.Second, 5*time.Millisecond)
}

func TestRestore_SeedsGroupsFromBlob(t *testing.T) {
	mb, _ := newMockBot()
	g, tokens := newTestGateway(t, mb)

	blob, _ := json.Marshal(sessionBlob{BotID: 42, Groups: []knownGroup{{ID: -5, Title: "Work"}}})
	require.NoError(t, g.Restore(context.Background(), domain.Session{APIID: 9, APIHash: "h", Blob: blob}))
	assert.Equal(t, []string{"9:h"}, *tokens)

	chat, err := g.ResolveGroup(context.Background(), "Work")
	require.NoError(t, err)
	assert.Equal(t, int64(-5), chat.ID)
}

func TestResolveGroup_ByUsernameAndID(t *testing.T) {
	mb, _ := newMockBot()
	mb.On("GetChat", mock.Anything, &telego.GetChatParams{ChatID: telego.ChatID{Username: "@family"}}).
		Return(&telego.ChatFullInfo{ID: -9, Type: telego.ChatTypeSupergroup, Title: "Family"}, nil)
	mb.On("GetChat", mock.Anything, &telego.GetChatParams{ChatID: telego.ChatID{ID: -10}}).
		Return(nil, &telegoapi.Error{ErrorCode: 400, Description: "Bad Request: chat not found"})
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	chat, err := g.ResolveGroup(context.Background(), "@family")
	require.NoError(t, err)
	assert.Equal(t, gateway.Chat{ID: -9, Title: "Family"}, chat)

	_, err = g.ResolveGroup(context.Background(), "-10")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The username lookup also taught the title.
	chat, err = g.ResolveGroup(context.Background(), "Family")
	require.NoError(t, err)
	assert.Equal(t, int64(-9), chat.ID)
}

func TestSendPayload_TextOnly(t *testing.T) {
	mb, _ := newMockBot()
	mb.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *telego.SendMessageParams) bool {
		return p.ChatID.ID == -1 && p.Text == "hello" && p.ParseMode == ""
	})).Return(&telego.Message{MessageID: 1}, nil).Once()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	require.NoError(t, g.SendPayload(context.Background(), gateway.Chat{ID: -1}, "", "hello"))
	mb.AssertExpectations(t)
}

func TestSendPayload_PhotoWithCaption(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(img, []byte("jpeg"), 0o644))

	mb, _ := newMockBot()
	mb.On("SendPhoto", mock.Anything, mock.MatchedBy(func(p *telego.SendPhotoParams) bool {
		return p.ChatID.ID == -1 && p.Caption == "look" && p.Photo.File != nil
	})).Return(&telego.Message{MessageID: 2}, nil).Once()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	require.NoError(t, g.SendPayload(context.Background(), gateway.Chat{ID: -1}, img, "look"))
	mb.AssertExpectations(t)
	mb.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSendPayload_SendFailureIsDeliveryError(t *testing.T) {
	mb, _ := newMockBot()
	mb.On("SendMessage", mock.Anything, mock.Anything).Return(nil, &telegoapi.Error{ErrorCode: 429, Description: "Too Many Requests"})
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	err = g.SendPayload(context.Background(), gateway.Chat{ID: -1}, "", "hello")
	assert.ErrorIs(t, err, domain.ErrDelivery)
}

func TestListMembers_SkipsBots(t *testing.T) {
	mb, _ := newMockBot()
	mb.On("GetChatAdministrators", mock.Anything, mock.Anything).Return([]telego.ChatMember{
		&telego.ChatMemberOwner{Status: "creator", User: telego.User{ID: 1, FirstName: "Ann", LastName: "Lee", Username: "ann"}},
		&telego.ChatMemberAdministrator{Status: "administrator", User: telego.User{ID: 2, FirstName: "Bob"}},
		&telego.ChatMemberAdministrator{Status: "administrator", User: telego.User{ID: 42, IsBot: true, Username: "cast_bot"}},
	}, nil)
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	members, err := g.ListMembers(context.Background(), gateway.Chat{ID: -1})
	require.NoError(t, err)
	assert.Equal(t, []gateway.Member{
		{ID: 1, Username: "ann", DisplayName: "Ann Lee"},
		{ID: 2, DisplayName: "Bob"},
	}, members)
}

func TestSendText_HTMLMode(t *testing.T) {
	mb, _ := newMockBot()
	mb.On("SendMessage", mock.Anything, mock.MatchedBy(func(p *telego.SendMessageParams) bool {
		return p.ParseMode == telego.ModeHTML
	})).Return(&telego.Message{}, nil).Once()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	require.NoError(t, g.SendText(context.Background(), gateway.Chat{ID: -1}, "@ann", true))
	mb.AssertExpectations(t)
}

func TestDisconnect_RequiresReconnect(t *testing.T) {
	mb, _ := newMockBot()
	g, _ := newTestGateway(t, mb)
	_, err := g.Connect(context.Background(), gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	require.NoError(t, g.Disconnect(context.Background()))
	_, err = g.Groups(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
	err = g.SendPayload(context.Background(), gateway.Chat{ID: -1}, "", "x")
	assert.ErrorIs(t, err, domain.ErrAuth)
}

func TestConnect_FailureKeepsPreviousConnection(t *testing.T) {
	good, updates := newMockBot()
	bad := new(MockBot)
	bad.On("GetMe", mock.Anything).Return(nil, &telegoapi.Error{ErrorCode: 401, Description: "Unauthorized"})

	g := NewWithFactory(Config{PollTimeout: time.Second}, func(token string) (BotAPI, error) {
		if token == "1:good" {
			return good, nil
		}
		return bad, nil
	}, zerolog.Nop())
	t.Cleanup(func() { _ = g.Disconnect(context.Background()) })

	ctx := context.Background()
	_, err := g.Connect(ctx, gateway.Credentials{APIID: 1, APIHash: "good"})
	require.NoError(t, err)
	updates <- groupMessage(-1001, "Family")
	require.Eventually(t, func() bool {
		_, err := g.ResolveGroup(ctx, "Family")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err = g.Connect(ctx, gateway.Credentials{APIID: 1, APIHash: "wrong"})
	require.ErrorIs(t, err, domain.ErrAuth)

	groups, err := g.Groups(ctx)
	require.NoError(t, err, "the working bot stays connected")
	assert.Equal(t, []gateway.Chat{{ID: -1001, Title: "Family"}}, groups)

	good.On("SendMessage", mock.Anything, mock.Anything).Return(&telego.Message{}, nil).Once()
	require.NoError(t, g.SendPayload(ctx, groups[0], "", "still here"))
	bad.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestConnect_SameBotKeepsLearnedGroups(t *testing.T) {
	mb, updates := newMockBot()
	g, _ := newTestGateway(t, mb)
	ctx := context.Background()

	_, err := g.Connect(ctx, gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)
	updates <- groupMessage(-1001, "Family")
	require.Eventually(t, func() bool {
		_, err := g.ResolveGroup(ctx, "Family")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	s, err := g.Connect(ctx, gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)
	var blob sessionBlob
	require.NoError(t, json.Unmarshal(s.Blob, &blob))
	assert.Equal(t, []knownGroup{{ID: -1001, Title: "Family"}}, blob.Groups)
}

func TestSessionBlob_LearnedGroupsSurviveRestart(t *testing.T) {
	mb, updates := newMockBot()
	g, _ := newTestGateway(t, mb)
	ctx := context.Background()

	s, err := g.Connect(ctx, gateway.Credentials{APIID: 1, APIHash: "x"})
	require.NoError(t, err)

	updates <- groupMessage(-1001, "Family")
	select {
	case <-g.Changed():
	case <-time.After(time.Second):
		t.Fatal("no change signal after a group was learned")
	}
	s.Blob, err = g.SessionBlob()
	require.NoError(t, err)

	mb2, _ := newMockBot()
	g2, _ := newTestGateway(t, mb2)
	require.NoError(t, g2.Restore(ctx, s))
	chat, err := g2.ResolveGroup(ctx, "Family")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001), chat.ID)
}

func TestSessionBlob_RequiresConnection(t *testing.T) {
	mb, _ := newMockBot()
	g, _ := newTestGateway(t, mb)
	_, err := g.SessionBlob()
	assert.ErrorIs(t, err, domain.ErrAuth)
}
