// Package gatewaytest provides in-memory gateway implementations for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/stretchr/testify/mock"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
)

// Send records one SendPayload call.
type Send struct {
	Chat      gateway.Chat
	ImagePath string
	Text      string
}

// Fake is a thread-safe recording gateway. Groups are resolved by title
// from Chats; OnSend, when set, runs inside SendPayload before recording and
// may block to simulate a slow network.
type Fake struct {
	mu        sync.Mutex
	Chats     map[string]gateway.Chat
	Members   []gateway.Member
	SendErr   error
	ConnErr   error
	OnSend    func(ctx context.Context, chat gateway.Chat)
	Blob      []byte
	sends     []Send
	texts     []string
	connected bool
	restored  domain.Session
}

func NewFake(groups ...string) *Fake {
	f := &Fake{Chats: make(map[string]gateway.Chat)}
	for i, g := range groups {
		f.Chats[g] = gateway.Chat{ID: int64(-100 - i), Title: g}
	}
	return f
}

func (f *Fake) Connect(ctx context.Context, creds gateway.Credentials) (domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnErr != nil {
		return domain.Session{}, f.ConnErr
	}
	f.connected = true
	return domain.Session{Phone: creds.Phone, APIID: creds.APIID, APIHash: creds.APIHash, Blob: f.blobLocked()}, nil
}

func (f *Fake) blobLocked() []byte {
	if f.Blob == nil {
		return []byte(`{}`)
	}
	return append([]byte(nil), f.Blob...)
}

func (f *Fake) SessionBlob() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, fmt.Errorf("%w: gateway not connected", domain.ErrAuth)
	}
	return f.blobLocked(), nil
}

// SetBlob replaces the state SessionBlob reports.
func (f *Fake) SetBlob(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Blob = b
}

func (f *Fake) Restore(ctx context.Context, s domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = s
	if f.ConnErr != nil {
		return f.ConnErr
	}
	f.connected = true
	return nil
}

// Restored returns the session last passed to Restore.
func (f *Fake) Restored() domain.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restored
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) ResolveGroup(ctx context.Context, ref string) (gateway.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Chats[ref]
	if !ok {
		return gateway.Chat{}, fmt.Errorf("group %q: %w", ref, domain.ErrNotFound)
	}
	return c, nil
}

func (f *Fake) SendPayload(ctx context.Context, chat gateway.Chat, imagePath, text string) error {
	f.mu.Lock()
	hook := f.OnSend
	f.mu.Unlock()
	if hook != nil {
		hook(ctx, chat)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, Send{Chat: chat, ImagePath: imagePath, Text: text})
	return f.SendErr
}

func (f *Fake) ListMembers(ctx context.Context, chat gateway.Chat) ([]gateway.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.Member(nil), f.Members...), nil
}

func (f *Fake) SendText(ctx context.Context, chat gateway.Chat, text string, html bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *Fake) Groups(ctx context.Context) ([]gateway.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gateway.Chat, 0, len(f.Chats))
	for _, c := range f.Chats {
		out = append(out, c)
	}
	return out, nil
}

func (f *Fake) SetSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SendErr = err
}

func (f *Fake) Sends() []Send {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Send(nil), f.sends...)
}

func (f *Fake) SendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *Fake) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// Mock is a testify mock for call-level expectations.
type Mock struct {
	mock.Mock
}

func (m *Mock) Connect(ctx context.Context, creds gateway.Credentials) (domain.Session, error) {
	args := m.Called(ctx, creds)
	return args.Get(0).(domain.Session), args.Error(1)
}

func (m *Mock) Restore(ctx context.Context, s domain.Session) error {
	return m.Called(ctx, s).Error(0)
}

func (m *Mock) Disconnect(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *Mock) SessionBlob() ([]byte, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *Mock) ResolveGroup(ctx context.Context, ref string) (gateway.Chat, error) {
	args := m.Called(ctx, ref)
	return args.Get(0).(gateway.Chat), args.Error(1)
}

func (m *Mock) SendPayload(ctx context.Context, chat gateway.Chat, imagePath, text string) error {
	return m.Called(ctx, chat, imagePath, text).Error(0)
}

func (m *Mock) ListMembers(ctx context.Context, chat gateway.Chat) ([]gateway.Member, error) {
	args := m.Called(ctx, chat)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gateway.Member), args.Error(1)
}

func (m *Mock) SendText(ctx context.Context, chat gateway.Chat, text string, html bool) error {
	return m.Called(ctx, chat, text, html).Error(0)
}

func (m *Mock) Groups(ctx context.Context) ([]gateway.Chat, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]gateway.Chat), args.Error(1)
}
