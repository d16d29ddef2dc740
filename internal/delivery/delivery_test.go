package delivery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"groupcast/internal/domain"
	"groupcast/internal/gateway"
	"groupcast/internal/gateway/gatewaytest"
	"groupcast/internal/metrics"
)

func newDeliverer(gw gateway.Gateway) *Deliverer {
	return New(gw, metrics.New("test", prometheus.NewRegistry()), zerolog.Nop())
}

func TestDeliver_TextOnly(t *testing.T) {
	gw := new(gatewaytest.Mock)
	chat := gateway.Chat{ID: -100, Title: "Family"}
	gw.On("ResolveGroup", mock.Anything, "Family").Return(chat, nil)
	gw.On("SendPayload", mock.Anything, chat, "", "hello").Return(nil)

	mentioned, err := newDeliverer(gw).Deliver(context.Background(), domain.Task{ID: "t", Group: "Family", Text: "hello"}, false)
	require.NoError(t, err)
	assert.False(t, mentioned)
	gw.AssertExpectations(t)
	gw.AssertNotCalled(t, "ListMembers", mock.Anything, mock.Anything)
}

func TestDeliver_ImageWithMention(t *testing.T) {
	img := filepath.Join(t.TempDir(), "a.png")
	require.NoError(t, os.WriteFile(img, []byte("png"), 0o644))

	gw := new(gatewaytest.Mock)
	chat := gateway.Chat{ID: -100, Title: "Family"}
	gw.On("ResolveGroup", mock.Anything, "Family").Return(chat, nil)
	gw.On("SendPayload", mock.Anything, chat, img, "caption").Return(nil)
	gw.On("ListMembers", mock.Anything, chat).Return([]gateway.Member{{ID: 1, Username: "ann"}, {ID: 2, DisplayName: "Bob"}}, nil)
	gw.On("SendText", mock.Anything, chat, `@ann <a href="tg://user?id=2">Bob</a>`, true).Return(nil)

	task := domain.Task{ID: "t", Group: "Family", ImagePath: img, Text: "caption", TagMembers: true}
	mentioned, err := newDeliverer(gw).Deliver(context.Background(), task, true)
	require.NoError(t, err)
	assert.True(t, mentioned)
	gw.AssertExpectations(t)
}

func TestDeliver_GroupNotFound(t *testing.T) {
	gw := new(gatewaytest.Mock)
	gw.On("ResolveGroup", mock.Anything, "Gone").Return(gateway.Chat{}, domain.ErrNotFound)

	mentioned, err := newDeliverer(gw).Deliver(context.Background(), domain.Task{Group: "Gone", Text: "x"}, true)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.False(t, mentioned)
	gw.AssertNotCalled(t, "SendPayload", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeliver_MissingImageIsDeliveryError(t *testing.T) {
	gw := new(gatewaytest.Mock)
	gw.On("ResolveGroup", mock.Anything, "Family").Return(gateway.Chat{ID: 1}, nil)

	task := domain.Task{Group: "Family", ImagePath: filepath.Join(t.TempDir(), "missing.png")}
	_, err := newDeliverer(gw).Deliver(context.Background(), task, false)
	assert.True(t, errors.Is(err, domain.ErrDelivery))
}

func TestDeliver_MentionFailureDoesNotFailDelivery(t *testing.T) {
	gw := new(gatewaytest.Mock)
	chat := gateway.Chat{ID: 1}
	gw.On("ResolveGroup", mock.Anything, "Family").Return(chat, nil)
	gw.On("SendPayload", mock.Anything, chat, "", "x").Return(nil)
	gw.On("ListMembers", mock.Anything, chat).Return(nil, errors.New("forbidden"))

	mentioned, err := newDeliverer(gw).Deliver(context.Background(), domain.Task{Group: "Family", Text: "x"}, true)
	require.NoError(t, err)
	assert.True(t, mentioned)
}

func TestMentionText(t *testing.T) {
	assert.Empty(t, MentionText(nil))
	assert.Equal(t, `<a href="tg://user?id=7">user 7</a>`, MentionText([]gateway.Member{{ID: 7}}))
	assert.Equal(t, `<a href="tg://user?id=8">A &amp; B</a>`, MentionText([]gateway.Member{{ID: 8, DisplayName: "A & B"}}))
}
