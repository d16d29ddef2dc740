// Package gateway defines the capabilities the scheduler needs from the chat
// network: authenticate one account, resolve groups, send payloads.
package gateway

import (
	"context"

	"groupcast/internal/domain"
)

type Credentials struct {
	APIID   int64
	APIHash string
	Phone   string
}

type Chat struct {
	ID    int64
	Title string
}

type Member struct {
	ID          int64
	Username    string
	DisplayName string
}

type Gateway interface {
	// Connect authenticates and returns the session to persist. Bad
	// credentials are reported as domain.ErrAuth.
	Connect(ctx context.Context, creds Credentials) (domain.Session, error)
	// Restore re-establishes the connection from a stored session.
	Restore(ctx context.Context, s domain.Session) error
	Disconnect(ctx context.Context) error
	// SessionBlob returns the current connection state to persist. It
	// changes as the gateway learns about groups.
	SessionBlob() ([]byte, error)

	// ResolveGroup returns domain.ErrNotFound for unknown references.
	ResolveGroup(ctx context.Context, ref string) (Chat, error)
	// SendPayload sends the image with text as caption, or text alone when
	// imagePath is empty.
	SendPayload(ctx context.Context, chat Chat, imagePath, text string) error
	ListMembers(ctx context.Context, chat Chat) ([]Member, error)
	SendText(ctx context.Context, chat Chat, text string, html bool) error
	Groups(ctx context.Context) ([]Chat, error)
}
