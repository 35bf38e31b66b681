// ABOUTME: Identity store mapping external identity tokens to internal user rows
// ABOUTME: Resolves the request caller once and keeps user profiles in sync

package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/coven-chat/internal/live"
	"github.com/2389/coven-chat/internal/store"
)

var (
	// ErrUnauthenticated means no verified identity accompanied the request.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrUserNotFound means the identity is verified but has no user row yet.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidProfile means a required profile field is empty.
	ErrInvalidProfile = errors.New("invalid profile")

	// ErrContactNotFound means no user is registered with the looked-up contact.
	ErrContactNotFound = errors.New("contact not found")
)

// UserStore is the slice of storage the identity layer needs.
type UserStore interface {
	UpsertUser(ctx context.Context, profile *store.UserProfile) (*store.User, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*store.User, error)
	GetUserByContact(ctx context.Context, contact string) (*store.User, error)
}

// Caller is the resolved identity of a request. The zero value is anonymous.
// A Caller with an ExternalID but no User has a verified identity that has
// not been synced into the users table.
type Caller struct {
	ExternalID string
	User       *store.User
}

// Anonymous is the caller of an unauthenticated request.
var Anonymous = Caller{}

// Authenticated reports whether the caller resolved to a user row.
func (c Caller) Authenticated() bool {
	return c.User != nil
}

// UserID returns the caller's internal user id, or "" when unresolved.
func (c Caller) UserID() string {
	if c.User == nil {
		return ""
	}
	return c.User.ID
}

// Require returns the condition that prevents the caller from writing, or nil.
func (c Caller) Require() error {
	switch {
	case c.ExternalID == "" && c.User == nil:
		return ErrUnauthenticated
	case c.User == nil:
		return ErrUserNotFound
	default:
		return nil
	}
}

// Service implements the identity operations.
type Service struct {
	users     UserStore
	hub       *live.Hub
	publisher live.Publisher
	logger    *slog.Logger
}

// New creates an identity service. Writes are announced through publisher;
// WatchCurrent registers on hub. Pass nil logger for default.
func New(users UserStore, hub *live.Hub, publisher live.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = hub
	}
	return &Service{
		users:     users,
		hub:       hub,
		publisher: publisher,
		logger:    logger.With("component", "identity"),
	}
}

// ResolveCaller maps a verified external identity token to a Caller. An empty
// token is ErrUnauthenticated; a token without a user row returns a Caller
// carrying only the external id together with ErrUserNotFound.
func (s *Service) ResolveCaller(ctx context.Context, externalID string) (Caller, error) {
	if externalID == "" {
		return Anonymous, ErrUnauthenticated
	}

	u, err := s.users.GetUserByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return Caller{ExternalID: externalID}, ErrUserNotFound
	}
	if err != nil {
		return Anonymous, fmt.Errorf("resolving caller: %w", err)
	}
	return Caller{ExternalID: externalID, User: u}, nil
}

// ExternalIDLookup is the lookup Refresh needs.
type ExternalIDLookup interface {
	GetUserByExternalID(ctx context.Context, externalID string) (*store.User, error)
}

// Refresh re-resolves a caller whose user row did not exist when the request
// was authenticated. Anonymous and resolved callers are returned unchanged.
// While the row is still missing, pending holds the key UpsertUser publishes
// for it, so a live query that depends on pending reruns once the user syncs.
func Refresh(ctx context.Context, users ExternalIDLookup, caller Caller) (refreshed Caller, pending []live.Key, err error) {
	if caller.Authenticated() || caller.ExternalID == "" {
		return caller, nil, nil
	}

	u, err := users.GetUserByExternalID(ctx, caller.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		return caller, []live.Key{live.Row(live.IndexUserExternalID, caller.ExternalID)}, nil
	}
	if err != nil {
		return caller, nil, fmt.Errorf("resolving caller: %w", err)
	}
	return Caller{ExternalID: caller.ExternalID, User: u}, nil, nil
}

// Profile is the identity provider's view of a user.
type Profile struct {
	ExternalID  string  `json:"external_id"`
	Contact     string  `json:"contact"`
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// UpsertUser creates the user for p.ExternalID or patches its mutable fields.
// Conversation lists that show this user are refreshed.
func (s *Service) UpsertUser(ctx context.Context, p Profile) (*store.User, error) {
	externalID := strings.TrimSpace(p.ExternalID)
	contact := strings.TrimSpace(p.Contact)
	if externalID == "" {
		return nil, fmt.Errorf("%w: external_id is required", ErrInvalidProfile)
	}
	if contact == "" {
		return nil, fmt.Errorf("%w: contact is required", ErrInvalidProfile)
	}

	u, err := s.users.UpsertUser(ctx, &store.UserProfile{
		ExternalID:  externalID,
		Contact:     contact,
		DisplayName: trimOptional(p.DisplayName),
		AvatarURL:   trimOptional(p.AvatarURL),
	})
	if err != nil {
		return nil, err
	}

	keys := []live.Key{
		live.Row(live.TableUsers, u.ID),
		live.Row(live.IndexUserExternalID, u.ExternalID),
	}
	if err := s.publisher.Publish(ctx, keys...); err != nil {
		s.logger.Warn("failed to publish user invalidation", "user_id", u.ID, "error", err)
	}

	s.logger.Info("user synced", "user_id", u.ID, "external_id", u.ExternalID)
	return u, nil
}

// Current returns the caller's user row, or nil for an unresolved caller.
func (s *Service) Current(ctx context.Context, caller Caller) (*store.User, error) {
	u, _, err := s.currentQuery(caller)(ctx)
	return u, err
}

func (s *Service) currentQuery(caller Caller) live.RunFunc[*store.User] {
	return func(ctx context.Context) (*store.User, []live.Key, error) {
		c, pending, err := Refresh(ctx, s.users, caller)
		if err != nil {
			return nil, nil, err
		}
		if !c.Authenticated() {
			return nil, pending, nil
		}

		deps := []live.Key{live.Row(live.TableUsers, c.UserID())}
		u, err := s.users.GetUser(ctx, c.UserID())
		if errors.Is(err, store.ErrNotFound) {
			return nil, deps, nil
		}
		if err != nil {
			return nil, nil, err
		}
		return u, deps, nil
	}
}

// WatchCurrent is the live form of Current. A caller that is verified but not
// yet synced sees nil until UpsertUser creates its row.
func (s *Service) WatchCurrent(ctx context.Context, caller Caller) (*live.Subscription[*store.User], error) {
	return live.Subscribe(ctx, s.hub, "users.current", s.currentQuery(caller))
}

// LookupByContact finds a user by contact address so a client can start a
// conversation with them.
func (s *Service) LookupByContact(ctx context.Context, caller Caller, contact string) (*store.User, error) {
	if err := caller.Require(); err != nil {
		return nil, err
	}
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return nil, fmt.Errorf("%w: contact is required", ErrInvalidProfile)
	}

	u, err := s.users.GetUserByContact(ctx, contact)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	return u, err
}

// trimOptional trims an optional field; blank values clear it.
func trimOptional(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	if t == "" {
		return nil
	}
	return &t
}
