package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/apperrors"
	"hookrelay/internal/matcher"
)

const (
	minSecretLength = 16
	maxSecretLength = 256
	secretPrefix    = "whsec_"
)

// Store persists subscriptions. Secrets are stored encrypted; the store
// fills in SecretRef on create and on rotation.
type Store interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscription(ctx context.Context, sub *Subscription, rotateSecret bool) error
	DeleteSubscription(ctx context.Context, id string) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ResolveSecret(ctx context.Context, ref string) ([]byte, error)
}

// RegistrySync receives mutations so the in-memory registry stays current
// without a full reload.
type RegistrySync interface {
	AddToRegistry(sub *Subscription)
	RemoveFromRegistry(id string)
	ReplaceInRegistry(sub *Subscription)
}

// Catalog answers which event types exist and whether they need conditions.
type Catalog interface {
	RequiresConditions(eventType string) (required, known bool)
}

// ChangeNotifier tells other instances that stored subscriptions changed.
type ChangeNotifier interface {
	Bump(ctx context.Context) (int64, error)
}

// Principal is the caller of an administrative operation.
type Principal struct {
	ID   string
	Role string
}

// CreateRequest is the body of a subscription create call.
type CreateRequest struct {
	EventType  string             `json:"event_type"`
	URL        string             `json:"url"`
	Secret     string             `json:"secret,omitempty"`
	Headers    map[string]string  `json:"headers,omitempty"`
	Conditions matcher.Conditions `json:"conditions,omitempty"`
	Enabled    *bool              `json:"enabled,omitempty"`
}

// UpdateRequest changes selected fields. Nil fields are left as they are.
// The event type of a subscription cannot change.
type UpdateRequest struct {
	URL          *string             `json:"url,omitempty"`
	Headers      map[string]string   `json:"headers,omitempty"`
	Conditions   *matcher.Conditions `json:"conditions,omitempty"`
	Enabled      *bool               `json:"enabled,omitempty"`
	RotateSecret bool                `json:"rotate_secret,omitempty"`
	Secret       string              `json:"secret,omitempty"` // used with RotateSecret; generated when empty
}

// Response is returned by create and update. Secret is only set when a new
// secret was issued and is never returned again.
type Response struct {
	Subscription *Subscription `json:"subscription"`
	Secret       string        `json:"secret,omitempty"`
}

// ServiceConfig holds the collaborators of a Service.
type ServiceConfig struct {
	Store    Store
	Registry RegistrySync
	Catalog  Catalog
	Policy   Policy         // default: DefaultPolicy()
	Notifier ChangeNotifier // optional
}

// Service applies administrative changes: authorize, validate, persist,
// then update the registry.
type Service struct {
	store    Store
	registry RegistrySync
	catalog  Catalog
	policy   Policy
	notifier ChangeNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new subscription service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	return &Service{
		store:    cfg.Store,
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		policy:   cfg.Policy,
		notifier: cfg.Notifier,
		logger:   slog.With("component", "subscriptions"),
		now:      time.Now,
	}
}

// Create validates, stores and registers a new subscription.
func (s *Service) Create(ctx context.Context, p Principal, req *CreateRequest) (*Response, error) {
	if p.ID == "" {
		return nil, apperrors.Forbidden("subscription", "principal is required")
	}
	if !s.policy.Allows(p.Role, req.EventType) {
		return nil, apperrors.Forbidden("subscription",
			fmt.Sprintf("role %q may not subscribe to %q", p.Role, req.EventType))
	}
	required, err := s.requiresConditions(req.EventType)
	if err != nil {
		return nil, err
	}

	secret, err := resolveRequestedSecret(req.Secret)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &Subscription{
		ID:         uuid.NewString(),
		OwnerID:    p.ID,
		EventType:  req.EventType,
		URL:        req.URL,
		Secret:     []byte(secret),
		Headers:    req.Headers,
		Conditions: req.Conditions,
		Enabled:    req.Enabled == nil || *req.Enabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := Validate(sub, required); err != nil {
		return nil, err
	}

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		s.logger.Error("Subscription create failed", "subscription", sub, "error", err)
		return nil, err
	}

	if sub.Enabled {
		s.registry.AddToRegistry(sub.Clone())
	}
	s.notify(ctx)

	s.logger.Info("Subscription created", "subscription", sub)
	return &Response{Subscription: sub, Secret: secret}, nil
}

// Get returns a subscription the principal may see.
func (s *Service) Get(ctx context.Context, p Principal, id string) (*Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeOwner(p, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Update applies req to an existing subscription and replaces it in the registry.
func (s *Service) Update(ctx context.Context, p Principal, id string, req *UpdateRequest) (*Response, error) {
	current, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeOwner(p, current); err != nil {
		return nil, err
	}
	if !s.policy.Allows(p.Role, current.EventType) {
		return nil, apperrors.Forbidden("subscription",
			fmt.Sprintf("role %q may not subscribe to %q", p.Role, current.EventType))
	}
	required, err := s.requiresConditions(current.EventType)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if req.URL != nil {
		next.URL = *req.URL
	}
	if req.Headers != nil {
		next.Headers = req.Headers
	}
	if req.Conditions != nil {
		next.Conditions = *req.Conditions
	}
	if req.Enabled != nil {
		next.Enabled = *req.Enabled
	}
	next.UpdatedAt = s.now().UTC()

	var issued string
	if req.RotateSecret {
		issued, err = resolveRequestedSecret(req.Secret)
		if err != nil {
			return nil, err
		}
		next.Secret = []byte(issued)
	} else if req.Secret != "" {
		return nil, apperrors.Validation("secret", "secret can only be set together with rotate_secret")
	}

	if err := Validate(next, required); err != nil {
		return nil, err
	}

	if err := s.store.UpdateSubscription(ctx, next, req.RotateSecret); err != nil {
		s.logger.Error("Subscription update failed", "subscription", next, "error", err)
		return nil, err
	}

	if !req.RotateSecret {
		secret, err := s.store.ResolveSecret(ctx, next.SecretRef)
		if err != nil {
			// Stored row is updated; drop the stale entry and let the next
			// load decide whether it is deliverable.
			s.registry.RemoveFromRegistry(next.ID)
			s.notify(ctx)
			s.logger.Warn("Subscription secret unresolvable after update", "subscription", next, "error", err)
			return &Response{Subscription: next}, nil
		}
		next.Secret = secret
	}

	if next.Enabled {
		s.registry.ReplaceInRegistry(next.Clone())
	} else {
		s.registry.RemoveFromRegistry(next.ID)
	}
	s.notify(ctx)

	s.logger.Info("Subscription updated", "subscription", next, "secret_rotated", req.RotateSecret)
	return &Response{Subscription: next, Secret: issued}, nil
}

// Delete removes a subscription from storage and from the registry.
func (s *Service) Delete(ctx context.Context, p Principal, id string) error {
	current, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorizeOwner(p, current); err != nil {
		return err
	}

	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		s.logger.Error("Subscription delete failed", "id", id, "error", err)
		return err
	}
	s.registry.RemoveFromRegistry(id)
	s.notify(ctx)

	s.logger.Info("Subscription deleted", "id", id, "owner_id", current.OwnerID)
	return nil
}

func (s *Service) authorizeOwner(p Principal, sub *Subscription) error {
	if p.ID == "" {
		return apperrors.Forbidden("subscription", "principal is required")
	}
	if sub.OwnerID != p.ID && !s.policy.Manages(p.Role) {
		return apperrors.Forbidden("subscription", "subscription belongs to another principal")
	}
	return nil
}

func (s *Service) requiresConditions(eventType string) (bool, error) {
	if eventType == Wildcard {
		return false, nil
	}
	required, known := s.catalog.RequiresConditions(eventType)
	if !known {
		return false, apperrors.Validation("event_type", fmt.Sprintf("unknown event type %q", eventType))
	}
	return required, nil
}

func (s *Service) notify(ctx context.Context) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Bump(ctx); err != nil {
		s.logger.Warn("Failed to publish registry change", "error", err)
	}
}

// resolveRequestedSecret validates a caller-provided secret or generates one.
func resolveRequestedSecret(requested string) (string, error) {
	if requested == "" {
		return GenerateSecret()
	}
	if len(requested) < minSecretLength || len(requested) > maxSecretLength {
		return "", apperrors.Validation("secret",
			fmt.Sprintf("secret must be %d-%d characters", minSecretLength, maxSecretLength))
	}
	return requested, nil
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", apperrors.Internal("subscription.generateSecret", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}
