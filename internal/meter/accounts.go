package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/zombor/meter-tracker/internal/auth"
	"github.com/zombor/meter-tracker/internal/scanning"
)

// defaultPropertyName is the property created for every new account
const defaultPropertyName = "My Home"

// Session is the response to a successful sign-in
type Session struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	User        Profile `json:"user"`
}

func (s *Service) session(user *User) (*Session, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}
	return &Session{AccessToken: token, TokenType: "bearer", User: user.Profile()}, nil
}

// newAccount saves the user together with a default property holding one
// meter per utility
func (s *Service) newAccount(user *User) error {
	now := s.timeSource.Now()
	user.ID = s.idGenerator.Generate()
	user.CreatedAt = now
	user.UpdatedAt = now

	property := &Property{
		ID:        s.idGenerator.Generate(),
		UserID:    user.ID,
		Name:      defaultPropertyName,
		CreatedAt: now,
	}
	seeds := []struct {
		utility scanning.Utility
		name    string
	}{
		{scanning.Gas, "Gas Meter"},
		{scanning.Electricity, "Electricity Meter"},
		{scanning.Water, "Water Meter"},
	}
	meters := make([]*Meter, 0, len(seeds))
	for _, seed := range seeds {
		meters = append(meters, &Meter{
			ID:         s.idGenerator.Generate(),
			PropertyID: property.ID,
			Utility:    seed.utility,
			Name:       seed.name,
			DigitCount: seed.utility.DefaultDigits(),
			CreatedAt:  now,
		})
	}

	return s.db.CreateAccount(user, property, meters)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", errorf(ErrInvalidInput, "Invalid email address")
	}
	return email, nil
}

// Register creates a password account
func (s *Service) Register(email, password, name string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, errorf(ErrInvalidInput, "password is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errorf(ErrInvalidInput, "name is required")
	}

	if _, err := s.db.GetUserByEmail(email); err == nil {
		return nil, errorf(ErrConflict, "Email already registered")
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up email: %w", err)
	}

	hash, err := auth.HashPassword(password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return nil, errorf(ErrInvalidInput, "password must be at most 72 bytes")
	}
	if err != nil {
		return nil, err
	}

	user := &User{Email: email, Name: name, PasswordHash: hash}
	if err := s.newAccount(user); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	slog.Info("Registered user", "user_id", user.ID)
	return s.session(user)
}

// Login checks a password and returns a new session
func (s *Service) Login(email, password string) (*Session, error) {
	invalid := errorf(ErrUnauthorized, "Invalid email or password")

	user, err := s.db.GetUserByEmail(strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid
		}
		return nil, fmt.Errorf("looking up email: %w", err)
	}
	if err := auth.CheckPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, invalid
		}
		return nil, err
	}
	return s.session(user)
}

// SignInWithGoogle verifies a Google ID token, linking or creating an account
func (s *Service) SignInWithGoogle(ctx context.Context, token string) (*Session, error) {
	return s.signInWithIdentity(ctx, ProviderGoogle, s.google, token, "")
}

// SignInWithApple verifies an Apple identity token, linking or creating an
// account. name is used when a new account is created.
func (s *Service) SignInWithApple(ctx context.Context, token, name string) (*Session, error) {
	return s.signInWithIdentity(ctx, ProviderApple, s.apple, token, name)
}

func (s *Service) signInWithIdentity(ctx context.Context, provider string, verifier auth.Verifier, token, name string) (*Session, error) {
	if verifier == nil {
		return nil, errorf(ErrInvalidInput, "%s sign-in is not configured", provider)
	}
	if strings.TrimSpace(token) == "" {
		return nil, errorf(ErrInvalidInput, "identity token is required")
	}

	identity, err := verifier.Verify(ctx, token)
	if err != nil {
		slog.Warn("Rejected identity token", "provider", provider, "error", err)
		return nil, errorf(ErrUnauthorized, "Invalid %s token", provider)
	}

	user, err := s.db.GetUserByIdentity(provider, identity.Subject)
	if err == nil {
		return s.session(user)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("looking up identity: %w", err)
	}

	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if email != "" {
		existing, err := s.db.GetUserByEmail(email)
		switch {
		case err == nil:
			link(existing, provider, identity.Subject)
			existing.UpdatedAt = s.timeSource.Now()
			if err := s.db.SaveUser(existing); err != nil {
				return nil, fmt.Errorf("linking %s account: %w", provider, err)
			}
			slog.Info("Linked identity", "provider", provider, "user_id", existing.ID)
			return s.session(existing)
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("looking up email: %w", err)
		}
	}

	if email == "" {
		email = identity.Subject + "@" + provider + ".private"
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = identity.Name
	}
	if name == "" {
		name = strings.SplitN(email, "@", 2)[0]
	}

	user = &User{Email: email, Name: name}
	link(user, provider, identity.Subject)
	if err := s.newAccount(user); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	slog.Info("Registered user", "user_id", user.ID, "provider", provider)
	return s.session(user)
}

func link(user *User, provider, subject string) {
	switch provider {
	case ProviderGoogle:
		user.GoogleID = subject
	case ProviderApple:
		user.AppleID = subject
	}
}

// Authenticate resolves a bearer token to the id of an existing user
func (s *Service) Authenticate(token string) (string, error) {
	userID, err := s.tokens.Parse(token)
	if err != nil {
		return "", errorf(ErrUnauthorized, "Invalid or expired token")
	}
	if _, err := s.db.GetUser(userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", errorf(ErrUnauthorized, "User not found")
		}
		return "", fmt.Errorf("getting user: %w", err)
	}
	return userID, nil
}

// DeleteAccount removes the user and everything it owns
func (s *Service) DeleteAccount(userID string) error {
	images, err := s.db.DeleteUser(userID)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	s.removeImages(images)
	slog.Info("Deleted user", "user_id", userID)
	return nil
}
