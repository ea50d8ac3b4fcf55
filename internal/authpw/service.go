// Package authpw maps the two shared access passwords to their tiers.
package authpw

import (
	"errors"
	"fmt"

	"formdesk/api/internal/rbac"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidPassword is returned when a password matches neither tier.
var ErrInvalidPassword = errors.New("invalid password")

type tierPassword struct {
	tier rbac.Tier
	hash []byte
}

// Service verifies the two static tier passwords.
type Service struct {
	tiers []tierPassword
}

// NewService hashes the configured passwords. Passwords are compared in
// editor-before-viewer order so identical passwords resolve to the higher tier.
func NewService(viewerPassword, editorPassword string) (*Service, error) {
	editorHash, err := bcrypt.GenerateFromPassword([]byte(editorPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash editor password: %w", err)
	}
	viewerHash, err := bcrypt.GenerateFromPassword([]byte(viewerPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash viewer password: %w", err)
	}
	return &Service{
		tiers: []tierPassword{
			{tier: rbac.TierEditor, hash: editorHash},
			{tier: rbac.TierViewer, hash: viewerHash},
		},
	}, nil
}

// Verify returns the access tier for the given password.
func (s *Service) Verify(password string) (rbac.Tier, error) {
	if password == "" {
		return "", ErrInvalidPassword
	}
	for _, candidate := range s.tiers {
		if bcrypt.CompareHashAndPassword(candidate.hash, []byte(password)) == nil {
			return candidate.tier, nil
		}
	}
	return "", ErrInvalidPassword
}
