package google

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

var (
	// ErrDisabled is returned when no Google client id is configured.
	ErrDisabled = errors.New("google sign-in is not configured")
	// ErrNoVerifiedEmail is returned for ID tokens without a verified email.
	ErrNoVerifiedEmail = errors.New("verified email not present in id token")
)

// IDTokenVerifier checks a Google Sign-In credential and returns who it belongs to.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idTok string) (*Profile, error)
}

type Profile struct {
	Subject string
	Email   string
}

// Verifier validates Google ID tokens against Google's published keys.
type Verifier struct {
	ClientID string

	// validate defaults to idtoken.Validate.
	validate func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)
}

func NewVerifier(clientID string) *Verifier {
	return &Verifier{ClientID: clientID, validate: idtoken.Validate}
}

func (v *Verifier) Enabled() bool { return v != nil && v.ClientID != "" }

func (v *Verifier) VerifyIDToken(ctx context.Context, idTok string) (*Profile, error) {
	if !v.Enabled() {
		return nil, ErrDisabled
	}
	validate := v.validate
	if validate == nil {
		validate = idtoken.Validate
	}
	payload, err := validate(ctx, idTok, v.ClientID)
	if err != nil {
		return nil, fmt.Errorf("validate google id token: %w", err)
	}
	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if email == "" || !verified {
		return nil, ErrNoVerifiedEmail
	}
	return &Profile{Subject: payload.Subject, Email: email}, nil
}
