package session

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/idtoken"
)

var ErrFederatedDisabled = errors.New("federated sign-in is not configured")

// FederatedIdentity is the verified subject of an external credential.
type FederatedIdentity struct {
	Provider string
	Subject  string
	Email    string
}

// FederatedVerifier checks a credential issued by an external identity
// provider.
type FederatedVerifier interface {
	Verify(ctx context.Context, credential string) (FederatedIdentity, error)
}

// GoogleVerifier validates Google ID tokens minted for ClientID.
type GoogleVerifier struct {
	ClientID string
	// validate defaults to idtoken.Validate.
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{ClientID: clientID, validate: idtoken.Validate}
}

func (g *GoogleVerifier) Verify(ctx context.Context, credential string) (FederatedIdentity, error) {
	if g.ClientID == "" {
		return FederatedIdentity{}, ErrFederatedDisabled
	}
	payload, err := g.validate(ctx, credential, g.ClientID)
	if err != nil {
		return FederatedIdentity{}, fmt.Errorf("validate google id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	verified, _ := payload.Claims["email_verified"].(bool)
	if email == "" || !verified {
		return FederatedIdentity{}, fmt.Errorf("google account has no verified email")
	}
	return FederatedIdentity{
		Provider: ProviderGoogle,
		Subject:  payload.Subject,
		Email:    email,
	}, nil
}
