package auth

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/api/idtoken"
)

var _ = Describe("GoogleVerifier", func() {
	var (
		verifier *GoogleVerifier
		payload  *idtoken.Payload
		failure  error
		audience string
	)

	BeforeEach(func() {
		payload = &idtoken.Payload{
			Subject: "google-sub",
			Claims:  map[string]any{"email": "jane@example.com", "name": "Jane"},
		}
		failure = nil
		verifier = NewGoogleVerifier("client-id.apps.googleusercontent.com")
		verifier.validate = func(_ context.Context, _, aud string) (*idtoken.Payload, error) {
			audience = aud
			if failure != nil {
				return nil, failure
			}
			return payload, nil
		}
	})

	It("returns the subject, email and name", func() {
		identity, err := verifier.Verify(context.Background(), "token")
		Expect(err).NotTo(HaveOccurred())
		Expect(identity).To(Equal(&Identity{Subject: "google-sub", Email: "jane@example.com", Name: "Jane"}))
		Expect(audience).To(Equal("client-id.apps.googleusercontent.com"))
	})

	It("tolerates missing optional claims", func() {
		payload.Claims = map[string]any{}
		identity, err := verifier.Verify(context.Background(), "token")
		Expect(err).NotTo(HaveOccurred())
		Expect(identity.Email).To(BeEmpty())
	})

	It("wraps validation failures", func() {
		failure = errors.New("idtoken: token expired")
		_, err := verifier.Verify(context.Background(), "token")
		Expect(err).To(MatchError(ErrInvalidIdentity))
	})

	It("rejects tokens without a subject", func() {
		payload.Subject = ""
		_, err := verifier.Verify(context.Background(), "token")
		Expect(err).To(MatchError(ErrInvalidIdentity))
	})
})
