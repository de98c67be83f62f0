package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-helpdesk-bridge/core"
)

const (
	GitHubSignatureHeader = "X-Hub-Signature-256"
	GitHubEventHeader     = "X-GitHub-Event"
	GitHubDeliveryHeader  = "X-GitHub-Delivery"
)

// HeaderHMACVerifier checks a hex HMAC-SHA256 signature of the raw body
// carried in Header after Prefix.
type HeaderHMACVerifier struct {
	Header string
	Prefix string
	Secret string

	// AllowUnsigned accepts requests when no secret is configured.
	AllowUnsigned bool
}

func (v HeaderHMACVerifier) Verify(headers http.Header, body []byte) error {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		if v.AllowUnsigned {
			return nil
		}
		return core.NewAuthenticationError("signature secret is not configured", nil)
	}
	header := strings.TrimSpace(headers.Get(v.Header))
	if header == "" {
		return core.NewAuthenticationError(fmt.Sprintf("%s header is required", v.Header), nil)
	}
	prefix := strings.TrimSpace(v.Prefix)
	if prefix != "" && !strings.HasPrefix(header, prefix) {
		return core.NewAuthenticationError("signature prefix is missing", nil)
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(header, prefix)))
	if err != nil {
		return core.NewAuthenticationError("signature is not hex encoded", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if subtle.ConstantTimeCompare(decoded, mac.Sum(nil)) != 1 {
		return core.NewAuthenticationError("signature verification failed", nil)
	}
	return nil
}

// NewGitHubVerifier verifies X-Hub-Signature-256. Unsigned deliveries are
// accepted only in dev with no secret configured.
func NewGitHubVerifier(cfg core.Config) HeaderHMACVerifier {
	return HeaderHMACVerifier{
		Header:        GitHubSignatureHeader,
		Prefix:        "sha256=",
		Secret:        cfg.GitHub.WebhookSecret,
		AllowUnsigned: cfg.IsDev(),
	}
}

func VerifyGitHubSignature(cfg core.Config, headers http.Header, body []byte) error {
	return NewGitHubVerifier(cfg).Verify(headers, body)
}

// SignGitHubPayload renders the header value GitHub would send for body.
func SignGitHubPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
