package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-helpdesk-bridge/core"
)

const (
	TokenPrefix = "HD"

	tokenSeparator = "-"
	tagHexLength   = 16
	// Bound keeps tokens subject-line friendly even for absurd issue numbers.
	maxTokenLength = 64
)

type TokenOption func(*ThreadTokenCodec)

// WithMaxAge enables the expiry policy. Tokens minted with a positive max age
// embed their issue time.
func WithMaxAge(maxAge time.Duration) TokenOption {
	return func(codec *ThreadTokenCodec) {
		if maxAge > 0 {
			codec.window.MaxAge = maxAge
		}
	}
}

func WithClockSkew(skew time.Duration) TokenOption {
	return func(codec *ThreadTokenCodec) {
		if skew >= 0 {
			codec.window.Skew = skew
		}
	}
}

func WithClock(clock core.Clock) TokenOption {
	return func(codec *ThreadTokenCodec) {
		if clock != nil {
			codec.now = clock
		}
	}
}

// ThreadTokenCodec signs thread identities as HD-<issue>-<tag> or, with an
// expiry policy, HD-<issue>-<issued base36>-<tag>. The tag is the first 16 hex
// characters of HMAC-SHA256 over everything before it.
type ThreadTokenCodec struct {
	secret []byte
	window FreshnessWindow
	now    core.Clock
}

func NewThreadTokenCodec(secret string, opts ...TokenOption) (*ThreadTokenCodec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("security: token secret is required")
	}
	codec := &ThreadTokenCodec{
		secret: []byte(secret),
		window: FreshnessWindow{Skew: defaultClockSkew},
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(codec)
	}
	return codec, nil
}

// Encode signs identity. With an expiry policy IssuedAt is carried at whole
// second precision, defaulting to the codec clock when zero; without one it is
// not carried at all. Decode(Encode(x)) therefore equals Canonical(x).
func (c *ThreadTokenCodec) Encode(identity core.ThreadIdentity) (string, error) {
	if c == nil {
		return "", fmt.Errorf("security: token codec is nil")
	}
	if identity.IssueNumber <= 0 {
		return "", core.NewBadInputError("issue_number", "issue number must be positive")
	}
	identity = c.Canonical(identity)
	payload := TokenPrefix + tokenSeparator + strconv.Itoa(identity.IssueNumber)
	if c.window.Enabled() {
		payload += tokenSeparator + strconv.FormatInt(identity.IssuedAt.Unix(), 36)
	}
	return payload + tokenSeparator + c.tag(payload), nil
}

// Canonical returns identity as a token minted by this codec represents it.
func (c *ThreadTokenCodec) Canonical(identity core.ThreadIdentity) core.ThreadIdentity {
	if !c.window.Enabled() {
		identity.IssuedAt = time.Time{}
		return identity
	}
	issuedAt := identity.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = c.now()
	}
	identity.IssuedAt = issuedAt.UTC().Truncate(time.Second)
	return identity
}

// Decode authenticates token and returns the identity it carries. Every
// failure is an authentication error.
func (c *ThreadTokenCodec) Decode(token string) (core.ThreadIdentity, error) {
	if c == nil {
		return core.ThreadIdentity{}, fmt.Errorf("security: token codec is nil")
	}
	if len(token) == 0 || len(token) > maxTokenLength {
		return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token", nil)
	}
	cut := strings.LastIndex(token, tokenSeparator)
	if cut <= 0 {
		return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token", nil)
	}
	payload, tag := token[:cut], token[cut+1:]
	if !isLowerHex(tag, tagHexLength) {
		return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token tag", nil)
	}
	if !hmac.Equal([]byte(c.tag(payload)), []byte(tag)) {
		return core.ThreadIdentity{}, core.NewAuthenticationError("thread token signature mismatch", nil)
	}

	parts := strings.Split(payload, tokenSeparator)
	if len(parts) < 2 || len(parts) > 3 || parts[0] != TokenPrefix {
		return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token", nil)
	}
	issue, err := strconv.Atoi(parts[1])
	if err != nil || issue <= 0 || strconv.Itoa(issue) != parts[1] {
		return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token issue", err)
	}
	identity := core.ThreadIdentity{IssueNumber: issue}

	if len(parts) == 3 {
		seconds, err := strconv.ParseInt(parts[2], 36, 64)
		if err != nil || seconds <= 0 || strconv.FormatInt(seconds, 36) != parts[2] {
			return core.ThreadIdentity{}, core.NewAuthenticationError("malformed thread token timestamp", err)
		}
		identity.IssuedAt = time.Unix(seconds, 0).UTC()
	}
	if c.window.Enabled() {
		if identity.IssuedAt.IsZero() {
			return core.ThreadIdentity{}, core.NewAuthenticationError("thread token has no issue time", nil)
		}
		if !c.window.Allows(identity.IssuedAt, c.now()) {
			return core.ThreadIdentity{}, core.NewAuthenticationError("thread token is stale", nil)
		}
	}
	return identity, nil
}

func (c *ThreadTokenCodec) tag(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))[:tagHexLength]
}

func isLowerHex(value string, length int) bool {
	if len(value) != length {
		return false
	}
	for i := 0; i < len(value); i++ {
		ch := value[i]
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return false
		}
	}
	return true
}

var _ core.TokenCodec = (*ThreadTokenCodec)(nil)
