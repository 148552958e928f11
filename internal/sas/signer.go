package sas

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"
)

// Renewal constants.
const (
	// defaultLifetime is the token lifespan when none is configured.
	defaultLifetime = 60 * time.Minute

	// renewalMargin is how long before expiry a cached token is considered
	// stale. Callers asking for a token inside this window get a fresh one,
	// so a token handed out is never within the margin of expiring.
	renewalMargin = 5 * time.Minute
)

// Credential is a derived shared access signature for one resource URI.
//
// Credentials are never persisted; they are regenerated from the device key
// whenever the cached one approaches expiry.
type Credential struct {
	// ResourceURI is the signed resource, "{hub}.{domain}/devices/{device}".
	ResourceURI string

	// Expiry is the unix timestamp (seconds) the signature is valid until.
	Expiry int64

	// Signature is the base64-encoded HMAC-SHA256 over the resource and expiry.
	Signature string

	// KeyName is the optional shared access policy name.
	KeyName string
}

// String renders the credential in the broker's wire format:
//
//	SharedAccessSignature sr={uri}&sig={signature}&se={expiry}[&skn={key name}]
//
// The resource URI and signature are url-encoded.
func (c Credential) String() string {
	s := fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%d",
		url.QueryEscape(c.ResourceURI),
		url.QueryEscape(c.Signature),
		c.Expiry,
	)
	if c.KeyName != "" {
		s += "&skn=" + url.QueryEscape(c.KeyName)
	}
	return s
}

// Config contains the inputs for deriving credentials.
type Config struct {
	// HubID is the short hub name.
	HubID string

	// Domain is the hub DNS suffix. Default: "azure-devices.net".
	Domain string

	// DeviceID is the device identity the credential grants access to.
	DeviceID string

	// Key is the base64-encoded primary or secondary shared access key.
	Key string

	// KeyName is the optional shared access policy name.
	KeyName string

	// Lifetime is the token lifespan. Default: 60 minutes.
	Lifetime time.Duration

	// Now returns the current unix timestamp in seconds. Injected rather than
	// read from the system clock: it keeps derivation deterministic in tests,
	// and constrained devices may only have a trustworthy time source after
	// an explicit sync. Default: time.Now().Unix.
	Now func() int64
}

// Signer derives time-scoped shared access credentials for a single device.
//
// Derivation is purely computational: no network, no retries, no system clock
// reads beyond the injected timestamp function. Given the same key, resource
// URI and expiry it always produces byte-identical signatures.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Signer struct {
	resourceURI string
	key         []byte
	keyName     string
	lifetime    time.Duration
	margin      time.Duration
	now         func() int64

	mu      sync.Mutex
	current Credential
}

// New creates a Signer from the device configuration.
//
// Parameters:
//   - cfg: Hub identity, base64 key, lifetime and timestamp source
//
// Returns:
//   - *Signer: Ready to derive credentials
//   - error: ErrInvalidKey if the key is not valid base64
func New(cfg Config) (*Signer, error) {
	key, err := base64.StdEncoding.DecodeString(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}

	domain := cfg.Domain
	if domain == "" {
		domain = "azure-devices.net"
	}

	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}

	// Short lifetimes get a proportionally smaller renewal window so the
	// margin never swallows the whole token.
	margin := renewalMargin
	if margin > lifetime/2 {
		margin = lifetime / 2
	}

	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}

	return &Signer{
		resourceURI: fmt.Sprintf("%s.%s/devices/%s", cfg.HubID, domain, cfg.DeviceID),
		key:         key,
		keyName:     cfg.KeyName,
		lifetime:    lifetime,
		margin:      margin,
		now:         now,
	}, nil
}

// Credential returns a credential valid for at least the renewal margin.
//
// The cached credential is reused until the current timestamp reaches
// expiry minus the margin, then a fresh one is derived. With a
// non-decreasing clock, every regenerated credential expires strictly later
// than its predecessor, so there is never a coverage gap.
func (s *Signer) Credential() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.now()
	if s.current.Signature == "" || n >= s.current.Expiry-int64(s.margin/time.Second) {
		s.current = s.derive(n)
	}
	return s.current
}

// Token returns the current credential in wire format. This is the value
// used as the MQTT password.
func (s *Signer) Token() string {
	return s.Credential().String()
}

// Refresh discards the cached credential so the next request derives a new
// one. Used on explicit reconnect.
func (s *Signer) Refresh() {
	s.mu.Lock()
	s.current = Credential{}
	s.mu.Unlock()
}

// ResourceURI returns the resource this signer grants access to.
func (s *Signer) ResourceURI() string {
	return s.resourceURI
}

// derive computes the credential for the given timestamp.
//
// The signed string is "{urlencode(resourceURI)}\n{expiry}", keyed with the
// base64-decoded device key.
func (s *Signer) derive(now int64) Credential {
	expiry := now + int64(s.lifetime/time.Second)

	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(url.QueryEscape(s.resourceURI) + "\n" + strconv.FormatInt(expiry, 10)))

	return Credential{
		ResourceURI: s.resourceURI,
		Expiry:      expiry,
		Signature:   base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		KeyName:     s.keyName,
	}
}
