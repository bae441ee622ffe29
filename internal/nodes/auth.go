package nodes

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"
)

// ==========================================================================
// Node Authentication
// ==========================================================================
//
// Registration and heartbeat frames carry an HMAC-SHA3-256 signature over a
// canonical rendering of the frame body. Registration signatures include a
// client nonce and a unix timestamp; a nonce is accepted at most once inside
// the replay window, and a timestamp older than the window is rejected even
// when the nonce is fresh. Heartbeat signatures cover only the node id and
// resource map, so they carry no replay state.

// ErrAuthFailed marks any signature, nonce, or timestamp rejection. Callers
// match it with errors.Is and treat the failure as terminal for the
// connection.
var ErrAuthFailed = errors.New("authentication failed")

// DefaultReplayWindow bounds both nonce reuse and timestamp staleness for
// registration frames.
const DefaultReplayWindow = 300 * time.Second

// Authenticator signs and verifies node frames with a shared secret.
type Authenticator struct {
	secret []byte
	window time.Duration

	mu     sync.Mutex
	nonces map[string]time.Time

	now func() time.Time
}

// NewAuthenticator creates an authenticator for the given shared secret.
// A non-positive window falls back to DefaultReplayWindow.
func NewAuthenticator(secret string, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Authenticator{
		secret: []byte(secret),
		window: window,
		nonces: make(map[string]time.Time),
		now:    time.Now,
	}
}

// SignRegistration produces the hex signature a node must attach to its
// register frame.
func (a *Authenticator) SignRegistration(nodeType string, capabilities []string, resources map[string]interface{}, nonce string, ts time.Time) string {
	return a.sign(canonicalRegistration(nodeType, capabilities, resources, nonce, ts))
}

// VerifyRegistration checks a register frame signature, the timestamp
// freshness, and the nonce uniqueness. All failures wrap ErrAuthFailed.
func (a *Authenticator) VerifyRegistration(nodeType string, capabilities []string, resources map[string]interface{}, nonce, signature string, ts time.Time) error {
	now := a.now()
	if now.Sub(ts) > a.window {
		return fmt.Errorf("%w: timestamp %d outside replay window", ErrAuthFailed, ts.Unix())
	}
	if ts.Sub(now) > a.window {
		return fmt.Errorf("%w: timestamp %d is in the future", ErrAuthFailed, ts.Unix())
	}
	if err := a.verify(canonicalRegistration(nodeType, capabilities, resources, nonce, ts), signature); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)
	if _, seen := a.nonces[nonce]; seen {
		return fmt.Errorf("%w: replayed nonce %q", ErrAuthFailed, nonce)
	}
	a.nonces[nonce] = now
	return nil
}

// SignHeartbeat produces the hex signature for a heartbeat frame.
func (a *Authenticator) SignHeartbeat(nodeID string, resources map[string]interface{}) string {
	return a.sign(canonicalHeartbeat(nodeID, resources))
}

// VerifyHeartbeat checks a heartbeat frame signature.
func (a *Authenticator) VerifyHeartbeat(nodeID string, resources map[string]interface{}, signature string) error {
	return a.verify(canonicalHeartbeat(nodeID, resources), signature)
}

func (a *Authenticator) sign(payload string) string {
	mac := hmac.New(sha3.New256, a.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) verify(payload, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrAuthFailed)
	}
	mac := hmac.New(sha3.New256, a.secret)
	mac.Write([]byte(payload))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrAuthFailed)
	}
	return nil
}

// pruneLocked drops nonces older than the replay window. Callers hold a.mu.
func (a *Authenticator) pruneLocked(now time.Time) {
	for nonce, seen := range a.nonces {
		if now.Sub(seen) > a.window {
			delete(a.nonces, nonce)
		}
	}
}

// canonicalRegistration renders the signed portion of a register frame.
// Capabilities are sorted, resources are sorted by key and rendered as k=v,
// and the timestamp is unix seconds, so independently built clients produce
// identical bytes.
func canonicalRegistration(nodeType string, capabilities []string, resources map[string]interface{}, nonce string, ts time.Time) string {
	caps := make([]string, len(capabilities))
	copy(caps, capabilities)
	sort.Strings(caps)
	return strings.Join([]string{
		"register",
		nodeType,
		strings.Join(caps, ","),
		canonicalResources(resources),
		nonce,
		strconv.FormatInt(ts.Unix(), 10),
	}, "|")
}

func canonicalHeartbeat(nodeID string, resources map[string]interface{}) string {
	return strings.Join([]string{"heartbeat", nodeID, canonicalResources(resources)}, "|")
}

func canonicalResources(resources map[string]interface{}) string {
	if len(resources) == 0 {
		return ""
	}
	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, resources[k]))
	}
	return strings.Join(parts, ",")
}
