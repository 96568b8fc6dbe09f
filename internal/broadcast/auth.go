package broadcast

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized rejects a subscription with a missing or wrong signature.
var ErrUnauthorized = errors.New("channel authorization failed")

// Authorizer signs and verifies presence channel subscriptions with the app
// key and secret. A zero-secret authorizer accepts everything.
type Authorizer struct {
	Key    string
	Secret string
}

// Enabled reports whether signatures are checked.
func (a Authorizer) Enabled() bool {
	return a.Secret != ""
}

// Sign returns "key:hex(hmac-sha256(secret, clientId:channel))".
func (a Authorizer) Sign(clientID, channel string) string {
	if !a.Enabled() {
		return ""
	}
	return a.Key + ":" + hex.EncodeToString(a.mac(clientID, channel))
}

// Verify checks auth against the expected signature in constant time.
func (a Authorizer) Verify(clientID, channel, auth string) error {
	if !a.Enabled() {
		return nil
	}
	key, sig, ok := strings.Cut(auth, ":")
	if !ok || key != a.Key {
		return ErrUnauthorized
	}
	got, err := hex.DecodeString(sig)
	if err != nil || !hmac.Equal(got, a.mac(clientID, channel)) {
		return ErrUnauthorized
	}
	return nil
}

func (a Authorizer) mac(clientID, channel string) []byte {
	m := hmac.New(sha256.New, []byte(a.Secret))
	m.Write([]byte(clientID + ":" + channel))
	return m.Sum(nil)
}
