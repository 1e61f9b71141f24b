package http

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/securefile"
)

// NewPairingToken creates a fresh token and writes it to path so the user
// can paste it into the extension once.
func NewPairingToken(path string) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", errors.Wrap(err, "generate pairing token")
	}
	if err := securefile.WriteText(path, token+"\n"); err != nil {
		return "", errors.Wrap(err, "write pairing token file")
	}
	return token, nil
}

// LoadPairingToken reads a token written by NewPairingToken.
func LoadPairingToken(path string) (string, error) {
	raw, found, err := securefile.ReadText(path)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.Newf("no pairing token at %s", path)
	}
	token := strings.TrimSpace(raw)
	if token == "" {
		return "", errors.Newf("empty pairing token at %s", path)
	}
	return token, nil
}

func newSessionToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
