package keystore

import (
	"crypto/ecdsa"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/quantumauth-io/quantum-wallet-broker/internal/constants"
	"github.com/quantumauth-io/quantum-wallet-broker/internal/shared"
)

// GenerateSeed returns a fresh mnemonic of 12 or 24 words.
func GenerateSeed(words int) (string, error) {
	if words == 0 {
		words = constants.SeedLengths[0]
	}
	var bits int
	switch words {
	case 12:
		bits = 128
	case 24:
		bits = 256
	default:
		return "", shared.ValidationFailedf("Mnemonic needs to contain 12, 24 words")
	}

	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", errors.Wrap(err, "entropy")
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", errors.Wrap(err, "mnemonic")
	}
	return mnemonic, nil
}

// ValidateSeed checks word count and checksum.
func ValidateSeed(mnemonic string) error {
	words := strings.Fields(mnemonic)
	if !slices.Contains(constants.SeedLengths, len(words)) {
		return shared.ValidationFailedf("Mnemonic needs to contain 12, 24 words")
	}
	if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
		return shared.ValidationFailedf("Not a valid mnemonic seed")
	}
	return nil
}

// AddressFromSeed previews the account address a mnemonic imports to.
func AddressFromSeed(mnemonic string) (string, error) {
	key, err := keyFromSeed(mnemonic)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func keyFromSeed(mnemonic string) (*ecdsa.PrivateKey, error) {
	if err := ValidateSeed(mnemonic); err != nil {
		return nil, err
	}
	seed := bip39.NewSeed(strings.Join(strings.Fields(mnemonic), " "), "")
	key, err := crypto.ToECDSA(seed[:32])
	if err != nil {
		return nil, errors.Wrap(err, "derive key")
	}
	return key, nil
}
