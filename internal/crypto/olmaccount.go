package crypto

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// maxOneTimeKeys mirrors libolm's internal maximum; generate_one_time_keys
// caps its request at half of this (spec §4.2).
const maxOneTimeKeys = 100

// newOlmAccount creates a fresh Olm account with new Curve25519/Ed25519
// identity keys, backed by maunium.net/go/mautrix/crypto/olm rather than a
// hand-rolled double ratchet.
func newOlmAccount() (*olm.Account, error) {
	acc := olm.NewAccount()
	if acc == nil {
		return nil, fmt.Errorf("generate olm account")
	}
	return acc, nil
}

// loadOlmAccount unpickles a previously persisted account using the stored
// pickle passphrase.
func loadOlmAccount(pickle, pickleKey []byte) (*olm.Account, error) {
	acc := olm.NewBlankAccount()
	if err := acc.Unpickle(pickle, pickleKey); err != nil {
		return nil, fmt.Errorf("unpickle olm account: %w", err)
	}
	return acc, nil
}

// pickleAccount re-encrypts the account state with the pickle passphrase
// for persistence via Store.SaveAccount.
func pickleAccount(acc *olm.Account, pickleKey []byte) []byte {
	return acc.Pickle(pickleKey)
}

func identityKeys(acc *olm.Account) (ed25519Key id.Ed25519, curveKey id.Curve25519) {
	return acc.IdentityKeys()
}
