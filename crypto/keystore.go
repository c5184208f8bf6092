package crypto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// SaveFundingKey encrypts the service funding key into an Ethereum v3
// keystore file at the given path. The write is atomic: the encrypted blob
// lands in a temp file first and is renamed into place. Missing parent
// directories are created with 0700 permissions.
func SaveFundingKey(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil funding key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("crypto: keystore id: %w", err)
	}
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey),
		PrivateKey: key.PrivateKey,
	}, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt funding key: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "funding-key-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadFundingKey decrypts a v3 keystore file with the supplied passphrase.
func LoadFundingKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(blob, passphrase)
	if err != nil {
		return nil, fmt.Errorf("crypto: decrypt funding key: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
