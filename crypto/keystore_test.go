package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestFundingKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keys", "funding.json")
	if err := SaveFundingKey(path, key, "correct horse"); err != nil {
		t.Fatalf("save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("keystore file mode %v, want 0600", perm)
	}

	loaded, err := LoadFundingKey(path, "correct horse")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), key.Bytes()) {
		t.Fatalf("round trip changed the key material")
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("round trip changed the derived address")
	}

	if _, err := LoadFundingKey(path, "wrong"); err == nil {
		t.Fatalf("expected wrong passphrase to be rejected")
	}
}

func TestSaveFundingKeyValidation(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := SaveFundingKey("", key, "pw"); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
	if err := SaveFundingKey(filepath.Join(t.TempDir(), "k.json"), nil, "pw"); err == nil {
		t.Fatalf("expected nil key to be rejected")
	}
}
