package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe51296170827936ea5cce4b76994b0f"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	got, err := DecryptKey(blob, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKey: %v", err)
	}
	if got != testKey {
		t.Errorf("round trip key = %s", got)
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKey, "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptKey(blob, "wrong"); err == nil {
		t.Fatal("decryption succeeded with wrong password")
	}
}

func TestEncryptRejectsBadKey(t *testing.T) {
	if _, err := EncryptKey("deadbeef", "pw"); err == nil {
		t.Error("short key accepted")
	}
	if _, err := EncryptKey(testKey, ""); err == nil {
		t.Error("empty password accepted")
	}
}

func TestLoadKeyPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")
	blob, err := EncryptKey(testKey, "pw")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	// Raw key wins even when a file is configured.
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: path, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("LoadKey raw: %v", err)
	}
	if got != testKey {
		t.Errorf("raw key = %s", got)
	}

	got, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("LoadKey file: %v", err)
	}
	if got != testKey {
		t.Errorf("file key = %s", got)
	}

	_, err = LoadKey(KeyConfig{})
	if err == nil || !strings.Contains(err.Error(), "no private key source") {
		t.Errorf("LoadKey empty config: %v", err)
	}
}
