package security

import (
	"errors"
	"testing"
)

const testEncryptionKey = "unit-test-encryption-key"

func TestEncryptDecryptSecret(t *testing.T) {
	t.Setenv(secretKeyEnv, testEncryptionKey)
	ResetForTests()

	sealed, err := EncryptSecret("iphub-key")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("value %q is not marked as encrypted", sealed)
	}

	again, err := EncryptSecret(sealed)
	if err != nil || again != sealed {
		t.Fatalf("re-encrypting sealed value = %q/%v, want unchanged", again, err)
	}

	plain, legacy, err := DecryptSecret(sealed)
	if err != nil {
		t.Fatalf("DecryptSecret: %v", err)
	}
	if legacy || plain != "iphub-key" {
		t.Fatalf("DecryptSecret = %q legacy=%v", plain, legacy)
	}
}

func TestDecryptPlainSecret(t *testing.T) {
	t.Setenv(secretKeyEnv, testEncryptionKey)
	ResetForTests()

	value, plain, err := DecryptSecret("hand-written")
	if err != nil || !plain || value != "hand-written" {
		t.Fatalf("DecryptSecret = %q plain=%v err=%v", value, plain, err)
	}
}

func TestDecryptWithOtherKeyFails(t *testing.T) {
	t.Setenv(secretKeyEnv, testEncryptionKey)
	ResetForTests()
	sealed, err := EncryptSecret("secret")
	if err != nil {
		t.Fatalf("EncryptSecret: %v", err)
	}

	t.Setenv(secretKeyEnv, "another-key")
	ResetForTests()
	if _, _, err := DecryptSecret(sealed); err == nil {
		t.Fatal("expected decrypt failure with a different key")
	}
}

func TestEncryptSecretMissingKey(t *testing.T) {
	t.Setenv(secretKeyEnv, "")
	ResetForTests()

	if Enabled() {
		t.Fatal("Enabled without a key")
	}
	if _, err := EncryptSecret("secret"); !errors.Is(err, ErrNoKey) {
		t.Fatalf("error = %v, want ErrNoKey", err)
	}
}
