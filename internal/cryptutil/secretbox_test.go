package cryptutil

import "testing"

func TestSecretBoxRoundTrip(t *testing.T) {
	box, err := NewSecretBox("my-passphrase")
	if err != nil {
		t.Fatalf("NewSecretBox() error: %v", err)
	}

	encoded, err := box.Encrypt("imap-app-password")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if encoded == "imap-app-password" {
		t.Error("expected ciphertext to differ from plaintext")
	}

	decoded, err := box.Decrypt(encoded)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if decoded != "imap-app-password" {
		t.Errorf("Decrypt() = %q, want original plaintext", decoded)
	}
}

func TestSecretBoxWrongKeyFailsToDecrypt(t *testing.T) {
	boxA, _ := NewSecretBox("passphrase-a")
	boxB, _ := NewSecretBox("passphrase-b")

	encoded, err := boxA.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := boxB.Decrypt(encoded); err == nil {
		t.Error("expected decryption under a different key to fail")
	}
}

func TestSecretBoxRejectsTruncatedCiphertext(t *testing.T) {
	box, _ := NewSecretBox("passphrase")
	if _, err := box.Decrypt("dG9vc2hvcnQ="); err == nil {
		t.Error("expected an error for ciphertext shorter than the nonce")
	}
}

func TestSecretBoxRejectsInvalidEncoding(t *testing.T) {
	box, _ := NewSecretBox("passphrase")
	if _, err := box.Decrypt("not valid base64!!"); err == nil {
		t.Error("expected an error for invalid base64 input")
	}
}
