package security

import (
	"bytes"
	"testing"
)

func TestNewTokenBox(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, err := NewTokenBox(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTokenBox() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && box == nil {
				t.Error("NewTokenBox() returned nil without error")
			}
		})
	}
}

func TestSealOpenRoundtrip(t *testing.T) {
	key := DeriveKeyFromInstanceID("instance-abc-123")
	box, err := NewTokenBox(key)
	if err != nil {
		t.Fatalf("NewTokenBox() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "simple string", plaintext: []byte("hello world")},
		{name: "json data", plaintext: []byte(`{"token":"abc123"}`)},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := box.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := box.Open(ciphertext)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("Open() = %v, want %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestOpen_Errors(t *testing.T) {
	box, _ := NewTokenBox(make([]byte, 32))

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{name: "empty data", ciphertext: []byte{}},
		{name: "nil data", ciphertext: nil},
		{name: "too short data", ciphertext: []byte{0x01, 0x02}},
		{name: "corrupted data", ciphertext: bytes.Repeat([]byte("x"), 100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := box.Open(tt.ciphertext); err == nil {
				t.Errorf("Open() should fail for %s", tt.name)
			}
		})
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	box1, _ := NewTokenBox(DeriveKeyFromInstanceID("instance-one"))
	box2, _ := NewTokenBox(DeriveKeyFromInstanceID("instance-two"))

	plaintext := []byte("secret token")
	ciphertext, err := box1.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, err := box2.Open(ciphertext); err == nil {
		t.Error("Open() should fail with wrong key")
	}
}

func TestDeriveKeyFromInstanceID(t *testing.T) {
	tests := []string{"instance-123", "550e8400-e29b-41d4-a716-446655440000"}

	for _, id := range tests {
		t.Run(id, func(t *testing.T) {
			key := DeriveKeyFromInstanceID(id)
			if len(key) != 32 {
				t.Errorf("DeriveKeyFromInstanceID() returned key of length %d, want 32", len(key))
			}

			if key2 := DeriveKeyFromInstanceID(id); !bytes.Equal(key, key2) {
				t.Error("DeriveKeyFromInstanceID() should be deterministic")
			}

			if different := DeriveKeyFromInstanceID(id + "-different"); bytes.Equal(key, different) {
				t.Error("different instance IDs should produce different keys")
			}
		})
	}
}
