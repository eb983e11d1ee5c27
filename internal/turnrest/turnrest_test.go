package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret: "shared-secret",
		TTL:          time.Hour,
		Now:          func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("3f1f2c44-9d2a-4f07-9c61-0b6f1d9f8a10")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantExpiry := int64(1_700_003_600)
	if creds.ExpiryUnix != wantExpiry {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, wantExpiry)
	}
	wantUsername := "1700003600:3f1f2c44-9d2a-4f07-9c61-0b6f1d9f8a10"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}

	wantCred := expectedCredential(t, []byte("shared-secret"), wantUsername)
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestGenerate_CredentialIsBase64HMACSHA1(t *testing.T) {
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret: "secret",
		TTL:          time.Second,
		Now:          func() time.Time { return time.Unix(0, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("cid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(creds.Credential)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	if len(decoded) != sha1.Size {
		t.Fatalf("decoded length: got %d, want %d", len(decoded), sha1.Size)
	}

	mac := hmac.New(sha1.New, []byte("secret"))
	_, _ = mac.Write([]byte(creds.Username))
	if string(decoded) != string(mac.Sum(nil)) {
		t.Fatal("decoded HMAC mismatch")
	}
}

func TestGenerate_Validation(t *testing.T) {
	if _, err := NewGenerator(GeneratorConfig{}); err == nil {
		t.Fatal("NewGenerator accepted empty secret")
	}

	g, err := NewGenerator(GeneratorConfig{SharedSecret: "s"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatal("Generate accepted empty client id")
	}
	if _, err := g.Generate("has:colon"); err == nil {
		t.Fatal("Generate accepted client id containing ':'")
	}
}

func TestNewGenerator_DefaultTTL(t *testing.T) {
	now := time.Unix(1000, 0).UTC()
	g, err := NewGenerator(GeneratorConfig{
		SharedSecret: "s",
		Now:          func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.Generate("cid")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if want := now.Unix() + int64(DefaultTTL/time.Second); creds.ExpiryUnix != want {
		t.Fatalf("ExpiryUnix: got %d, want %d", creds.ExpiryUnix, want)
	}
}

func expectedCredential(t *testing.T, sharedSecret []byte, username string) string {
	t.Helper()
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
