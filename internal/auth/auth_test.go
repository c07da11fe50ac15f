package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"testing"
)

const testBotToken = "12345:TEST-BOT-TOKEN"

// signInitData produces a valid init-data query string for the given fields,
// signed the way Telegram signs WebApp payloads.
func signInitData(t *testing.T, fields map[string]string) string {
	t.Helper()

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+fields[key])
	}
	dataCheckString := strings.Join(pairs, "\n")

	secretMAC := hmac.New(sha256.New, []byte("WebAppData"))
	secretMAC.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secretMAC.Sum(nil))
	mac.Write([]byte(dataCheckString))

	values := url.Values{}
	for key, value := range fields {
		values.Set(key, value)
	}
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))
	return values.Encode()
}

func TestValidateInitData(t *testing.T) {
	service := NewService("secret", testBotToken, false)

	initData := signInitData(t, map[string]string{
		"user":      `{"id":42,"first_name":"Test"}`,
		"auth_date": "1700000000",
	})

	userID, referrerID, err := service.ValidateInitData(initData)
	if err != nil {
		t.Fatalf("ValidateInitData: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d, want 42", userID)
	}
	if referrerID != nil {
		t.Errorf("referrer = %v, want nil", referrerID)
	}
}

func TestValidateInitDataExtractsReferrer(t *testing.T) {
	service := NewService("secret", testBotToken, false)

	initData := signInitData(t, map[string]string{
		"user":        `{"id":42}`,
		"auth_date":   "1700000000",
		"start_param": "ref_77",
	})

	userID, referrerID, err := service.ValidateInitData(initData)
	if err != nil {
		t.Fatalf("ValidateInitData: %v", err)
	}
	if userID != 42 {
		t.Errorf("user id = %d, want 42", userID)
	}
	if referrerID == nil || *referrerID != 77 {
		t.Errorf("referrer = %v, want 77", referrerID)
	}
}

func TestValidateInitDataIgnoresSelfReferral(t *testing.T) {
	service := NewService("secret", testBotToken, false)

	initData := signInitData(t, map[string]string{
		"user":        `{"id":42}`,
		"auth_date":   "1700000000",
		"start_param": "ref_42",
	})

	_, referrerID, err := service.ValidateInitData(initData)
	if err != nil {
		t.Fatalf("ValidateInitData: %v", err)
	}
	if referrerID != nil {
		t.Errorf("self referral recorded: %v", referrerID)
	}
}

func TestValidateInitDataRejectsTampering(t *testing.T) {
	service := NewService("secret", testBotToken, false)

	initData := signInitData(t, map[string]string{
		"user":      `{"id":42}`,
		"auth_date": "1700000000",
	})

	// Swap the user id without re-signing
	tampered := strings.Replace(initData, "42", "43", 1)
	if _, _, err := service.ValidateInitData(tampered); err == nil {
		t.Fatal("tampered init data accepted")
	}

	if _, _, err := service.ValidateInitData("user=%7B%22id%22%3A42%7D"); err == nil {
		t.Fatal("init data without hash accepted")
	}
}

func TestValidateInitDataRejectsWrongBotToken(t *testing.T) {
	initData := signInitData(t, map[string]string{
		"user":      `{"id":42}`,
		"auth_date": "1700000000",
	})

	other := NewService("secret", "99999:OTHER-TOKEN", false)
	if _, _, err := other.ValidateInitData(initData); err == nil {
		t.Fatal("init data signed with a different bot token accepted")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	service := NewService("secret", testBotToken, false)

	token, err := service.GenerateToken(42)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if token.UserID != 42 {
		t.Errorf("token user id = %d, want 42", token.UserID)
	}

	claims, err := service.ValidateToken(token.Token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 42 {
		t.Errorf("claims user id = %d, want 42", claims.UserID)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	service := NewService("secret", testBotToken, false)
	token, err := service.GenerateToken(42)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	other := NewService("different-secret", testBotToken, false)
	if _, err := other.ValidateToken(token.Token); err == nil {
		t.Fatal("token signed with a different secret accepted")
	}
}
