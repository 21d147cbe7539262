package twiliowhatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
	"testing"
)

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	sid, err := mock.SendMessage(ctx, "+5511999990001", "Olá")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sid == "" {
		t.Error("expected a message SID")
	}

	if len(mock.SentMessages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.SentMessages))
	}

	if mock.SentMessages[0].Body != "Olá" || mock.SentMessages[0].SID != sid {
		t.Errorf("unexpected recorded message: %+v", mock.SentMessages[0])
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token")); err == nil {
		t.Error("expected error without a sender number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("token"), WithFromWhats("whatsapp:+14155238886")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// sign computes Twilio's webhook signature: HMAC-SHA1 over the url followed
// by every parameter name and value in name order, base64 encoded.
func sign(token, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignatureValidator(t *testing.T) {
	v := NewSignatureValidator("12345")
	url := "https://example.com/webhook/twilio"
	params := map[string]string{
		"From":       "whatsapp:+5511999990001",
		"To":         "whatsapp:+14155238886",
		"Body":       "Gastei 10 no pão",
		"MessageSid": "SM0001",
	}
	if !v.Validate(url, params, sign("12345", url, params)) {
		t.Error("expected correct signature to validate")
	}
	if v.Validate(url, params, sign("other", url, params)) {
		t.Error("expected signature from another token to fail")
	}
	if v.Validate(url, params, "") {
		t.Error("expected empty signature to fail")
	}
}
