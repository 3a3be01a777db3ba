package gmail

import (
	"encoding/base64"
	"testing"

	gmailapi "google.golang.org/api/gmail/v1"
)

func TestExtractBodyDecodesUnpaddedBase64(t *testing.T) {
	// The API delivers body data base64url encoded without padding.
	body := "hello, world" // 12 bytes: padded form would carry no '='
	short := "hello"      // 5 bytes: padded form carries '='

	for _, text := range []string{body, short} {
		part := &gmailapi.MessagePart{
			MimeType: "text/plain",
			Body:     &gmailapi.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte(text))},
		}
		if got := extractBody(part); got != text {
			t.Errorf("extractBody(%q unpadded) = %q, want %q", text, got, text)
		}
	}

	// Padded variants still decode.
	padded := &gmailapi.MessagePart{
		MimeType: "text/plain",
		Body:     &gmailapi.MessagePartBody{Data: base64.URLEncoding.EncodeToString([]byte(short))},
	}
	if got := extractBody(padded); got != short {
		t.Errorf("extractBody(padded) = %q, want %q", got, short)
	}
}

func TestExtractBodyWalksMIMETree(t *testing.T) {
	text := "plain part"
	part := &gmailapi.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmailapi.MessagePart{
			{MimeType: "text/html", Body: &gmailapi.MessagePartBody{
				Data: base64.RawURLEncoding.EncodeToString([]byte("<p>html</p>")),
			}},
			{MimeType: "text/plain", Body: &gmailapi.MessagePartBody{
				Data: base64.RawURLEncoding.EncodeToString([]byte(text)),
			}},
		},
	}
	if got := extractBody(part); got != text {
		t.Errorf("extractBody = %q, want %q", got, text)
	}
}

func TestParseID(t *testing.T) {
	id, err := parseID("18f2a4b3c9e0d1a2")
	if err != nil {
		t.Fatalf("parseID: %v", err)
	}
	if id != 0x18f2a4b3c9e0d1a2 {
		t.Errorf("parseID = %x, want 18f2a4b3c9e0d1a2", id)
	}
	if _, err := parseID("not-hex"); err == nil {
		t.Error("parseID accepted a non-hex id")
	}
}
