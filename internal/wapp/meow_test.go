package wapp

import (
	"strings"
	"sync"
	"testing"

	"go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"google.golang.org/protobuf/proto"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"
)

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+49 170 1234567":  "491701234567",
		"49-170-1234567":   "491701234567",
		"(49) 1701234567":  "491701234567",
		"491701234567":     "491701234567",
		"tel:+491701234%s": "491701234",
		"":                 "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseJID(t *testing.T) {
	jid, err := parseJID("+49 170 1234567")
	if err != nil {
		t.Fatal(err)
	}
	if jid.User != "491701234567" {
		t.Errorf("user = %q", jid.User)
	}

	if _, err := parseJID("no digits"); err == nil {
		t.Error("expected error for digitless input")
	}
}

func TestSanitizeID(t *testing.T) {
	if got := sanitizeID("acct-1_A9../../etc"); got != "acct-1_A9etc" {
		t.Errorf("sanitizeID = %q", got)
	}
}

func TestExtractBody(t *testing.T) {
	if got := extractBody(nil); got != "" {
		t.Errorf("nil message body = %q", got)
	}

	msg := &waE2E.Message{Conversation: proto.String("plain text")}
	if got := extractBody(msg); got != "plain text" {
		t.Errorf("conversation body = %q", got)
	}

	msg = &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}
	if got := extractBody(msg); got != "extended" {
		t.Errorf("extended body = %q", got)
	}

	msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("a caption")}}
	if got := extractBody(msg); got != "a caption" {
		t.Errorf("image caption = %q", got)
	}
}

func TestExtractMedia(t *testing.T) {
	mediaType, mimeType := extractMedia(nil)
	if mediaType != "" || mimeType != "" {
		t.Errorf("nil message media = %q/%q", mediaType, mimeType)
	}

	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")}}
	if mediaType, mimeType = extractMedia(msg); mediaType != "image" || mimeType != "image/jpeg" {
		t.Errorf("image media = %q/%q", mediaType, mimeType)
	}

	msg = &waE2E.Message{Conversation: proto.String("text only")}
	if mediaType, _ = extractMedia(msg); mediaType != "" {
		t.Errorf("text message classified as media %q", mediaType)
	}
}

func TestApplyDeviceProps(t *testing.T) {
	fp := fingerprint.Generate("acct-props")
	applyDeviceProps(fp)

	got := wstore.DeviceProps.GetOs()
	if !strings.Contains(got, fp.Resolution) {
		t.Errorf("device OS %q missing resolution %q", got, fp.Resolution)
	}
	if !strings.Contains(got, browserName(fp.UserAgent)) {
		t.Errorf("device OS %q missing browser name", got)
	}
}

func TestApplyDevicePropsConcurrent(t *testing.T) {
	// Concurrent launches write a process-global; the result must be one
	// launch's identity in full, never an interleaving of two.
	a := fingerprint.Generate("acct-a")
	b := fingerprint.Generate("acct-b")
	if a == b {
		t.Skip("profiles collided, nothing to interleave")
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); applyDeviceProps(a) }()
		go func() { defer wg.Done(); applyDeviceProps(b) }()
	}
	wg.Wait()

	got := wstore.DeviceProps.GetOs()
	wantA := deviceOSName(a)
	wantB := deviceOSName(b)
	if got != wantA && got != wantB {
		t.Errorf("device OS %q is neither %q nor %q", got, wantA, wantB)
	}
}

func TestBrowserName(t *testing.T) {
	if got := browserName("Mozilla/5.0 ... Firefox/122.0"); got != "Firefox" {
		t.Errorf("browserName = %q", got)
	}
	if got := browserName("Mozilla/5.0 ... Chrome/120.0.0.0 Safari/537.36"); got != "Chrome" {
		t.Errorf("browserName = %q", got)
	}
	if got := browserName("curl/8.0"); got != "Browser" {
		t.Errorf("browserName = %q", got)
	}
}
