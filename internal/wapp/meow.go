package wapp

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/appstate"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/fingerprint"

	_ "github.com/mattn/go-sqlite3"
)

const eventBuffer = 128

// The library exposes device identity only through a package-global;
// concurrent launches must not interleave their writes to it.
var devicePropsMu sync.Mutex

// applyDeviceProps presents the fingerprint's synthetic device identity for
// the next pairing.
func applyDeviceProps(fp fingerprint.Profile) {
	osName := deviceOSName(fp)
	platform := waCompanionReg.DeviceProps_PlatformType(1) // Chrome

	devicePropsMu.Lock()
	store.DeviceProps.PlatformType = &platform
	store.DeviceProps.Os = &osName
	devicePropsMu.Unlock()
}

func deviceOSName(fp fingerprint.Profile) string {
	return fmt.Sprintf("%s (%s, %d cores)", browserName(fp.UserAgent), fp.Resolution, fp.Cores)
}

// meowClient implements Client on top of whatsmeow with a per-account
// sqlite auth store. The auth store file is keyed by account id, so
// re-initializing the same account restores its prior login when still valid.
type meowClient struct {
	accountID string
	client    *whatsmeow.Client
	container *sqlstore.Container

	events chan Event

	mu            sync.Mutex
	conversations map[string]Conversation // counterpart -> latest history snapshot
}

// NewMeowClient is the production Factory.
func NewMeowClient(ctx context.Context, accountID string, fp fingerprint.Profile, proxyURL, sessionsDir string) (Client, error) {
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	dbPath := filepath.Join(sessionsDir, fmt.Sprintf("%s.db", sanitizeID(accountID)))
	dbURI := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	dbLog := waLog.Stdout("DB-"+accountID, "WARN", true)
	container, err := sqlstore.New(ctx, "sqlite3", dbURI, dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth store: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		device = container.NewDevice()
		if err := container.PutDevice(ctx, device); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to store device: %w", err)
		}
	}

	applyDeviceProps(fp)

	clientLog := waLog.Stdout("Client-"+accountID, "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)
	// The supervisor owns the reconnect policy; the library must not race it.
	client.EnableAutoReconnect = false
	client.AutoTrustIdentity = true

	if proxyURL != "" {
		if err := client.SetProxyAddress(proxyURL); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to set proxy address: %w", err)
		}
	}

	mc := &meowClient{
		accountID:     accountID,
		client:        client,
		container:     container,
		events:        make(chan Event, eventBuffer),
		conversations: make(map[string]Conversation),
	}
	client.AddEventHandler(mc.handleEvent)

	return mc, nil
}

func (mc *meowClient) Connect(ctx context.Context) error {
	if mc.client.Store.ID == nil {
		// Fresh device: the QR channel must be requested before connecting.
		qrChan, err := mc.client.GetQRChannel(ctx)
		if err != nil && err != whatsmeow.ErrQRStoreContainsID {
			return fmt.Errorf("failed to get QR channel: %w", err)
		}
		if qrChan != nil {
			go mc.forwardQR(qrChan)
		}
	}

	if err := mc.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

func (mc *meowClient) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		if item.Event == "code" {
			mc.emit(QREvent{Code: item.Code})
		}
		// "success" surfaces as events.Connected; "timeout" is governed by
		// the supervisor's own QR timer.
	}
}

func (mc *meowClient) Disconnect() {
	mc.client.Disconnect()
}

func (mc *meowClient) Close() {
	mc.container.Close()
}

func (mc *meowClient) IsConnected() bool {
	return mc.client.IsConnected()
}

func (mc *meowClient) IsLoggedIn() bool {
	return mc.client.IsLoggedIn()
}

func (mc *meowClient) Events() <-chan Event {
	return mc.events
}

// emit never blocks the library's event callback; a full buffer drops the
// event and logs it.
func (mc *meowClient) emit(evt Event) {
	select {
	case mc.events <- evt:
	default:
		log.Printf("[%s] Event buffer full, dropping %T", mc.accountID, evt)
	}
}

func (mc *meowClient) handleEvent(rawEvt interface{}) {
	switch v := rawEvt.(type) {
	case *events.Connected:
		mc.emit(ReadyEvent{})

	case *events.Disconnected:
		mc.emit(DisconnectedEvent{Reason: "connection lost"})

	case *events.TemporaryBan:
		mc.emit(DisconnectedEvent{Reason: fmt.Sprintf("temporary ban: %s (expires %v)", v.Code.String(), v.Expire)})

	case *events.LoggedOut:
		mc.emit(AuthFailureEvent{Reason: fmt.Sprintf("logged out: %v", v.Reason)})

	case *events.StreamReplaced:
		// Another device took over the session; reconnecting would loop.
		mc.emit(AuthFailureEvent{Reason: "stream replaced by another device"})

	case *events.Message:
		if msg, ok := mc.convertMessage(v); ok {
			mc.emit(MessageEvent{Message: msg})
		}

	case *events.HistorySync:
		mc.ingestHistorySync(v)
	}
}

func (mc *meowClient) convertMessage(evt *events.Message) (IncomingMessage, bool) {
	if evt.Message == nil || evt.Info.IsGroup {
		return IncomingMessage{}, false
	}

	body := extractBody(evt.Message)
	mediaType, mimeType := extractMedia(evt.Message)
	if body == "" && mediaType == "" {
		return IncomingMessage{}, false
	}

	return IncomingMessage{
		ID:          evt.Info.ID,
		FromMe:      evt.Info.IsFromMe,
		Counterpart: evt.Info.Chat.User,
		PushName:    evt.Info.PushName,
		Body:        body,
		Timestamp:   evt.Info.Timestamp,
		MediaType:   mediaType,
		MimeType:    mimeType,
		raw:         evt.Message,
	}, true
}

func (mc *meowClient) SendText(ctx context.Context, toPhone, body string) (string, error) {
	jid, err := parseJID(toPhone)
	if err != nil {
		return "", fmt.Errorf("invalid recipient phone: %w", err)
	}

	msg := &waE2E.Message{Conversation: proto.String(body)}
	resp, err := mc.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return resp.ID, nil
}

func (mc *meowClient) Download(ctx context.Context, msg *IncomingMessage) ([]byte, error) {
	waMsg, ok := msg.raw.(*waE2E.Message)
	if !ok || waMsg == nil {
		return nil, fmt.Errorf("message carries no downloadable payload")
	}
	data, err := mc.client.DownloadAny(ctx, waMsg)
	if err != nil {
		return nil, fmt.Errorf("failed to download media: %w", err)
	}
	return data, nil
}

func (mc *meowClient) RecentConversations(ctx context.Context, window time.Duration) ([]Conversation, error) {
	cutoff := time.Now().Add(-window)

	mc.mu.Lock()
	defer mc.mu.Unlock()

	result := make([]Conversation, 0, len(mc.conversations))
	for _, conv := range mc.conversations {
		var msgs []HistoryMessage
		for _, m := range conv.Messages {
			if m.Timestamp.After(cutoff) {
				msgs = append(msgs, m)
			}
		}
		if len(msgs) == 0 {
			continue
		}
		conv.Messages = msgs
		result = append(result, conv)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Counterpart < result[j].Counterpart
	})
	return result, nil
}

// ingestHistorySync folds an on-pair history payload into the conversation
// snapshot served by RecentConversations.
func (mc *meowClient) ingestHistorySync(evt *events.HistorySync) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	for _, conv := range evt.Data.GetConversations() {
		jid, err := types.ParseJID(conv.GetID())
		if err != nil || jid.Server != types.DefaultUserServer {
			continue
		}

		snapshot := mc.conversations[jid.User]
		snapshot.Counterpart = jid.User
		if name := conv.GetName(); name != "" {
			snapshot.Name = name
		}
		snapshot.UnreadCount = int(conv.GetUnreadCount())

		for _, hsMsg := range conv.GetMessages() {
			info := hsMsg.GetMessage()
			if info == nil {
				continue
			}
			body := extractBody(info.GetMessage())
			mediaType, _ := extractMedia(info.GetMessage())
			if body == "" && mediaType == "" {
				continue
			}
			snapshot.Messages = append(snapshot.Messages, HistoryMessage{
				FromMe:    info.GetKey().GetFromMe(),
				Body:      body,
				Timestamp: time.Unix(int64(info.GetMessageTimestamp()), 0),
				MediaType: mediaType,
			})
		}

		sort.Slice(snapshot.Messages, func(i, j int) bool {
			return snapshot.Messages[i].Timestamp.Before(snapshot.Messages[j].Timestamp)
		})
		mc.conversations[jid.User] = snapshot
	}
}

func (mc *meowClient) SetDisplayName(ctx context.Context, name string) error {
	patch := appstate.BuildSettingPushName(name)
	if err := mc.client.SendAppState(ctx, patch); err != nil {
		return fmt.Errorf("failed to set display name: %w", err)
	}
	return nil
}

func (mc *meowClient) SetStatusText(ctx context.Context, text string) error {
	if err := mc.client.SetStatusMessage(ctx, text); err != nil {
		return fmt.Errorf("failed to set status text: %w", err)
	}
	return nil
}

func (mc *meowClient) SetPicture(ctx context.Context, jpeg []byte) error {
	// An empty JID targets the own profile photo.
	if _, err := mc.client.SetGroupPhoto(ctx, types.EmptyJID, jpeg); err != nil {
		return fmt.Errorf("failed to set profile picture: %w", err)
	}
	return nil
}

// Helpers

func extractBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	}
	return ""
}

func extractMedia(msg *waE2E.Message) (mediaType, mimeType string) {
	if msg == nil {
		return "", ""
	}
	switch {
	case msg.ImageMessage != nil:
		return "image", msg.ImageMessage.GetMimetype()
	case msg.VideoMessage != nil:
		return "video", msg.VideoMessage.GetMimetype()
	case msg.AudioMessage != nil:
		return "audio", msg.AudioMessage.GetMimetype()
	case msg.DocumentMessage != nil:
		return "document", msg.DocumentMessage.GetMimetype()
	}
	return "", ""
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func sanitizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func parseJID(phone string) (types.JID, error) {
	phone = sanitizePhone(phone)
	if phone == "" {
		return types.JID{}, fmt.Errorf("empty phone number")
	}
	return types.NewJID(phone, types.DefaultUserServer), nil
}

func browserName(userAgent string) string {
	switch {
	case strings.Contains(userAgent, "Firefox"):
		return "Firefox"
	case strings.Contains(userAgent, "Chrome"):
		return "Chrome"
	}
	return "Browser"
}

// NormalizePhone exposes phone sanitization to other packages (store keys,
// warm-up peer matching).
func NormalizePhone(phone string) string {
	return sanitizePhone(phone)
}
