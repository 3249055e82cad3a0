package telegram

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const apiURL = "https://api.telegram.org/bot%s/sendMessage"

// Notifier sends ops alerts to a Telegram chat. A nil Notifier is valid and
// silently drops every alert, so callers never need to check configuration.
type Notifier struct {
	token  string
	chatID string
	client *http.Client
}

// New creates a notifier. Returns nil when token or chat id are unset.
func New(token, chatID string) *Notifier {
	if token == "" || chatID == "" {
		return nil
	}
	return &Notifier{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SendAlert posts a message to the configured chat.
func (n *Notifier) SendAlert(message string) error {
	if n == nil {
		return nil
	}

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := n.client.Post(fmt.Sprintf(apiURL, n.token), "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

// AlertDisconnected reports a session whose reconnect attempts are exhausted.
func (n *Notifier) AlertDisconnected(accountID, reason string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(`⚠️ <b>DISCONNECTED</b>

Account: %s
Reason: %s
Time: %s`, accountID, reason, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(msg); err != nil {
		log.Printf("[Telegram] Failed to send disconnect alert: %v", err)
	}
}

// AlertAuthFailure reports a credential rejection requiring manual re-login.
func (n *Notifier) AlertAuthFailure(accountID, reason string) {
	if n == nil {
		return
	}
	msg := fmt.Sprintf(`🚨 <b>AUTH FAILURE</b>

Account: %s
Reason: %s
Time: %s

Manual re-initialization required.`, accountID, reason, time.Now().Format("2006-01-02 15:04:05"))

	if err := n.SendAlert(msg); err != nil {
		log.Printf("[Telegram] Failed to send auth alert: %v", err)
	}
}
