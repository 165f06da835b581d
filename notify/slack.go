package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shooebill/nikune/pkg/robusthttp"
)

type SlackNotifier struct {
	WebhookURL string
	Username   string
	IconEmoji  string
	Client     *http.Client
}

func NewSlackNotifier(webhookURL, username, iconEmoji string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Username:   username,
		IconEmoji:  iconEmoji,
		Client:     robusthttp.NewWriteClient(),
	}
}

type SlackWebhookBody struct {
	Text      string `json:"text"`
	Username  string `json:"username,omitempty"`
	IconEmoji string `json:"icon_emoji,omitempty"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) Send(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg, Username: n.Username, IconEmoji: n.IconEmoji})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK || string(respBody) != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
