package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/shooebill/nikune/pkg/robusthttp"
)

const linePushURL = "https://api.line.me/v2/bot/message/push"

// LineNotifier pushes text messages through the LINE Messaging API to each
// configured user or group id.
type LineNotifier struct {
	ChannelToken string
	TargetIDs    []string
	// defaults to the public push endpoint
	PushURL string
	Client  *http.Client
}

func NewLineNotifier(channelToken string, targetIDs []string) *LineNotifier {
	return &LineNotifier{
		ChannelToken: channelToken,
		TargetIDs:    targetIDs,
		PushURL:      linePushURL,
		Client:       robusthttp.NewWriteClient(),
	}
}

type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type linePushBody struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

func (n *LineNotifier) Send(ctx context.Context, msg string) error {
	var errs []error
	for _, target := range n.TargetIDs {
		if err := n.push(ctx, target, msg); err != nil {
			errs = append(errs, fmt.Errorf("line target %s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (n *LineNotifier) push(ctx context.Context, target, msg string) error {
	body, err := json.Marshal(linePushBody{
		To:       target,
		Messages: []lineMessage{{Type: "text", Text: msg}},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.PushURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.ChannelToken)
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed LINE push request. status=%d", resp.StatusCode)
	}
	return nil
}
