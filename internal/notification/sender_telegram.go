package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

const defaultTelegramAPI = "https://api.telegram.org"

// telegramSender delivers run reports through the Telegram Bot API. Text
// reports go through sendMessage; reports with an artifact attached go
// through sendDocument as multipart uploads with the text as caption.
type telegramSender struct {
	cfg    *TelegramConfig
	client *http.Client
}

func newTelegramSender(cfg *TelegramConfig) *telegramSender {
	return &telegramSender{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *telegramSender) endpoint(method string) string {
	base := defaultTelegramAPI
	if s.cfg.APIBaseURL != "" {
		base = s.cfg.APIBaseURL
	}
	return fmt.Sprintf("%s/bot%s/%s", base, s.cfg.BotToken, method)
}

// Send delivers one report to a chat. att may be nil.
func (s *telegramSender) Send(ctx context.Context, chatID, text string, att *Attachment) error {
	if s.cfg == nil || s.cfg.BotToken == "" {
		return ErrNotConfigured
	}
	if att != nil {
		return s.sendDocument(ctx, chatID, text, att)
	}
	return s.sendMessage(ctx, chatID, text)
}

func (s *telegramSender) sendMessage(ctx context.Context, chatID, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	return s.do(req)
}

func (s *telegramSender) sendDocument(ctx context.Context, chatID, caption string, att *Attachment) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := mw.WriteField("chat_id", chatID); err != nil {
		return fmt.Errorf("%w: multipart: %s", ErrSendFailed, err)
	}
	// Telegram caps captions at 1024 characters.
	if len(caption) > 1024 {
		caption = caption[:1024]
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return fmt.Errorf("%w: multipart: %s", ErrSendFailed, err)
	}
	part, err := mw.CreateFormFile("document", att.Filename)
	if err != nil {
		return fmt.Errorf("%w: multipart: %s", ErrSendFailed, err)
	}
	if _, err := part.Write(att.Data); err != nil {
		return fmt.Errorf("%w: multipart: %s", ErrSendFailed, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%w: multipart: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return s.do(req)
}

// do executes the request and interprets the Bot API envelope: HTTP errors
// and {"ok":false} responses both count as delivery failures.
func (s *telegramSender) do(req *http.Request) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(raw, &apiResp); err == nil && apiResp.OK {
		return nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(raw) == 0 {
		return nil
	}
	if apiResp.Description != "" {
		return fmt.Errorf("%w: telegram: %s", ErrSendFailed, apiResp.Description)
	}
	return fmt.Errorf("%w: telegram: status %d", ErrSendFailed, resp.StatusCode)
}
