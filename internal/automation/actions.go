package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"renewal-mail-engine/internal/classifier"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/parser"
	"renewal-mail-engine/internal/sender"
)

const responseExcerpt = 1000

func (e *Engine) sendEmail(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	to := stringsOf(cfg["to"])
	if len(to) == 0 {
		to = stringsOf(trigger["to_email"])
	}
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: to", ErrMissingConfig)
	}

	subject := sender.Render(stringOf(cfg["subject"]), trigger)
	html := sender.Render(firstString(cfg, "html_body", "body"), trigger)
	text := sender.Render(stringOf(cfg["text_body"]), trigger)
	if html == "" && text == "" {
		return nil, fmt.Errorf("%w: body", ErrMissingConfig)
	}

	req := &sender.Request{
		OwnerID:  a.OwnerID,
		To:       to,
		CC:       stringsOf(cfg["cc"]),
		BCC:      stringsOf(cfg["bcc"]),
		Subject:  subject,
		HTMLBody: html,
		TextBody: text,
	}
	if id, ok := uintOf(cfg["account_id"]); ok {
		req.AccountID = &id
	}
	res, err := e.mailer.Send(ctx, req)
	return sendResult(res), err
}

func (e *Engine) replyEmail(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	msg, err := e.triggerMessage(a, trigger)
	if err != nil {
		return nil, err
	}
	html := sender.Render(firstString(cfg, "html_body", "body"), trigger)
	text := sender.Render(stringOf(cfg["text_body"]), trigger)
	if html == "" && text == "" {
		return nil, fmt.Errorf("%w: body", ErrMissingConfig)
	}

	r := sender.ReplyRequest{
		OriginalID: msg.ID,
		ReplyAll:   boolOf(cfg["reply_all"]),
		CC:         stringsOf(cfg["cc"]),
		BCC:        stringsOf(cfg["bcc"]),
		HTMLBody:   html,
		TextBody:   text,
	}
	if id, ok := uintOf(cfg["account_id"]); ok {
		r.AccountID = &id
	}
	res, err := e.mailer.Reply(ctx, r)
	return sendResult(res), err
}

func (e *Engine) forwardEmail(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	msg, err := e.triggerMessage(a, trigger)
	if err != nil {
		return nil, err
	}
	to := stringsOf(cfg["to"])
	if len(to) == 0 {
		return nil, fmt.Errorf("%w: to", ErrMissingConfig)
	}

	r := sender.ForwardRequest{
		OriginalID: msg.ID,
		To:         to,
		CC:         stringsOf(cfg["cc"]),
		BCC:        stringsOf(cfg["bcc"]),
		Message:    sender.Render(stringOf(cfg["message"]), trigger),
	}
	if id, ok := uintOf(cfg["account_id"]); ok {
		r.AccountID = &id
	}
	res, err := e.mailer.Forward(ctx, r)
	return sendResult(res), err
}

func (e *Engine) moveToFolder(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	target := firstString(cfg, "folder_id", "folder")
	if target == "" {
		return nil, fmt.Errorf("%w: folder_id", ErrMissingConfig)
	}
	msg, err := e.triggerMessage(a, trigger)
	if err != nil {
		return nil, err
	}

	rule := &model.FilterRule{Action: model.ActionMoveToFolder, ActionValue: target}
	if err := classifier.Apply(rule, msg, e.repo, e.now()); err != nil {
		return nil, fmt.Errorf("failed to resolve folder: %w", err)
	}
	if err := e.repo.UpdateMessage(msg.ID, map[string]any{"folder_id": *msg.FolderID}); err != nil {
		return nil, err
	}
	return map[string]any{"email_id": msg.ID, "folder_id": *msg.FolderID, "folder": msg.Folder.Name}, nil
}

func (e *Engine) addTag(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	tag := strings.TrimSpace(stringOf(cfg["tag"]))
	if tag == "" {
		return nil, fmt.Errorf("%w: tag", ErrMissingConfig)
	}
	msg, err := e.triggerMessage(a, trigger)
	if err != nil {
		return nil, err
	}
	if !msg.HasTag(tag) {
		msg.Tags = append(msg.Tags, tag)
		if err := e.repo.SetMessageTags(msg.ID, msg.Tags); err != nil {
			return nil, err
		}
	}
	return map[string]any{"email_id": msg.ID, "tags": msg.Tags}, nil
}

func (e *Engine) assignToUser(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	userID, ok := uintOf(cfg["user_id"])
	if !ok {
		return nil, fmt.Errorf("%w: user_id", ErrMissingConfig)
	}
	msg, err := e.triggerMessage(a, trigger)
	if err != nil {
		return nil, err
	}
	if err := e.repo.UpdateMessage(msg.ID, map[string]any{"assigned_to": userID}); err != nil {
		return nil, err
	}
	return map[string]any{"email_id": msg.ID, "assigned_to": userID}, nil
}

// webhookCall sends config data merged with the trigger payload. Any
// status below 400 counts as success.
func (e *Engine) webhookCall(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	url := stringOf(cfg["url"])
	if url == "" {
		return nil, fmt.Errorf("%w: url", ErrMissingConfig)
	}
	method := strings.ToUpper(stringOf(cfg["method"]))
	if method == "" {
		method = http.MethodPost
	}

	data := map[string]any{}
	if extra, ok := cfg["data"].(map[string]any); ok {
		for k, v := range extra {
			data[k] = v
		}
	}
	for k, v := range trigger {
		data[k] = v
	}
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, stringOf(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call failed: %w", err)
	}
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, responseExcerpt))

	result := map[string]any{"status_code": resp.StatusCode, "response": string(excerpt)}
	if resp.StatusCode >= http.StatusBadRequest {
		return result, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return result, nil
}

func (e *Engine) delay(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
	var seconds float64
	if v, set := cfg["delay_seconds"]; set && v != nil {
		n, ok := floatOf(v)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: delay_seconds", ErrMissingConfig)
		}
		seconds = n
	}
	wait := time.Duration(seconds * float64(time.Second))
	if wait > e.maxDelay {
		wait = e.maxDelay
	}
	if wait <= 0 {
		return map[string]any{"delayed_seconds": 0.0}, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("delay interrupted: %w", ctx.Err())
	case <-timer.C:
	}
	return map[string]any{"delayed_seconds": wait.Seconds()}, nil
}

// recordOnly acknowledges actions handled by collaborators outside the mail
// engine; the config is echoed into the execution log.
func recordOnly(kind string) action {
	return func(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error) {
		result := map[string]any{"recorded": kind}
		for k, v := range cfg {
			result[k] = v
		}
		if id, ok := uintOf(trigger["email_id"]); ok {
			result["email_id"] = id
		}
		return result, nil
	}
}

// triggerMessage loads the message named by the trigger's email_id. It
// must belong to the automation's owner.
func (e *Engine) triggerMessage(a *model.Automation, trigger map[string]any) (*model.Message, error) {
	id, ok := uintOf(trigger["email_id"])
	if !ok {
		return nil, fmt.Errorf("%w: trigger email_id", ErrMissingConfig)
	}
	msg, err := e.repo.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg.OwnerID != a.OwnerID {
		return nil, fmt.Errorf("message %d belongs to another owner", id)
	}
	return msg, nil
}

func sendResult(res *sender.Result) map[string]any {
	if res == nil {
		return nil
	}
	out := map[string]any{
		"sent":                res.Sent,
		"method":              res.Method,
		"from":                res.From,
		"provider_message_id": res.ProviderMessageID,
	}
	if res.Message != nil {
		out["email_id"] = res.Message.ID
	}
	return out
}

func stringOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func firstString(cfg map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringOf(cfg[k]); s != "" {
			return s
		}
	}
	return ""
}

// stringsOf accepts a list or a comma separated string of addresses
func stringsOf(v any) []string {
	switch t := v.(type) {
	case string:
		return parser.SplitAddresses(t)
	case []string:
		return parser.SplitAddresses(strings.Join(t, ","))
	case []any:
		parts := make([]string, 0, len(t))
		for _, p := range t {
			parts = append(parts, stringOf(p))
		}
		return parser.SplitAddresses(strings.Join(parts, ","))
	}
	return nil
}

func uintOf(v any) (uint, bool) {
	switch t := v.(type) {
	case uint:
		return t, true
	case int:
		return uint(t), t >= 0
	case int64:
		return uint(t), t >= 0
	case float64:
		return uint(t), t >= 0 && t == float64(uint(t))
	case json.Number:
		n, err := strconv.ParseUint(t.String(), 10, 64)
		return uint(n), err == nil
	case string:
		n, err := strconv.ParseUint(strings.TrimSpace(t), 10, 64)
		return uint(n), err == nil
	}
	return 0, false
}

func floatOf(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case uint:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func boolOf(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}
