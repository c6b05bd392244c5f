// Package automation runs trigger-action rules against mail events.
package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"renewal-mail-engine/internal/metrics"
	"renewal-mail-engine/internal/model"
	"renewal-mail-engine/internal/repository"
	"renewal-mail-engine/internal/sender"
)

var (
	ErrUnknownAction = errors.New("unknown automation action")
	// ErrMissingConfig means action_config or the trigger lacks a required key
	ErrMissingConfig = errors.New("missing action configuration")
)

// Rejection reasons
const (
	ReasonInactive = "inactive"
	ReasonLimit    = "max_executions"
	ReasonCooldown = "cooldown"
)

// Outcome describes one trigger of one automation. Skipped outcomes were
// rejected before running and have no execution log.
type Outcome struct {
	AutomationID uint           `json:"automation_id"`
	Skipped      bool           `json:"skipped"`
	Reason       string         `json:"reason,omitempty"`
	LogID        uint           `json:"log_id,omitempty"`
	Status       string         `json:"status,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Mailer is the outbound side used by the mail actions
type Mailer interface {
	Send(ctx context.Context, req *sender.Request) (*sender.Result, error)
	Reply(ctx context.Context, r sender.ReplyRequest) (*sender.Result, error)
	Forward(ctx context.Context, r sender.ForwardRequest) (*sender.Result, error)
}

type Options struct {
	WebhookTimeout time.Duration
	MaxDelay       time.Duration
}

func (o Options) withDefaults() Options {
	if o.WebhookTimeout <= 0 {
		o.WebhookTimeout = 30 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Minute
	}
	return o
}

type action func(ctx context.Context, a *model.Automation, cfg, trigger map[string]any) (map[string]any, error)

// Engine checks preconditions, claims a run and dispatches to the action
// handler for the automation's action_type.
type Engine struct {
	repo     *repository.Repository
	mailer   Mailer
	client   *http.Client
	metrics  *metrics.Metrics
	maxDelay time.Duration
	now      func() time.Time
	actions  map[string]action

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup
}

func NewEngine(repo *repository.Repository, mailer Mailer, m *metrics.Metrics, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		repo:     repo,
		mailer:   mailer,
		client:   &http.Client{Timeout: opts.WebhookTimeout},
		metrics:  m,
		maxDelay: opts.MaxDelay,
		now:      time.Now,
		base:     context.Background(),
	}
	e.actions = map[string]action{
		model.AutomationSendEmail:    e.sendEmail,
		model.AutomationReplyEmail:   e.replyEmail,
		model.AutomationForwardEmail: e.forwardEmail,
		model.AutomationMoveToFolder: e.moveToFolder,
		model.AutomationAddTag:       e.addTag,
		model.AutomationAssignToUser: e.assignToUser,
		model.AutomationWebhookCall:  e.webhookCall,
		model.AutomationDelay:        e.delay,
		model.AutomationCreateTask:   recordOnly("task"),
		model.AutomationUpdateCRM:    recordOnly("crm_update"),
	}
	return e
}

// Execute runs one automation for a trigger payload. A rejected trigger
// returns a skipped Outcome and a nil error; the returned error is reserved
// for storage failures.
func (e *Engine) Execute(ctx context.Context, a *model.Automation, trigger map[string]any) (*Outcome, error) {
	now := e.now().UTC()
	log := logrus.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"action":        a.ActionType,
	})

	if reason, note := rejection(a, now); reason != "" {
		return e.reject(a, reason, note), nil
	}

	claimed, err := e.repo.ClaimAutomationRun(a, now)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// lost the slot to a concurrent trigger; report what blocks it now
		reason, note := ReasonLimit, "Automation has reached maximum execution limit"
		if fresh, err := e.repo.GetAutomation(a.ID); err == nil {
			if r, n := rejection(fresh, now); r != "" {
				reason, note = r, n
			}
		}
		return e.reject(a, reason, note), nil
	}

	if trigger == nil {
		trigger = map[string]any{}
	}
	entry := &model.AutomationExecutionLog{
		AutomationID: a.ID,
		Status:       model.ExecutionRunning,
		TriggerData:  trigger,
		StartedAt:    now,
	}
	if id, ok := uintOf(trigger["email_id"]); ok {
		entry.MessageRefID = &id
	}
	if err := e.repo.CreateExecutionLog(entry); err != nil {
		return nil, err
	}

	start := time.Now()
	result, runErr := e.dispatch(ctx, a, trigger)
	completed := e.now().UTC()
	entry.CompletedAt = &completed
	entry.DurationSeconds = time.Since(start).Seconds()
	entry.ResultData = result

	outcome := &Outcome{AutomationID: a.ID, LogID: entry.ID, Result: result}
	switch {
	case runErr != nil && ctx.Err() != nil:
		entry.Status = model.ExecutionCancelled
		entry.ErrorMessage = runErr.Error()
	case runErr != nil:
		entry.Status = model.ExecutionFailed
		entry.ErrorMessage = runErr.Error()
	default:
		entry.Status = model.ExecutionCompleted
	}
	outcome.Status = entry.Status
	outcome.Error = entry.ErrorMessage
	e.metrics.AutomationRuns.WithLabelValues(entry.Status).Inc()

	if err := e.repo.FinishExecutionLog(entry); err != nil {
		return outcome, err
	}
	if runErr != nil {
		log.Warnf("Automation run %s: %v", entry.Status, runErr)
	} else {
		log.Infof("Automation run completed in %.2fs", entry.DurationSeconds)
	}
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, a *model.Automation, trigger map[string]any) (map[string]any, error) {
	run, ok := e.actions[a.ActionType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.ActionType)
	}
	cfg := a.ActionConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	return run(ctx, a, cfg, trigger)
}

func (e *Engine) reject(a *model.Automation, reason, note string) *Outcome {
	e.metrics.AutomationRejects.WithLabelValues(reason).Inc()
	logrus.WithFields(logrus.Fields{
		"automation_id": a.ID,
		"reason":        reason,
	}).Debug(note)
	return &Outcome{AutomationID: a.ID, Skipped: true, Reason: reason, Error: note}
}

// rejection applies the preconditions in order: active, cap, cooldown
func rejection(a *model.Automation, now time.Time) (string, string) {
	if !a.IsActive {
		return ReasonInactive, "Automation is not active"
	}
	if a.MaxExecutions > 0 && a.ExecutionCount >= a.MaxExecutions {
		return ReasonLimit, "Automation has reached maximum execution limit"
	}
	if a.CooldownSeconds > 0 && a.LastExecuted != nil {
		if now.Sub(*a.LastExecuted) <= time.Duration(a.CooldownSeconds)*time.Second {
			return ReasonCooldown, "Automation is in cooldown period"
		}
	}
	return "", ""
}

// HandleEvent executes every active automation of the owner listening for
// triggerType whose conditions match the payload.
func (e *Engine) HandleEvent(ctx context.Context, ownerID uint, triggerType string, payload map[string]any) ([]*Outcome, error) {
	automations, err := e.repo.AutomationsForTrigger(ownerID, triggerType)
	if err != nil {
		return nil, err
	}
	return e.runAll(ctx, automations, payload), nil
}

// RunTimeBased executes every active time_based automation. The cooldown
// of each automation acts as its period.
func (e *Engine) RunTimeBased(ctx context.Context) error {
	automations, err := e.repo.ActiveAutomationsByTrigger(model.TriggerTimeBased)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"event_type": model.TriggerTimeBased,
		"fired_at":   e.now().UTC().Format(time.RFC3339),
	}
	e.runAll(ctx, automations, payload)
	return nil
}

func (e *Engine) runAll(ctx context.Context, automations []model.Automation, payload map[string]any) []*Outcome {
	var outcomes []*Outcome
	for i := range automations {
		a := &automations[i]
		if !MatchConditions(a.TriggerConditions, payload) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		outcome, err := e.Execute(ctx, a, copyPayload(payload))
		if err != nil {
			logrus.WithField("automation_id", a.ID).Errorf("Failed to execute automation: %v", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// Bind sets the context that background triggers run under. Cancelling
// it interrupts them.
func (e *Engine) Bind(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.base = ctx
}

// Wait blocks until every background trigger has finished
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) background(run func(ctx context.Context)) {
	e.mu.Lock()
	base := e.base
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		run(base)
	}()
}

// MessageReceived queues the message_received automations for a newly
// stored inbound message and returns without waiting for them.
func (e *Engine) MessageReceived(msg *model.Message) {
	e.Trigger(msg.OwnerID, model.TriggerMessageReceived, MessagePayload(msg))
}

// Trigger runs HandleEvent in the background
func (e *Engine) Trigger(ownerID uint, triggerType string, payload map[string]any) {
	e.background(func(ctx context.Context) {
		if _, err := e.HandleEvent(ctx, ownerID, triggerType, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"owner_id": ownerID,
				"trigger":  triggerType,
			}).Errorf("Failed to run automations: %v", err)
		}
	})
}

// MessagePayload is the trigger payload describing a stored message
func MessagePayload(msg *model.Message) map[string]any {
	body := msg.TextContent
	if body == "" {
		body = msg.HTMLContent
	}
	payload := map[string]any{
		"email_id":   msg.ID,
		"message_id": msg.MessageID,
		"subject":    msg.Subject,
		"from":       msg.FromEmail,
		"from_name":  msg.FromName,
		"to":         msg.ToEmails,
		"category":   msg.Category,
		"priority":   msg.Priority,
		"sentiment":  msg.Sentiment,
		"body":       body,
	}
	if msg.Folder != nil {
		payload["folder"] = msg.Folder.Type
	}
	if msg.ReceivedAt != nil {
		payload["received_at"] = msg.ReceivedAt.UTC().Format(time.RFC3339)
	}
	return payload
}

func copyPayload(p map[string]any) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
