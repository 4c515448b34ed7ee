package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"indicator-alerts/internal/alert"
	"indicator-alerts/internal/metrics"
)

var (
	// ErrAuthExpired marks a rejected bearer token; recovered by one forced
	// refresh and retry.
	ErrAuthExpired = errors.New("push auth expired")
	// ErrInvalidDeviceToken marks a permanently invalid delivery target.
	ErrInvalidDeviceToken = errors.New("device token invalid")
)

// DeviceDirectory resolves and cleans up delivery targets.
type DeviceDirectory interface {
	ListDevicesByOwner(ctx context.Context, ownerID string) ([]alert.DeviceBinding, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	CountDevicesByOwner(ctx context.Context, ownerID string) (int64, error)
	PurgeOwner(ctx context.Context, ownerID string) error
}

// Options parameterise the dispatcher.
type Options struct {
	SendURL string
	Timeout time.Duration
	// MaxTriggerAge discards triggers whose dispatch is so delayed the
	// alert is no longer relevant.
	MaxTriggerAge time.Duration
}

// Dispatcher fans one trigger out to every device of the rule's owner.
// Failures are isolated per trigger and per device.
type Dispatcher struct {
	opts    Options
	tokens  *TokenSource
	devices DeviceDirectory
	client  *http.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDispatcher wires the delivery path. m may be nil.
func NewDispatcher(opts Options, tokens *TokenSource, devices DeviceDirectory, m *metrics.Metrics, logger zerolog.Logger) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.MaxTriggerAge <= 0 {
		opts.MaxTriggerAge = 10 * time.Minute
	}

	return &Dispatcher{
		opts:    opts,
		tokens:  tokens,
		devices: devices,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Dispatch delivers a batch of triggers. A failing trigger never aborts the
// remainder of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, triggers []alert.Trigger) {
	for _, trigger := range triggers {
		if err := d.dispatchOne(ctx, trigger); err != nil {
			d.logger.Error().Err(err).
				Int64("rule_id", trigger.Rule.ID).
				Str("symbol", trigger.Rule.Symbol).
				Msg("trigger dispatch failed")
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, trigger alert.Trigger) error {
	age := d.now().Sub(trigger.Created)
	if age > d.opts.MaxTriggerAge {
		d.logger.Warn().
			Int64("rule_id", trigger.Rule.ID).
			Dur("age", age).
			Msg("discarding stale trigger")
		if d.metrics != nil {
			d.metrics.TriggersStale.Inc()
		}
		return nil
	}

	bindings, err := d.devices.ListDevicesByOwner(ctx, trigger.Rule.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve devices: %w", err)
	}
	if len(bindings) == 0 {
		d.logger.Debug().Int64("rule_id", trigger.Rule.ID).Msg("owner has no devices")
		return nil
	}

	invalidated := false
	for _, binding := range bindings {
		err := d.sendWithRetry(ctx, binding, trigger)
		switch {
		case err == nil:
			if d.metrics != nil {
				d.metrics.NotificationsSent.Inc()
			}
		case errors.Is(err, ErrInvalidDeviceToken):
			d.logger.Info().
				Str("device_id", binding.DeviceID).
				Str("owner_id", binding.OwnerID).
				Msg("removing permanently invalid device binding")
			if delErr := d.devices.DeleteDevice(ctx, binding.DeviceID); delErr != nil {
				d.logger.Error().Err(delErr).Str("device_id", binding.DeviceID).Msg("binding cleanup failed")
			} else {
				invalidated = true
			}
		default:
			if d.metrics != nil {
				d.metrics.NotificationFailures.Inc()
			}
			d.logger.Error().Err(err).
				Str("device_id", binding.DeviceID).
				Int64("rule_id", trigger.Rule.ID).
				Msg("notification send failed")
		}
	}

	if invalidated {
		d.cleanupAbandonedOwner(ctx, trigger.Rule.OwnerID)
	}
	return nil
}

// sendWithRetry exchanges the token once more and retries a single time when
// the backend rejects authentication mid-dispatch.
func (d *Dispatcher) sendWithRetry(ctx context.Context, binding alert.DeviceBinding, trigger alert.Trigger) error {
	err := d.send(ctx, binding, trigger)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}

	d.logger.Warn().Msg("bearer token rejected, forcing refresh")
	d.tokens.Invalidate(ctx)
	return d.send(ctx, binding, trigger)
}

func (d *Dispatcher) send(ctx context.Context, binding alert.DeviceBinding, trigger alert.Trigger) error {
	token, err := d.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("acquire bearer token: %w", err)
	}

	payload, err := json.Marshal(buildMessage(binding, trigger))
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.opts.SendURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return classifyResponse(resp.StatusCode, body)
}

// classifyResponse maps backend responses onto the error taxonomy.
func classifyResponse(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuthExpired
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrInvalidDeviceToken
	}
	if strings.Contains(string(body), "UNREGISTERED") {
		return ErrInvalidDeviceToken
	}
	return fmt.Errorf("push backend error (%d): %s", status, strings.TrimSpace(string(body)))
}

// cleanupAbandonedOwner garbage-collects an ephemeral identity once its last
// device binding is gone.
func (d *Dispatcher) cleanupAbandonedOwner(ctx context.Context, ownerID string) {
	if !alert.IsAnonymousOwner(ownerID) {
		return
	}

	remaining, err := d.devices.CountDevicesByOwner(ctx, ownerID)
	if err != nil {
		d.logger.Error().Err(err).Str("owner_id", ownerID).Msg("device count failed")
		return
	}
	if remaining > 0 {
		return
	}

	d.logger.Info().Str("owner_id", ownerID).Msg("purging abandoned anonymous owner")
	if err := d.devices.PurgeOwner(ctx, ownerID); err != nil {
		d.logger.Error().Err(err).Str("owner_id", ownerID).Msg("owner purge failed")
	}
}

// pushMessage is the delivery payload. The collapse key lets an offline
// device keep only the latest state for a rule instead of a backlog.
type pushMessage struct {
	Message struct {
		Token   string            `json:"token"`
		Data    map[string]string `json:"data"`
		Android struct {
			CollapseKey string `json:"collapse_key"`
			Priority    string `json:"priority"`
		} `json:"android"`
		APNS struct {
			Headers map[string]string `json:"headers"`
		} `json:"apns"`
	} `json:"message"`
}

func buildMessage(binding alert.DeviceBinding, trigger alert.Trigger) pushMessage {
	var msg pushMessage
	msg.Message.Token = binding.PushToken
	msg.Message.Data = map[string]string{
		"rule_id":    strconv.FormatInt(trigger.Rule.ID, 10),
		"symbol":     trigger.Rule.Symbol,
		"indicator":  trigger.Rule.Indicator.Kind.String(),
		"value":      strconv.FormatFloat(trigger.Event.Value, 'f', 2, 64),
		"level":      strconv.FormatFloat(trigger.Event.Level, 'f', 2, 64),
		"transition": string(trigger.Event.Transition),
		"fired_at":   trigger.Event.Time.UTC().Format(time.RFC3339),
	}
	msg.Message.Android.CollapseKey = trigger.CollapseKey()
	msg.Message.Android.Priority = "high"
	msg.Message.APNS.Headers = map[string]string{
		"apns-collapse-id": trigger.CollapseKey(),
	}
	return msg
}
