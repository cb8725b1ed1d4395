package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/paydar-io/billing-engine/internal/domain"
	"github.com/paydar-io/billing-engine/pkg/logger"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
	headerEventType = "X-Webhook-Event-Type"
	headerEventID   = "X-Webhook-Event-Id"

	deliveryAttempts = 2
	retryDelay       = 2 * time.Second
)

// Endpoint внешний потребитель событий
type Endpoint struct {
	Name       string
	URL        string
	Secret     string
	EventTypes []domain.BillingEventType
	Enabled    bool
}

// Subscribed сообщает, подписан ли эндпоинт на данный тип события.
// Пустой список типов означает подписку на все события.
func (e Endpoint) Subscribed(eventType domain.BillingEventType) bool {
	if !e.Enabled {
		return false
	}
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Dispatcher доставляет биллинговые события внешним HTTP-эндпоинтам.
// Доставка best-effort: ошибка доставки логируется, но никогда
// не возвращается вызывающему бизнес-процессу.
type Dispatcher struct {
	endpoints  []Endpoint
	httpClient *http.Client
	log        *logger.Logger

	now func() time.Time
}

// NewDispatcher создает новый диспетчер исходящих вебхуков
func NewDispatcher(endpoints []Endpoint, timeout time.Duration, log *logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Dispatcher{
		endpoints:  endpoints,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
		now:        time.Now,
	}
}

// Publish рассылает событие всем подписанным эндпоинтам параллельно.
// Контракт Publisher best-effort: исход доставки логируется и не
// возвращается вызывающему.
func (d *Dispatcher) Publish(ctx context.Context, event domain.BillingEvent) error {
	if _, err := d.Forward(ctx, event); err != nil {
		d.log.Errorw("Webhook fan-out incomplete",
			"event_type", event.Type, "event_id", event.ID, "error", err)
	}
	return nil
}

// Forward рассылает событие подписанным эндпоинтам и возвращает число
// успешных доставок вместе с первой ошибкой. Вызывающий решает сам,
// фиксировать исход в аудите или проглотить его.
func (d *Dispatcher) Forward(ctx context.Context, event domain.BillingEvent) (int, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		delivered int
		firstErr  error
	)
	for _, endpoint := range d.endpoints {
		if !endpoint.Subscribed(event.Type) {
			continue
		}

		wg.Add(1)
		go func(ep Endpoint) {
			defer wg.Done()
			err := d.deliver(ctx, ep, event, payload)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				delivered++
			} else if firstErr == nil {
				firstErr = fmt.Errorf("endpoint %s: %w", ep.Name, err)
			}
		}(endpoint)
	}
	wg.Wait()

	return delivered, firstErr
}

// deliver доставляет событие одному эндпоинту с одним повтором
func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event domain.BillingEvent, payload []byte) error {
	var lastErr error
	for attempt := 1; attempt <= deliveryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		if lastErr = d.send(ctx, ep, event, payload); lastErr == nil {
			d.log.Infow("Webhook delivered",
				"endpoint", ep.Name, "event_type", event.Type, "event_id", event.ID, "attempt", attempt)
			return nil
		}
	}

	d.log.Errorw("Webhook delivery failed",
		"endpoint", ep.Name, "event_type", event.Type, "event_id", event.ID, "error", lastErr)
	return lastErr
}

func (d *Dispatcher) send(ctx context.Context, ep Endpoint, event domain.BillingEvent, payload []byte) error {
	ts := d.now().Unix()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, fmt.Sprintf("t=%d,v1=%s", ts, Sign(ep.Secret, ts, payload)))
	req.Header.Set(headerTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(headerEventType, string(event.Type))
	req.Header.Set(headerEventID, event.ID.String())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	return nil
}

// Sign вычисляет HMAC-SHA256 подпись от "{timestamp}.{payload}"
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись входящего тела в постоянном времени
func VerifySignature(secret string, timestamp int64, payload []byte, signature string) bool {
	expected := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(expected), []byte(signature))
}
