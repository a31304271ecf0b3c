package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/contracts-rag/internal/core/domain"
	"github.com/kirillkom/contracts-rag/internal/infrastructure/resilience"
)

const DefaultSubject = "index.published"

// IndexEvents fans out "new index version published" notifications.
// Every subscriber receives every event, so each API replica reloads.
type IndexEvents struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

type indexReadyEvent struct {
	Version     string    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

func New(url, subject string, options Options) (*IndexEvents, error) {
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("contracts-rag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfiguration, "connect nats", err)
	}
	return &IndexEvents{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (e *IndexEvents) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

func (e *IndexEvents) PublishIndexReady(ctx context.Context, version string) error {
	payload, err := encodeIndexReady(version, time.Now().UTC())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := e.conn.Publish(e.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if e.executor != nil {
		err = e.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeIndexReady blocks until ctx is done, then drains the subscription.
func (e *IndexEvents) SubscribeIndexReady(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := e.conn.Subscribe(e.subject, func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		version, err := decodeIndexReady(msg.Data)
		if err != nil {
			slog.Warn("index_event_decode_failed", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, version); err != nil {
			slog.Error("index_event_handler_failed", "version", version, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := e.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := e.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func encodeIndexReady(version string, at time.Time) ([]byte, error) {
	if strings.TrimSpace(version) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "publish index ready", errors.New("empty version"))
	}
	payload, err := json.Marshal(indexReadyEvent{Version: version, PublishedAt: at})
	if err != nil {
		return nil, fmt.Errorf("marshal index event: %w", err)
	}
	return payload, nil
}

// decodeIndexReady also accepts a bare version string.
func decodeIndexReady(data []byte) (string, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", errors.New("empty index event")
	}
	if !strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	var event indexReadyEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return "", fmt.Errorf("unmarshal index event: %w", err)
	}
	if strings.TrimSpace(event.Version) == "" {
		return "", errors.New("index event without version")
	}
	return event.Version, nil
}
