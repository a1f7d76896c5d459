// Package notification delivers nursing reminders (overdue tasks, stop
// requests awaiting confirmation). Messages are rendered from {{key}}
// templates and handed to a Publisher: Redis pub/sub in deployments, the
// structured log otherwise.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ---------------------------------------------------------------------------
// Message
// ---------------------------------------------------------------------------

// Message is one outbound reminder addressed to a nurse (or the ward when
// no nurse is assigned).
type Message struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	NurseID    *uuid.UUID        `json:"nurse_id,omitempty"`
	PatientID  uuid.UUID         `json:"patient_id"`
	OrderID    uuid.UUID         `json:"order_id"`
	TaskID     *uuid.UUID        `json:"task_id,omitempty"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Data       map[string]string `json:"data,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Publisher hands a message to the delivery channel.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable reminder template.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const (
	TemplateTaskOverdue = "task-overdue"
	TemplateStopPending = "stop-pending"
)

// TemplateEngine manages reminder templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]*Template)}
	for _, t := range []Template{
		{
			ID:      TemplateTaskOverdue,
			Subject: "Overdue {{category}} task",
			Body:    "The {{category}} task for patient {{patient_id}} planned at {{planned}} is overdue by {{overdue}}.",
		},
		{
			ID:      TemplateStopPending,
			Subject: "Stop request awaiting confirmation",
			Body:    "Order {{order_id}} for patient {{patient_id}} has a stop request: {{reason}}.",
		},
	} {
		e.RegisterTemplate(t)
	}
	return e
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render performs {{key}} replacement. Keys absent from data are left as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// Notifier renders templates and publishes the result.
type Notifier struct {
	templates *TemplateEngine
	publisher Publisher
}

func NewNotifier(templates *TemplateEngine, publisher Publisher) *Notifier {
	return &Notifier{templates: templates, publisher: publisher}
}

// Send renders templateID with data, fills ids and timestamps on msg and publishes it.
func (n *Notifier) Send(ctx context.Context, templateID string, msg *Message, data map[string]string) error {
	subject, body, err := n.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.TemplateID = templateID
	msg.Subject = subject
	msg.Body = body
	msg.Data = data
	msg.CreatedAt = time.Now().UTC()
	return n.publisher.Publish(ctx, msg)
}

// ---------------------------------------------------------------------------
// Publishers
// ---------------------------------------------------------------------------

// RedisPublisher publishes JSON messages on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", p.channel, err)
	}
	return nil
}

// LogPublisher writes messages to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, msg *Message) error {
	evt := p.logger.Info().
		Str("template", msg.TemplateID).
		Str("order_id", msg.OrderID.String()).
		Str("patient_id", msg.PatientID.String())
	if msg.TaskID != nil {
		evt = evt.Str("task_id", msg.TaskID.String())
	}
	if msg.NurseID != nil {
		evt = evt.Str("nurse_id", msg.NurseID.String())
	}
	evt.Msg(msg.Body)
	return nil
}

// MemoryPublisher records messages; used in tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []*Message
	Err      error
}

func (p *MemoryPublisher) Publish(_ context.Context, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.messages = append(p.messages, msg)
	return nil
}

// Messages returns a copy of the recorded messages.
func (p *MemoryPublisher) Messages() []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Message, len(p.messages))
	copy(out, p.messages)
	return out
}
