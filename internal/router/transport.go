package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediate/internal/models"
)

// Transport delivers one message to one address. Implementations report
// failure; retry policy lives in the router.
type Transport interface {
	Deliver(ctx context.Context, address string, msg models.AgentMessage) error
}

// LoopbackTransport delivers messages to in-process mailboxes. Delivery
// order into a mailbox matches the order of Deliver calls.
type LoopbackTransport struct {
	mu        sync.Mutex
	mailboxes map[string]chan models.AgentMessage
	size      int
}

// NewLoopbackTransport creates the in-process transport with the given
// per-mailbox buffer size.
func NewLoopbackTransport(size int) *LoopbackTransport {
	if size <= 0 {
		size = 64
	}
	return &LoopbackTransport{
		mailboxes: make(map[string]chan models.AgentMessage),
		size:      size,
	}
}

// Mailbox returns the receive side for an address, creating it on first use.
func (t *LoopbackTransport) Mailbox(address string) <-chan models.AgentMessage {
	return t.mailbox(address)
}

// Deliver places the message in the address mailbox. A full mailbox is a
// delivery failure so the router's retry policy applies.
func (t *LoopbackTransport) Deliver(ctx context.Context, address string, msg models.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.mailbox(address) <- msg:
		return nil
	default:
		return fmt.Errorf("mailbox %s full", address)
	}
}

func (t *LoopbackTransport) mailbox(address string) chan models.AgentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.mailboxes[address]
	if !ok {
		ch = make(chan models.AgentMessage, t.size)
		t.mailboxes[address] = ch
	}
	return ch
}

// HTTPTransport posts messages to HTTP relay endpoints. The address is the
// full endpoint URL.
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates the HTTP relay transport.
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPTransport{httpClient: &http.Client{Timeout: timeout}}
}

// Deliver posts the message as JSON and treats any non-2xx reply as failure.
func (t *HTTPTransport) Deliver(ctx context.Context, address string, msg models.AgentMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay endpoint unreachable: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay endpoint returned %s", resp.Status)
	}
	return nil
}
