package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, declared ...Config) *Provider {
	t.Helper()
	p := NewProvider(t.TempDir(), declared, nil)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { p.Stop(context.Background()) })
	return p
}

func TestSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q"})

	id, err := p.SendMessage(ctx, "q", "hello", map[string]string{"k": "v"}, "", "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs, err := p.ReceiveMessages(ctx, "q", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.Equal(t, "v", msgs[0].Attributes["k"])

	// In flight: a second receive sees nothing.
	again, err := p.ReceiveMessages(ctx, "q", 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, p.DeleteMessage(ctx, "q", msgs[0].ReceiptHandle))
	final, err := p.ReceiveMessages(ctx, "q", 10)
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestRedeliveryAfterVisibilityExpires(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q", VisibilityTimeout: 100 * time.Millisecond})

	_, err := p.SendMessage(ctx, "q", "retry-me", nil, "", "")
	require.NoError(t, err)

	first, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].ReceiveCount)

	time.Sleep(150 * time.Millisecond)

	second, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].ReceiveCount, "delivery counter increments by exactly one")
}

func TestDeadLetterRouting(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t,
		Config{Name: "dlq"},
		Config{Name: "q", VisibilityTimeout: 50 * time.Millisecond, MaxReceiveCount: 2, DeadLetter: "dlq"},
	)

	_, err := p.SendMessage(ctx, "q", "poison", nil, "", "")
	require.NoError(t, err)

	// Two failed deliveries: receive and never acknowledge.
	for i := 0; i < 2; i++ {
		msgs, err := p.ReceiveMessages(ctx, "q", 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "delivery %d", i+1)
		time.Sleep(80 * time.Millisecond)
	}

	// Next cycle routes to the dead-letter queue.
	msgs, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no copy remaining in the source queue")

	dead, err := p.ReceiveMessages(ctx, "dlq", 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "poison", dead[0].Body)
}

func TestFIFOGroupOrdering(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q.fifo", FIFO: true, VisibilityTimeout: time.Minute})

	for _, body := range []string{"g1-a", "g1-b"} {
		_, err := p.SendMessage(ctx, "q.fifo", body, nil, "g1", body)
		require.NoError(t, err)
	}
	_, err := p.SendMessage(ctx, "q.fifo", "g2-a", nil, "g2", "g2-a")
	require.NoError(t, err)

	// First in-order delivery from g1 plus g2's head.
	batch, err := p.ReceiveMessages(ctx, "q.fifo", 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "g1-a", batch[0].Body)

	// g1 has a message in flight: g1-b must not be delivered, g2 may.
	next, err := p.ReceiveMessages(ctx, "q.fifo", 10)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "g2-a", next[0].Body)

	// Acknowledging g1-a unblocks g1-b.
	require.NoError(t, p.DeleteMessage(ctx, "q.fifo", batch[0].ReceiptHandle))
	rest, err := p.ReceiveMessages(ctx, "q.fifo", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "g1-b", rest[0].Body)
}

func TestFIFODeduplication(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q.fifo", FIFO: true})

	first, err := p.SendMessage(ctx, "q.fifo", "once", nil, "g", "dedup-1")
	require.NoError(t, err)
	second, err := p.SendMessage(ctx, "q.fifo", "once again", nil, "g", "dedup-1")
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate send returns the original id")

	msgs, err := p.ReceiveMessages(ctx, "q.fifo", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestFIFORequiresGroupID(t *testing.T) {
	p := newTestProvider(t, Config{Name: "q.fifo", FIFO: true})
	_, err := p.SendMessage(context.Background(), "q.fifo", "x", nil, "", "")
	require.Error(t, err)
}

func TestDelaySeconds(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q", DelaySeconds: 150 * time.Millisecond})

	_, err := p.SendMessage(ctx, "q", "later", nil, "", "")
	require.NoError(t, err)

	early, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	assert.Empty(t, early, "message invisible during the delay")

	time.Sleep(200 * time.Millisecond)
	msgs, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestChangeMessageVisibilityToZero(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Name: "q", VisibilityTimeout: time.Minute})

	_, err := p.SendMessage(ctx, "q", "x", nil, "", "")
	require.NoError(t, err)
	msgs, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, p.ChangeMessageVisibility(ctx, "q", msgs[0].ReceiptHandle, 0))
	again, err := p.ReceiveMessages(ctx, "q", 1)
	require.NoError(t, err)
	assert.Len(t, again, 1, "zero visibility makes the message immediately redeliverable")
}

func TestUnknownQueue(t *testing.T) {
	p := newTestProvider(t)
	_, err := p.SendMessage(context.Background(), "nope", "x", nil, "", "")
	require.Error(t, err)
}

func postAction(t *testing.T, h http.Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWireLifecycle(t *testing.T) {
	p := newTestProvider(t)
	h := NewSurface(p, "http://127.0.0.1:4581").Handler()

	w := postAction(t, h, url.Values{"Action": {"CreateQueue"}, "QueueName": {"jobs"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "<QueueUrl>http://127.0.0.1:4581/000000000000/jobs</QueueUrl>")

	queueURL := "http://127.0.0.1:4581/000000000000/jobs"
	w = postAction(t, h, url.Values{"Action": {"SendMessage"}, "QueueUrl": {queueURL}, "MessageBody": {"payload"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "<MessageId>")

	w = postAction(t, h, url.Values{"Action": {"ReceiveMessage"}, "QueueUrl": {queueURL}, "MaxNumberOfMessages": {"10"}})
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<Body>payload</Body>")
	assert.Contains(t, body, "<ReceiptHandle>")

	w = postAction(t, h, url.Values{"Action": {"GetQueueAttributes"}, "QueueUrl": {queueURL}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Name>QueueArn</Name>")

	w = postAction(t, h, url.Values{"Action": {"SendMessage"}, "QueueUrl": {"http://127.0.0.1:4581/000000000000/ghost"}, "MessageBody": {"x"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>ResourceNotFoundException</Code>")
}
