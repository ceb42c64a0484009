package queue

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"localcloud/internal/api"
	"localcloud/internal/dispatch"
	"localcloud/internal/intrinsics"
)

const wireNamespace = "http://queue.amazonaws.com/doc/2012-11-05/"

// Surface serves the queue service's form-encoded action dialect.
type Surface struct {
	provider *Provider
	baseURL  string // http://host:port, used to mint queue URLs
}

func NewSurface(p *Provider, baseURL string) *Surface {
	return &Surface{provider: p, baseURL: baseURL}
}

// Handler builds the HTTP handler with the full operation table.
func (s *Surface) Handler() http.Handler {
	mux := dispatch.NewQueryActionMux(wireNamespace)
	mux.Handle("CreateQueue", s.createQueue)
	mux.Handle("DeleteQueue", s.deleteQueue)
	mux.Handle("ListQueues", s.listQueues)
	mux.Handle("GetQueueUrl", s.getQueueURL)
	mux.Handle("GetQueueAttributes", s.getQueueAttributes)
	mux.Handle("PurgeQueue", s.purgeQueue)
	mux.Handle("SendMessage", s.sendMessage)
	mux.Handle("SendMessageBatch", s.sendMessageBatch)
	mux.Handle("ReceiveMessage", s.receiveMessage)
	mux.Handle("DeleteMessage", s.deleteMessage)
	mux.Handle("DeleteMessageBatch", s.deleteMessageBatch)
	mux.Handle("ChangeMessageVisibility", s.changeVisibility)
	return mux
}

func (s *Surface) queueURL(name string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, intrinsics.LocalAccountID, name)
}

// queueName extracts the queue name from the QueueUrl parameter, or falls
// back to QueueName.
func queueName(params url.Values) (string, error) {
	if u := params.Get("QueueUrl"); u != "" {
		idx := strings.LastIndex(u, "/")
		if idx < 0 || idx == len(u)-1 {
			return "", api.NewValidation("InvalidAddress", "malformed queue url %q", u)
		}
		return u[idx+1:], nil
	}
	if name := params.Get("QueueName"); name != "" {
		return name, nil
	}
	return "", api.NewValidation("MissingParameter", "QueueUrl or QueueName is required")
}

// wireAttributes walks the indexed Attribute.N.Name/Value form fields.
func wireAttributes(params url.Values) map[string]string {
	attrs := make(map[string]string)
	for i := 1; ; i++ {
		name := params.Get(fmt.Sprintf("Attribute.%d.Name", i))
		if name == "" {
			break
		}
		attrs[name] = params.Get(fmt.Sprintf("Attribute.%d.Value", i))
	}
	return attrs
}

// messageAttributes walks MessageAttribute.N.Name / .Value.StringValue.
func messageAttributes(params url.Values, prefix string) map[string]string {
	attrs := make(map[string]string)
	for i := 1; ; i++ {
		name := params.Get(fmt.Sprintf("%sMessageAttribute.%d.Name", prefix, i))
		if name == "" {
			break
		}
		attrs[name] = params.Get(fmt.Sprintf("%sMessageAttribute.%d.Value.StringValue", prefix, i))
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func configFromAttributes(name string, attrs map[string]string) (Config, error) {
	cfg := Config{Name: name}
	cfg.FIFO = attrs["FifoQueue"] == "true" || strings.HasSuffix(name, ".fifo")
	if v := attrs["VisibilityTimeout"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, api.NewValidation("InvalidAttributeValue", "VisibilityTimeout must be an integer, got %q", v)
		}
		cfg.VisibilityTimeout = time.Duration(secs) * time.Second
	}
	if v := attrs["DelaySeconds"]; v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return cfg, api.NewValidation("InvalidAttributeValue", "DelaySeconds must be an integer, got %q", v)
		}
		cfg.DelaySeconds = time.Duration(secs) * time.Second
	}
	if v := attrs["RedrivePolicy"]; v != "" {
		var policy struct {
			DeadLetterTargetArn string          `json:"deadLetterTargetArn"`
			MaxReceiveCount     json.RawMessage `json:"maxReceiveCount"`
		}
		if err := json.Unmarshal([]byte(v), &policy); err != nil {
			return cfg, api.NewValidation("InvalidAttributeValue", "malformed RedrivePolicy: %v", err)
		}
		// The arn's final segment is the queue name.
		parts := strings.Split(policy.DeadLetterTargetArn, ":")
		cfg.DeadLetter = parts[len(parts)-1]
		// maxReceiveCount arrives as either a JSON number or string.
		count := strings.Trim(string(policy.MaxReceiveCount), `"`)
		n, err := strconv.Atoi(count)
		if err != nil {
			return cfg, api.NewValidation("InvalidAttributeValue", "maxReceiveCount must be an integer, got %q", count)
		}
		cfg.MaxReceiveCount = n
	}
	return cfg, nil
}

type createQueueResult struct {
	QueueUrl string `xml:"QueueUrl"`
}

func (s *Surface) createQueue(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name := params.Get("QueueName")
	if name == "" {
		return nil, api.NewValidation("MissingParameter", "QueueName is required")
	}
	cfg, err := configFromAttributes(name, wireAttributes(params))
	if err != nil {
		return nil, err
	}
	if _, err := s.provider.CreateQueue(cfg); err != nil {
		// Creating an existing queue with identical settings succeeds.
		if !api.IsConflict(err) {
			return nil, err
		}
	}
	return createQueueResult{QueueUrl: s.queueURL(name)}, nil
}

func (s *Surface) deleteQueue(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	if err := s.provider.DeleteQueue(name); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type listQueuesResult struct {
	QueueUrl []string `xml:"QueueUrl"`
}

func (s *Surface) listQueues(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	names := s.provider.ListQueues(params.Get("QueueNamePrefix"))
	sort.Strings(names)
	urls := make([]string, 0, len(names))
	for _, name := range names {
		urls = append(urls, s.queueURL(name))
	}
	return listQueuesResult{QueueUrl: urls}, nil
}

type getQueueURLResult struct {
	QueueUrl string `xml:"QueueUrl"`
}

func (s *Surface) getQueueURL(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name := params.Get("QueueName")
	if _, err := s.provider.QueueConfig(name); err != nil {
		return nil, err
	}
	return getQueueURLResult{QueueUrl: s.queueURL(name)}, nil
}

type wireAttribute struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type getQueueAttributesResult struct {
	Attribute []wireAttribute `xml:"Attribute"`
}

func (s *Surface) getQueueAttributes(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	cfg, err := s.provider.QueueConfig(name)
	if err != nil {
		return nil, err
	}
	visible, inFlight, err := s.provider.ApproximateMessageCount(ctx, name)
	if err != nil {
		return nil, err
	}

	attrs := []wireAttribute{
		{Name: "QueueArn", Value: s.provider.QueueArn(name)},
		{Name: "VisibilityTimeout", Value: strconv.Itoa(int(cfg.VisibilityTimeout.Seconds()))},
		{Name: "ApproximateNumberOfMessages", Value: strconv.Itoa(visible)},
		{Name: "ApproximateNumberOfMessagesNotVisible", Value: strconv.Itoa(inFlight)},
	}
	if cfg.FIFO {
		attrs = append(attrs, wireAttribute{Name: "FifoQueue", Value: "true"})
	}
	if cfg.DeadLetter != "" {
		policy, _ := json.Marshal(map[string]interface{}{
			"deadLetterTargetArn": s.provider.QueueArn(cfg.DeadLetter),
			"maxReceiveCount":     cfg.MaxReceiveCount,
		})
		attrs = append(attrs, wireAttribute{Name: "RedrivePolicy", Value: string(policy)})
	}
	return getQueueAttributesResult{Attribute: attrs}, nil
}

func (s *Surface) purgeQueue(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	if err := s.provider.PurgeQueue(ctx, name); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type sendMessageResult struct {
	MessageId        string `xml:"MessageId"`
	MD5OfMessageBody string `xml:"MD5OfMessageBody"`
}

func (s *Surface) sendMessage(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	body := params.Get("MessageBody")
	if body == "" {
		return nil, api.NewValidation("MissingParameter", "MessageBody is required")
	}
	id, err := s.provider.SendMessage(ctx, name, body, messageAttributes(params, ""),
		params.Get("MessageGroupId"), params.Get("MessageDeduplicationId"))
	if err != nil {
		return nil, err
	}
	return sendMessageResult{MessageId: id, MD5OfMessageBody: bodyMD5(body)}, nil
}

type batchResultEntry struct {
	Id               string `xml:"Id"`
	MessageId        string `xml:"MessageId"`
	MD5OfMessageBody string `xml:"MD5OfMessageBody"`
}

type sendMessageBatchResult struct {
	SendMessageBatchResultEntry []batchResultEntry `xml:"SendMessageBatchResultEntry"`
}

func (s *Surface) sendMessageBatch(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	var entries []batchResultEntry
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("SendMessageBatchRequestEntry.%d.", i)
		entryID := params.Get(prefix + "Id")
		if entryID == "" {
			break
		}
		body := params.Get(prefix + "MessageBody")
		id, err := s.provider.SendMessage(ctx, name, body, messageAttributes(params, prefix),
			params.Get(prefix+"MessageGroupId"), params.Get(prefix+"MessageDeduplicationId"))
		if err != nil {
			return nil, err
		}
		entries = append(entries, batchResultEntry{Id: entryID, MessageId: id, MD5OfMessageBody: bodyMD5(body)})
	}
	if entries == nil {
		return nil, api.NewValidation("EmptyBatchRequest", "batch contains no entries")
	}
	return sendMessageBatchResult{SendMessageBatchResultEntry: entries}, nil
}

type wireMessage struct {
	MessageId     string          `xml:"MessageId"`
	ReceiptHandle string          `xml:"ReceiptHandle"`
	MD5OfBody     string          `xml:"MD5OfBody"`
	Body          string          `xml:"Body"`
	Attribute     []wireAttribute `xml:"Attribute"`
}

type receiveMessageResult struct {
	Message []wireMessage `xml:"Message"`
}

func (s *Surface) receiveMessage(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	max := 1
	if v := params.Get("MaxNumberOfMessages"); v != "" {
		max, err = strconv.Atoi(v)
		if err != nil || max < 1 || max > 10 {
			return nil, api.NewValidation("InvalidParameterValue", "MaxNumberOfMessages must be 1..10, got %q", v)
		}
	}
	msgs, err := s.provider.ReceiveMessages(ctx, name, max)
	if err != nil {
		return nil, err
	}

	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{
			MessageId:     m.ID,
			ReceiptHandle: m.ReceiptHandle,
			MD5OfBody:     bodyMD5(m.Body),
			Body:          m.Body,
		}
		for _, k := range sortedKeys(m.SystemAttributes) {
			wm.Attribute = append(wm.Attribute, wireAttribute{Name: k, Value: m.SystemAttributes[k]})
		}
		out = append(out, wm)
	}
	return receiveMessageResult{Message: out}, nil
}

func (s *Surface) deleteMessage(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	handle := params.Get("ReceiptHandle")
	if handle == "" {
		return nil, api.NewValidation("MissingParameter", "ReceiptHandle is required")
	}
	if err := s.provider.DeleteMessage(ctx, name, handle); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type deleteBatchResultEntry struct {
	Id string `xml:"Id"`
}

type deleteMessageBatchResult struct {
	DeleteMessageBatchResultEntry []deleteBatchResultEntry `xml:"DeleteMessageBatchResultEntry"`
}

func (s *Surface) deleteMessageBatch(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	var entries []deleteBatchResultEntry
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("DeleteMessageBatchRequestEntry.%d.", i)
		entryID := params.Get(prefix + "Id")
		if entryID == "" {
			break
		}
		if err := s.provider.DeleteMessage(ctx, name, params.Get(prefix+"ReceiptHandle")); err != nil {
			return nil, err
		}
		entries = append(entries, deleteBatchResultEntry{Id: entryID})
	}
	if entries == nil {
		return nil, api.NewValidation("EmptyBatchRequest", "batch contains no entries")
	}
	return deleteMessageBatchResult{DeleteMessageBatchResultEntry: entries}, nil
}

func (s *Surface) changeVisibility(ctx context.Context, rc dispatch.RequestContext, params url.Values) (interface{}, error) {
	name, err := queueName(params)
	if err != nil {
		return nil, err
	}
	secs, err := strconv.Atoi(params.Get("VisibilityTimeout"))
	if err != nil || secs < 0 {
		return nil, api.NewValidation("InvalidParameterValue", "VisibilityTimeout must be a non-negative integer")
	}
	if err := s.provider.ChangeMessageVisibility(ctx, name, params.Get("ReceiptHandle"),
		time.Duration(secs)*time.Second); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func bodyMD5(body string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(body)))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
