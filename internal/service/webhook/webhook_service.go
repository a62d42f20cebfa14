// Package service 接收远程服务的工作项通知
// 校验签名与负载后，对需要同步的事件入队 RECONCILE 任务，由后台任务执行
package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/weiwangfds/attachsync/internal/database"
	apperrors "github.com/weiwangfds/attachsync/internal/errors"
	"github.com/weiwangfds/attachsync/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed envelope.schema.json
var envelopeSchema []byte

const envelopeSchemaURL = "attachsync://webhook/envelope.schema.json"

var (
	// ErrInvalidSignature 签名缺失或不匹配
	ErrInvalidSignature = errors.New("webhook: invalid signature")
	// ErrInvalidPayload 负载不是合法JSON或不符合约定结构
	ErrInvalidPayload = errors.New("webhook: invalid payload")
)

// 触发同步的事件类型，与 envelope.schema.json 中 if 分支的枚举一致
var reconcileEvents = map[string]bool{
	"workitem.created":  true,
	"workitem.updated":  true,
	"workitem.restored": true,
}

// Outcome 处理结果
type Outcome struct {
	Accepted   bool   `json:"accepted"`
	EventType  string `json:"event_type"`
	WorkItemID int    `json:"work_item_id,omitempty"`
	JobID      string `json:"job_id,omitempty"`
	// Coalesced 已有排队中的同步任务，没有新建
	Coalesced bool `json:"coalesced,omitempty"`
}

// envelope 只解析分类需要的字段，其余事件类型的 resource 结构不做约束
type envelope struct {
	ID        jsoniter.RawMessage `json:"id"`
	EventType string              `json:"eventType"`
	Resource  jsoniter.RawMessage `json:"resource"`
}

// workItemResource 工作项事件的 resource
type workItemResource struct {
	ID         int `json:"id"`
	WorkItemID int `json:"workItemId"`
}

// eventID 通知ID，非字符串时保留原始JSON
func (e *envelope) eventID() string {
	var id string
	if err := json.Unmarshal(e.ID, &id); err == nil {
		return id
	}
	return string(e.ID)
}

// WebhookService 通知接收接口
type WebhookService interface {
	// Ingest 处理一次通知
	// 参数:
	//   - payload: 原始请求体，签名基于它计算
	//   - signature: 十六进制 HMAC-SHA256，可带 "sha256=" 前缀
	// 返回值:
	//   - *Outcome: 处理结果
	//   - error: 签名错误包含 ErrInvalidSignature，负载错误包含 ErrInvalidPayload
	Ingest(ctx context.Context, payload []byte, signature string) (*Outcome, error)
}

type webhookService struct {
	store  database.MetadataStore
	secret []byte
	schema *jsonschema.Schema
	notify func()
}

// NewWebhookService 创建通知接收服务
// 参数:
//   - store: 元数据存储
//   - secret: 签名密钥，为空时拒绝所有通知
//   - notify: 新任务入队后调用，用于唤醒后台任务，可为nil
func NewWebhookService(store database.MetadataStore, secret string, notify func()) (WebhookService, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("parse webhook schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(envelopeSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add webhook schema: %w", err)
	}
	schema, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile webhook schema: %w", err)
	}

	if secret == "" {
		logger.Warnf("[Webhook] 未配置 webhook.secret, 所有通知都会被拒绝")
	}
	if notify == nil {
		notify = func() {}
	}
	return &webhookService{store: store, secret: []byte(secret), schema: schema, notify: notify}, nil
}

// Sign 计算负载签名，格式为 "sha256=<hex>"
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *webhookService) verify(payload []byte, signature string) bool {
	if len(s.secret) == 0 {
		return false
	}
	signature = strings.TrimSpace(signature)
	if len(signature) > 7 && strings.EqualFold(signature[:7], "sha256=") {
		signature = signature[7:]
	}
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func (s *webhookService) Ingest(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	if !s.verify(payload, signature) {
		logger.Warnf("[Webhook] 签名校验失败, 负载长度: %d", len(payload))
		database.RecordEvent(ctx, s.store, &database.SyncEvent{
			EventType: database.EventWebhookRejected,
			Message:   "signature missing or mismatched",
			Severity:  database.SeverityError,
			Source:    database.SourceWebhook,
		})
		return nil, apperrors.Wrap(apperrors.ErrWebhookSignature, "", ErrInvalidSignature)
	}

	env, err := s.parse(payload)
	if err != nil {
		logger.Warnf("[Webhook] 负载无效: %v", err)
		return nil, apperrors.Wrap(apperrors.ErrWebhookPayloadInvalid, "", err)
	}

	outcome := &Outcome{Accepted: true, EventType: env.EventType}
	if !reconcileEvents[env.EventType] {
		logger.Debugf("[Webhook] 忽略事件类型: %s", env.EventType)
		return outcome, nil
	}

	var resource workItemResource
	if err := json.Unmarshal(env.Resource, &resource); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrWebhookPayloadInvalid, "", fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	workItemID := resource.WorkItemID
	if workItemID == 0 {
		workItemID = resource.ID
	}
	if workItemID <= 0 {
		return nil, apperrors.Wrap(apperrors.ErrWebhookPayloadInvalid, "",
			fmt.Errorf("%w: %s without work item id", ErrInvalidPayload, env.EventType))
	}
	outcome.WorkItemID = workItemID

	jobPayload, _ := json.Marshal(map[string]string{"event_id": env.eventID(), "event_type": env.EventType})
	job, coalesced, err := s.store.EnqueueJob(ctx, &database.SyncJob{
		WorkItemID: workItemID,
		JobType:    database.JobReconcile,
		Priority:   100,
		Payload:    string(jobPayload),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabaseInsert, "", err)
	}
	outcome.JobID = job.ID
	outcome.Coalesced = coalesced

	database.RecordEvent(ctx, s.store, &database.SyncEvent{
		EventType:  database.EventWebhookReceived,
		WorkItemID: workItemID,
		Message:    fmt.Sprintf("%s queued job %s (coalesced=%v)", env.EventType, job.ID, coalesced),
		Source:     database.SourceWebhook,
	})
	logger.Infof("[Webhook] 事件 %s 工作项 %d, 任务: %s, 合并: %v", env.EventType, workItemID, job.ID, coalesced)

	if !coalesced {
		s.notify()
	}
	return outcome, nil
}

func (s *webhookService) parse(payload []byte) (*envelope, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := s.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &env, nil
}
