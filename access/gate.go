package access

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"cosmossdk.io/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/calehh/council-relay/crypto"
	"github.com/calehh/council-relay/discussion"
)

const DefaultMaxContent = 2000

type Category string

const (
	CategoryInvalidRequest Category = "invalid_request"
	CategoryTaskNotFound   Category = "task_not_found"
	CategoryRateLimited    Category = "rate_limited"
	CategoryBadSignature   Category = "bad_signature"
	CategoryNotMember      Category = "not_member"
	CategoryMessageCap     Category = "message_cap_reached"
)

// Rejection is returned for every refused post. Message is safe to show to
// the client.
type Rejection struct {
	Category Category
	Message  string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Category, r.Message)
}

func reject(c Category, format string, args ...interface{}) *Rejection {
	return &Rejection{Category: c, Message: fmt.Sprintf(format, args...)}
}

type PostRequest struct {
	TaskId    int64  `json:"taskId"`
	Content   string `json:"content"`
	Signature string `json:"signature"`
	Sender    string `json:"sender"`
}

type TaskReader interface {
	Exists(id uint64) bool
	IsMember(id uint64, addr string) bool
}

type MessageStore interface {
	Append(msg discussion.Message) (bool, error)
}

// Gate admits deliberation posts.
type Gate struct {
	logger     log.Logger
	tasks      TaskReader
	messages   MessageStore
	limiter    *RateLimiter
	maxContent int

	Now func() time.Time
}

func NewGate(logger log.Logger, tasks TaskReader, messages MessageStore, limiter *RateLimiter, maxContent int) *Gate {
	if maxContent <= 0 {
		maxContent = DefaultMaxContent
	}
	return &Gate{
		logger:     logger.With("module", "access"),
		tasks:      tasks,
		messages:   messages,
		limiter:    limiter,
		maxContent: maxContent,
		Now:        time.Now,
	}
}

func (g *Gate) Limiter() *RateLimiter {
	return g.limiter
}

// Submit validates req and stores it. Checks run in order and stop at the
// first failure: shape, task existence, rate limit, signature, membership.
// Any refusal is a *Rejection.
func (g *Gate) Submit(req PostRequest) (discussion.Message, error) {
	sig, err := g.checkShape(req)
	if err != nil {
		return discussion.Message{}, err
	}
	taskId := uint64(req.TaskId)
	if !g.tasks.Exists(taskId) {
		return discussion.Message{}, reject(CategoryTaskNotFound, "task %d not found", taskId)
	}
	if !g.limiter.Allow(req.Sender) {
		return discussion.Message{}, reject(CategoryRateLimited, "too many messages, slow down")
	}
	ok, err := crypto.VerifySigner(crypto.DeliberationPayload(taskId, req.Content), sig, common.HexToAddress(req.Sender))
	if err != nil {
		return discussion.Message{}, reject(CategoryBadSignature, "signature recovery failed")
	}
	if !ok {
		return discussion.Message{}, reject(CategoryBadSignature, "signature does not match sender")
	}
	if !g.tasks.IsMember(taskId, req.Sender) {
		return discussion.Message{}, reject(CategoryNotMember, "sender is not an agent of task %d", taskId)
	}

	msg := discussion.Message{
		TaskId:    taskId,
		Sender:    strings.ToLower(req.Sender),
		Content:   req.Content,
		Timestamp: g.Now().UnixMilli(),
		Signature: req.Signature,
	}
	stored, err := g.messages.Append(msg)
	if !stored {
		return discussion.Message{}, reject(CategoryMessageCap, "task %d message limit reached", taskId)
	}
	if err != nil {
		g.logger.Error("message accepted but not persisted", "task", taskId, "err", err)
	}
	return msg, nil
}

func (g *Gate) checkShape(req PostRequest) ([]byte, error) {
	if req.TaskId < 0 {
		return nil, reject(CategoryInvalidRequest, "task id must be a non-negative integer")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, reject(CategoryInvalidRequest, "content is required")
	}
	if utf8.RuneCountInString(req.Content) > g.maxContent {
		return nil, reject(CategoryInvalidRequest, "content longer than %d characters", g.maxContent)
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return nil, reject(CategoryInvalidRequest, "signature must be 0x-prefixed %d-byte hex", crypto.SignatureLength)
	}
	if !strings.HasPrefix(req.Sender, "0x") || !common.IsHexAddress(req.Sender) {
		return nil, reject(CategoryInvalidRequest, "sender must be a 0x-prefixed address")
	}
	return sig, nil
}
