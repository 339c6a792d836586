package task

import (
	"time"

	"github.com/google/uuid"

	xerrors "OpenCLMM-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusSubmitted     Status = "submitted"
	StatusWorking       Status = "working"
	StatusInputRequired Status = "input-required"
	StatusAuthRequired  Status = "auth-required"
	StatusCompleted     Status = "completed"
	StatusCanceled      Status = "canceled"
	StatusFailed        Status = "failed"
	StatusRejected      Status = "rejected"
	StatusUnknown       Status = "unknown"
)

// Task 描述了一个逻辑工作单元（一次入驻流程或一轮轮询周期）的当前状态。
type Task struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// StatusEvent 是写入活动日志的状态变更记录。
type StatusEvent struct {
	TaskID    string `json:"task_id"`
	Status    Status `json:"status"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

const (
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskHalted     xerrors.Code = "TASK_HALTED"
)

func init() {
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskHalted, xerrors.Attributes{
		Message:   "task halted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Advance 将任务推进到目标状态，必要时分配任务 ID，并返回状态事件供活动日志追加。
// 这里有意不校验状态对之间的迁移是否合法：合法性由工作流步骤负责，
// 该助手只保证 ID 分配与时间戳的一致性。
func Advance(current *Task, next Status, message string) (Task, StatusEvent) {
	now := time.Now().Unix()

	updated := Task{Status: next, Message: message, UpdatedAt: now}
	if current != nil && current.ID != "" {
		updated.ID = current.ID
	} else {
		updated.ID = uuid.NewString()
	}

	event := StatusEvent{
		TaskID:    updated.ID,
		Status:    next,
		Message:   message,
		Timestamp: now,
	}
	return updated, event
}

// IsTerminal 判断状态是否为终态。终态任务不再被工作流推进，只能被新任务取代。
func IsTerminal(status Status) bool {
	switch status {
	case StatusCompleted, StatusCanceled, StatusFailed, StatusRejected, StatusUnknown:
		return true
	default:
		return false
	}
}

// IsActive 判断状态是否为活跃态。每个线程同一时刻最多存在一个活跃任务。
func IsActive(status Status) bool {
	switch status {
	case StatusSubmitted, StatusWorking, StatusInputRequired, StatusAuthRequired:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	return IsTerminal(status) || IsActive(status)
}
