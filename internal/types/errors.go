package types

import (
	"errors"
	"fmt"
)

// 产能与工序调度的错误分类
// 产能不足和依赖未满足是日常运营状态，调用方应通过 errors.Is 判断并重试
var (
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")
	ErrCyclicDependency       = errors.New("cyclic dependency")
	ErrInvalidCapacity        = errors.New("invalid capacity")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrNoMatchingSkill        = errors.New("no matching skill")
	ErrEquipmentUnavailable   = errors.New("equipment unavailable")
	ErrRecordLocked           = errors.New("capacity record locked")
	ErrInvalidTemplate        = errors.New("invalid workflow template")
	ErrNotFound               = errors.New("not found")
)

// Recoverable 判断错误是否属于可重试的运营状态
func Recoverable(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrDependencyNotSatisfied) ||
		errors.Is(err, ErrNoMatchingSkill) ||
		errors.Is(err, ErrEquipmentUnavailable)
}

// TransitionError 描述一次被拒绝的状态转移
type TransitionError struct {
	StageID string
	From    StageStatus
	To      StageStatus
	Reason  string
	Err     error // ErrInvalidTransition 或 ErrDependencyNotSatisfied 等
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("stage %s: %s -> %s: %v", e.StageID, e.From, e.To, e.Err)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }
