package order

import (
	"fmt"
	"slices"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 条件单的合法状态转换表。只读，可并发使用。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[StateTransition]bool)}
	legal := []StateTransition{
		// 从PENDING可以转到
		{StatusPending, StatusSuspended},
		{StatusPending, StatusRejected},
		{StatusPending, StatusCancelled}, // 确认前撤单
		{StatusPending, StatusFilled},    // 成交先于确认到达

		// 从SUSPENDED可以转到
		{StatusSuspended, StatusFilled},
		{StatusSuspended, StatusCancelled},

		// 终态不能转换（FILLED, CANCELLED, REJECTED）
	}
	for _, t := range legal {
		sm.transitions[t] = true
	}
	return sm
}

// ValidateTransition 验证状态转换是否合法，相同状态视为合法。错误中列出 from 的合法目标。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("illegal state transition: %s -> %s (allowed %v)", from, to, sm.AllowedTransitions(from))
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态，按名称排序
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for t := range sm.transitions {
		if t.From == current {
			allowed = append(allowed, t.To)
		}
	}
	slices.Sort(allowed)
	return allowed
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// CanCancel 只有尚未终结的条件单可以撤销
func (sm *StateMachine) CanCancel(status Status) bool {
	return status == StatusPending || status == StatusSuspended
}

// GetStateDescription 获取状态描述
func (sm *StateMachine) GetStateDescription(status Status) string {
	descriptions := map[Status]string{
		StatusPending:   "已提交待确认",
		StatusSuspended: "已挂单待触发",
		StatusFilled:    "已触发并成交",
		StatusCancelled: "已撤销",
		StatusRejected:  "被拒绝",
	}
	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}
