package matchmaking

import "fmt"

// Phase 對局群組的生命週期
//
// 有限狀態機：
//
//	queued → formed → confirming → started → ended
//	                       ↓
//	                   disbanded
//
// queued 只代表客戶端還在佇列群組裡，對局群組從 formed 開始。
type Phase string

const (
	PhaseQueued     Phase = "queued"
	PhaseFormed     Phase = "formed"
	PhaseConfirming Phase = "confirming"
	PhaseStarted    Phase = "started"
	PhaseDisbanded  Phase = "disbanded"
	PhaseEnded      Phase = "ended"
)

var transitions = map[Phase][]Phase{
	PhaseQueued:     {PhaseFormed},
	PhaseFormed:     {PhaseConfirming},
	PhaseConfirming: {PhaseStarted, PhaseDisbanded},
	PhaseStarted:    {PhaseEnded},
}

// CanTransition 檢查狀態轉換是否合法
func (p Phase) CanTransition(to Phase) bool {
	for _, next := range transitions[p] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal 是否為終止狀態
func (p Phase) Terminal() bool {
	return p == PhaseDisbanded || p == PhaseEnded
}

func (p Phase) transition(to Phase) (Phase, error) {
	if !p.CanTransition(to) {
		return p, fmt.Errorf("非法的狀態轉換: %s → %s", p, to)
	}
	return to, nil
}
