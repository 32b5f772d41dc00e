package types

import "fmt"

const (
	EventTaskCreatedType     = "TaskCreated"
	EventTaskStartedType     = "TaskStarted"
	EventTaskCancelledType   = "TaskCancelled"
	EventAgentJoinedType     = "AgentJoined"
	EventPhaseAdvancedType   = "PhaseAdvanced"
	EventCommitSubmittedType = "CommitSubmitted"
	EventRevealSubmittedType = "RevealSubmitted"
	EventTaskResolvedType    = "TaskResolved"
)

// Position locates a log entry on the ledger.
type Position struct {
	Block    uint64 `json:"block"`
	TxHash   string `json:"txHash"`
	TxIndex  uint   `json:"txIndex"`
	LogIndex uint   `json:"logIndex"`
}

func (p Position) Pos() Position { return p }

// Key identifies the log entry independent of the block range it was fetched in.
func (p Position) Key() string {
	return fmt.Sprintf("%s:%d", p.TxHash, p.LogIndex)
}

// Event is the closed set of ledger events the relay understands. New ledger
// events are added as a new concrete type here and a new case in every
// switch over Event.
type Event interface {
	Kind() string
	Task() uint64
	Pos() Position
	isEvent()
}

type EventTaskCreated struct {
	Position
	TaskId               uint64
	Creator              string
	Description          string
	Options              []string
	Bounty               string
	RequiredAgents       uint64
	DeliberationDuration uint64
}

type EventTaskStarted struct {
	Position
	TaskId    uint64
	StartTime int64
}

type EventTaskCancelled struct {
	Position
	TaskId uint64
}

// EventAgentJoined carries the block time of the join when the indexer
// resolved it, zero otherwise.
type EventAgentJoined struct {
	Position
	TaskId   uint64
	Agent    string
	JoinedAt int64
}

type EventPhaseAdvanced struct {
	Position
	TaskId uint64
	Phase  Phase
}

type EventCommitSubmitted struct {
	Position
	TaskId uint64
	Agent  string
}

type EventRevealSubmitted struct {
	Position
	TaskId uint64
	Agent  string
	Option uint8
}

type EventTaskResolved struct {
	Position
	TaskId        uint64
	WinningOption uint8
	IsTie         bool
}

func (EventTaskCreated) Kind() string     { return EventTaskCreatedType }
func (EventTaskStarted) Kind() string     { return EventTaskStartedType }
func (EventTaskCancelled) Kind() string   { return EventTaskCancelledType }
func (EventAgentJoined) Kind() string     { return EventAgentJoinedType }
func (EventPhaseAdvanced) Kind() string   { return EventPhaseAdvancedType }
func (EventCommitSubmitted) Kind() string { return EventCommitSubmittedType }
func (EventRevealSubmitted) Kind() string { return EventRevealSubmittedType }
func (EventTaskResolved) Kind() string    { return EventTaskResolvedType }

func (e EventTaskCreated) Task() uint64     { return e.TaskId }
func (e EventTaskStarted) Task() uint64     { return e.TaskId }
func (e EventTaskCancelled) Task() uint64   { return e.TaskId }
func (e EventAgentJoined) Task() uint64     { return e.TaskId }
func (e EventPhaseAdvanced) Task() uint64   { return e.TaskId }
func (e EventCommitSubmitted) Task() uint64 { return e.TaskId }
func (e EventRevealSubmitted) Task() uint64 { return e.TaskId }
func (e EventTaskResolved) Task() uint64    { return e.TaskId }

func (EventTaskCreated) isEvent()     {}
func (EventTaskStarted) isEvent()     {}
func (EventTaskCancelled) isEvent()   {}
func (EventAgentJoined) isEvent()     {}
func (EventPhaseAdvanced) isEvent()   {}
func (EventCommitSubmitted) isEvent() {}
func (EventRevealSubmitted) isEvent() {}
func (EventTaskResolved) isEvent()    {}
