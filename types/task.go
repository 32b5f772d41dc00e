package types

import (
	"fmt"
	"strings"
)

const (
	MinOptions = 2
	MaxOptions = 5
)

type Phase uint8

const (
	PhaseOpen Phase = iota
	PhaseDeliberation
	PhaseCommit
	PhaseReveal
	PhaseResolved
)

var phaseNames = [...]string{"open", "deliberation", "commit", "reveal", "resolved"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

func (p Phase) Valid() bool {
	return p <= PhaseResolved
}

func (p Phase) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid phase %d", uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if strings.EqualFold(name, string(b)) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

type Reveal struct {
	Agent  string `json:"agent"`
	Option uint8  `json:"option"`
}

// Task mirrors one ledger task. StartTime is nil until the task reaches
// capacity. WinningOption and IsTie only carry meaning once Resolved is set.
type Task struct {
	Id                   uint64   `json:"id"`
	Creator              string   `json:"creator"`
	Description          string   `json:"description"`
	Options              []string `json:"options"`
	Bounty               string   `json:"bounty"`
	RequiredAgents       uint64   `json:"requiredAgents"`
	DeliberationDuration uint64   `json:"deliberationDuration"`
	StartTime            *int64   `json:"startTime"`
	Cancelled            bool     `json:"cancelled"`
	Resolved             bool     `json:"resolved"`
	WinningOption        uint8    `json:"winningOption"`
	IsTie                bool     `json:"isTie"`
	Phase                Phase    `json:"phase"`
	Agents               []string `json:"agents"`
	Committers           []string `json:"committers"`
	OptionVotes          []uint64 `json:"optionVotes"`
	RevealCount          uint64   `json:"revealCount"`
	Reveals              []Reveal `json:"reveals"`
}

func NewTask(id uint64, creator, description string, options []string, bounty string, requiredAgents, deliberationDuration uint64) *Task {
	opts := make([]string, len(options))
	copy(opts, options)
	if bounty == "" {
		bounty = "0"
	}
	return &Task{
		Id:                   id,
		Creator:              creator,
		Description:          description,
		Options:              opts,
		Bounty:               bounty,
		RequiredAgents:       requiredAgents,
		DeliberationDuration: deliberationDuration,
		Phase:                PhaseOpen,
		Agents:               []string{},
		Committers:           []string{},
		OptionVotes:          make([]uint64, len(opts)),
		Reveals:              []Reveal{},
	}
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	c.Options = append([]string(nil), t.Options...)
	c.Agents = append([]string{}, t.Agents...)
	c.Committers = append([]string{}, t.Committers...)
	c.OptionVotes = append([]uint64(nil), t.OptionVotes...)
	c.Reveals = append([]Reveal{}, t.Reveals...)
	return &c
}

func (t *Task) Started() bool {
	return t.StartTime != nil
}

// Final reports whether the ledger has closed the task.
func (t *Task) Final() bool {
	return t.Cancelled || t.Resolved
}

func (t *Task) HasAgent(addr string) bool {
	return containsFold(t.Agents, addr)
}

func (t *Task) HasCommitted(addr string) bool {
	return containsFold(t.Committers, addr)
}

func (t *Task) HasRevealed(addr string) bool {
	for _, r := range t.Reveals {
		if strings.EqualFold(r.Agent, addr) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// Outcome picks the winner the same way the ledger does: the lowest option
// index holding the highest count wins, and a tie is flagged when more than
// one option holds that count.
func Outcome(votes []uint64) (winner uint8, tie bool) {
	var best uint64
	for i, v := range votes {
		switch {
		case v > best:
			best = v
			winner = uint8(i)
			tie = false
		case v == best && best > 0:
			tie = true
		}
	}
	return
}

type TaskView struct {
	Id                   uint64   `json:"id"`
	Creator              string   `json:"creator"`
	Description          string   `json:"description"`
	Options              []string `json:"options"`
	Bounty               string   `json:"bounty"`
	RequiredAgents       uint64   `json:"requiredAgents"`
	DeliberationDuration uint64   `json:"deliberationDuration"`
	StartTime            *int64   `json:"startTime"`
	Cancelled            bool     `json:"cancelled"`
	Resolved             bool     `json:"resolved"`
	WinningOption        *uint8   `json:"winningOption"`
	IsTie                *bool    `json:"isTie"`
	Phase                Phase    `json:"phase"`
	Agents               []string `json:"agents"`
	AgentCount           int      `json:"agentCount"`
	CommitCount          int      `json:"commitCount"`
	OptionVotes          []uint64 `json:"optionVotes"`
	RevealCount          uint64   `json:"revealCount"`
	Reveals              []Reveal `json:"reveals"`
}

// View is the external projection of the task; outcome fields stay null
// until the task is resolved.
func (t *Task) View() TaskView {
	c := t.Clone()
	v := TaskView{
		Id:                   c.Id,
		Creator:              c.Creator,
		Description:          c.Description,
		Options:              c.Options,
		Bounty:               c.Bounty,
		RequiredAgents:       c.RequiredAgents,
		DeliberationDuration: c.DeliberationDuration,
		StartTime:            c.StartTime,
		Cancelled:            c.Cancelled,
		Resolved:             c.Resolved,
		Phase:                c.Phase,
		Agents:               c.Agents,
		AgentCount:           len(c.Agents),
		CommitCount:          len(c.Committers),
		OptionVotes:          c.OptionVotes,
		RevealCount:          c.RevealCount,
		Reveals:              c.Reveals,
	}
	if c.Resolved {
		winner, tie := c.WinningOption, c.IsTie
		v.WinningOption = &winner
		v.IsTie = &tie
	}
	return v
}
