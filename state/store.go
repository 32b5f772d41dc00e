package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"cosmossdk.io/log"

	"github.com/calehh/council-relay/types"
)

type Transition struct {
	Id   uint64
	From types.Phase
	To   types.Phase
}

// Store is the in-memory snapshot of every task seen on the ledger. A single
// writer applies events; readers always receive clones, so a task is only
// ever observed before or after a whole event application.
type Store struct {
	mtx sync.RWMutex

	logger log.Logger
	clock  PhaseClock
	Now    func() time.Time

	tasks map[uint64]*types.Task
}

func NewStore(logger log.Logger, clock PhaseClock) *Store {
	return &Store{
		logger: logger.With("module", "store"),
		clock:  clock,
		Now:    time.Now,
		tasks:  make(map[uint64]*types.Task),
	}
}

func (s *Store) Clock() PhaseClock {
	return s.clock
}

// update runs fn against a private copy of task id and publishes the copy
// only when fn reports a change.
func (s *Store) update(id uint64, fn func(t *types.Task) bool) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		s.logger.Debug("event for unknown task", "task", id)
		return false
	}
	next := cur.Clone()
	if !fn(next) {
		return false
	}
	s.tasks[id] = next
	return true
}

func (s *Store) ApplyCreated(id uint64, creator, description string, options []string, bounty string, requiredAgents, deliberationDuration uint64) bool {
	if len(options) < types.MinOptions || len(options) > types.MaxOptions {
		s.logger.Error("task created with invalid option count", "task", id, "options", len(options))
		return false
	}
	task := types.NewTask(id, creator, description, options, bounty, requiredAgents, deliberationDuration)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := s.tasks[id]; ok {
		s.logger.Info("task created twice, overwriting", "task", id)
	}
	s.tasks[id] = task
	return true
}

// ApplyAgentJoined appends agent to the task. When the join fills the task
// and joinedAt is known, the start marker is set from it.
func (s *Store) ApplyAgentJoined(id uint64, agent string, joinedAt int64) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() || t.HasAgent(agent) || uint64(len(t.Agents)) >= t.RequiredAgents {
			return false
		}
		t.Agents = append(t.Agents, agent)
		if uint64(len(t.Agents)) == t.RequiredAgents && joinedAt > 0 {
			start(t, joinedAt)
		}
		return true
	})
}

func (s *Store) ApplyStarted(id uint64, startTime int64) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() || t.Started() {
			return false
		}
		start(t, startTime)
		return true
	})
}

func start(t *types.Task, at int64) {
	t.StartTime = &at
	if t.Phase < types.PhaseDeliberation {
		t.Phase = types.PhaseDeliberation
	}
}

func (s *Store) ApplyCancelled(id uint64) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() {
			return false
		}
		t.Cancelled = true
		t.Phase = types.PhaseResolved
		return true
	})
}

// ApplyPhaseAdvanced sets the stored phase. Phases only move forward, an
// event naming an earlier phase than the stored one is dropped.
func (s *Store) ApplyPhaseAdvanced(id uint64, phase types.Phase) bool {
	if !phase.Valid() {
		s.logger.Error("phase advanced to invalid phase", "task", id, "phase", uint8(phase))
		return false
	}
	return s.update(id, func(t *types.Task) bool {
		if t.Final() || phase <= t.Phase {
			return false
		}
		t.Phase = phase
		return true
	})
}

func (s *Store) ApplyCommitted(id uint64, agent string) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() || t.HasCommitted(agent) {
			return false
		}
		t.Committers = append(t.Committers, agent)
		return true
	})
}

func (s *Store) ApplyRevealed(id uint64, agent string, option uint8) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() || t.HasRevealed(agent) {
			return false
		}
		if int(option) >= len(t.OptionVotes) {
			s.logger.Error("reveal for out of range option", "task", id, "agent", agent, "option", option, "options", len(t.OptionVotes))
			return false
		}
		t.OptionVotes[option]++
		t.RevealCount++
		t.Reveals = append(t.Reveals, types.Reveal{Agent: agent, Option: option})
		return true
	})
}

func (s *Store) ApplyResolved(id uint64, winningOption uint8, isTie bool) bool {
	return s.update(id, func(t *types.Task) bool {
		if t.Final() {
			return false
		}
		if t.RevealCount > 0 {
			winner, tie := types.Outcome(t.OptionVotes)
			if tie != isTie || (!tie && winner != winningOption) {
				s.logger.Error("ledger outcome differs from cached tally", "task", id,
					"ledgerWinner", winningOption, "ledgerTie", isTie, "cachedWinner", winner, "cachedTie", tie)
			}
		}
		t.Resolved = true
		t.WinningOption = winningOption
		t.IsTie = isTie
		t.Phase = types.PhaseResolved
		return true
	})
}

// Apply dispatches a decoded ledger event to the matching operation.
func (s *Store) Apply(ev types.Event) bool {
	switch e := ev.(type) {
	case types.EventTaskCreated:
		return s.ApplyCreated(e.TaskId, e.Creator, e.Description, e.Options, e.Bounty, e.RequiredAgents, e.DeliberationDuration)
	case types.EventAgentJoined:
		return s.ApplyAgentJoined(e.TaskId, e.Agent, e.JoinedAt)
	case types.EventTaskStarted:
		return s.ApplyStarted(e.TaskId, e.StartTime)
	case types.EventTaskCancelled:
		return s.ApplyCancelled(e.TaskId)
	case types.EventPhaseAdvanced:
		return s.ApplyPhaseAdvanced(e.TaskId, e.Phase)
	case types.EventCommitSubmitted:
		return s.ApplyCommitted(e.TaskId, e.Agent)
	case types.EventRevealSubmitted:
		return s.ApplyRevealed(e.TaskId, e.Agent, e.Option)
	case types.EventTaskResolved:
		return s.ApplyResolved(e.TaskId, e.WinningOption, e.IsTie)
	default:
		s.logger.Error("unhandled event", "kind", ev.Kind(), "task", ev.Task())
		return false
	}
}

// Hydrate installs a task read directly from ledger state. Reveal records
// cannot be recovered this way and start empty.
func (s *Store) Hydrate(t *types.Task) bool {
	if len(t.Options) < types.MinOptions || len(t.Options) > types.MaxOptions {
		s.logger.Error("hydrated task with invalid option count", "task", t.Id, "options", len(t.Options))
		return false
	}
	task := t.Clone()
	if len(task.OptionVotes) != len(task.Options) {
		votes := make([]uint64, len(task.Options))
		copy(votes, task.OptionVotes)
		task.OptionVotes = votes
	}
	var sum uint64
	for _, v := range task.OptionVotes {
		sum += v
	}
	if sum != task.RevealCount {
		s.logger.Error("hydrated reveal count differs from tally", "task", t.Id, "revealCount", task.RevealCount, "tally", sum)
		task.RevealCount = sum
	}
	if uint64(len(task.Agents)) > task.RequiredAgents {
		task.Agents = task.Agents[:task.RequiredAgents]
	}
	task.Reveals = []types.Reveal{}
	switch {
	case task.Final():
		task.Phase = types.PhaseResolved
	case task.Started() && task.Phase < types.PhaseDeliberation:
		task.Phase = types.PhaseDeliberation
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tasks[task.Id] = task
	return true
}

func (s *Store) view(t *types.Task, now time.Time) *types.Task {
	c := t.Clone()
	c.Phase = s.clock.Phase(t, now)
	return c
}

func (s *Store) Get(id uint64) (*types.Task, bool) {
	now := s.Now()
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return s.view(t, now), true
}

// List returns every task, newest id first.
func (s *Store) List() []*types.Task {
	now := s.Now()
	s.mtx.RLock()
	list := make([]*types.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, s.view(t, now))
	}
	s.mtx.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Id > list[j].Id })
	return list
}

func (s *Store) Exists(id uint64) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Store) IsMember(id uint64, addr string) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	for _, a := range t.Agents {
		if strings.EqualFold(a, addr) {
			return true
		}
	}
	return false
}

func (s *Store) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return len(s.tasks)
}

// Sweep stores the effective phase of every task and reports the tasks whose
// phase moved.
func (s *Store) Sweep(now time.Time) []Transition {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var moved []Transition
	for id, t := range s.tasks {
		p := s.clock.Phase(t, now)
		if p == t.Phase {
			continue
		}
		next := t.Clone()
		next.Phase = p
		s.tasks[id] = next
		moved = append(moved, Transition{Id: id, From: t.Phase, To: p})
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i].Id < moved[j].Id })
	return moved
}
