package domain

import "time"

// ReplayState is the running state of one item's history replay.
type ReplayState struct {
	CurrentColumn   string
	HasColumn       bool
	CurrentIsDone   bool
	MaxIndex        int
	Blocked         bool
	BlockedSince    time.Time
	BlockedDays     int
	Dates           ColumnDates
	LastTransitions []Transition
}

// TransitionKind classifies what one event did to the column dates.
type TransitionKind string

// TransitionKind values.
const (
	TransitionEnter     TransitionKind = "enter"
	TransitionRevisit   TransitionKind = "revisit"
	TransitionBackflow  TransitionKind = "backflow"
	TransitionUnknown   TransitionKind = "unknown_column"
	TransitionBlocked   TransitionKind = "blocked"
	TransitionUnblocked TransitionKind = "unblocked"
)

// Transition records one effect of a step, for diagnostics.
type Transition struct {
	Revision int
	Kind     TransitionKind
	Header   string
	Cleared  []string
	Days     int
}

// ReplayResult is the outcome of replaying one item.
type ReplayResult struct {
	Dates       ColumnDates
	BlockedDays int
	Blocked     bool
	Transitions []Transition
}

// Replayer replays field-change events against one board schema.
type Replayer struct {
	schema BoardSchema
	loc    *time.Location
}

// NewReplayer constructs a replayer; loc sets the calendar used for dates.
func NewReplayer(schema BoardSchema, loc *time.Location) Replayer {
	if loc == nil {
		loc = time.UTC
	}
	return Replayer{schema: schema, loc: loc}
}

// Schema returns the schema the replayer resolves headers against.
func (r Replayer) Schema() BoardSchema {
	return r.schema
}

// Start returns the initial state.
func (r Replayer) Start() ReplayState {
	return ReplayState{
		MaxIndex: -1,
		Dates:    NewColumnDates(r.schema),
	}
}

// Step applies one event and returns the next state. The input state is not modified.
func (r Replayer) Step(state ReplayState, ev FieldChangeEvent) ReplayState {
	next := state
	next.Dates = state.Dates.Clone()
	next.LastTransitions = nil

	var day time.Time
	if ev.ChangedAt != nil {
		day = CalendarDate(*ev.ChangedAt, r.loc)
	}

	// An interval opened by an undated event starts at the next dated event.
	if next.Blocked && next.BlockedSince.IsZero() && !day.IsZero() {
		next.BlockedSince = day
	}
	if ev.Blocked != nil {
		switch {
		case *ev.Blocked == BlockedYes && !next.Blocked:
			next.Blocked = true
			next.BlockedSince = day
			next.LastTransitions = append(next.LastTransitions, Transition{Revision: ev.Revision, Kind: TransitionBlocked})
		case *ev.Blocked == BlockedNo && next.Blocked:
			days := 0
			if !next.BlockedSince.IsZero() && !day.IsZero() {
				if d := DaysBetween(next.BlockedSince, day); d > 0 {
					days = d
				}
			}
			next.BlockedDays += days
			next.Blocked = false
			next.BlockedSince = time.Time{}
			next.LastTransitions = append(next.LastTransitions, Transition{Revision: ev.Revision, Kind: TransitionUnblocked, Days: days})
		}
	}

	if !ev.TouchesColumn() {
		return next
	}
	if ev.BoardColumn != nil && (!next.HasColumn || *ev.BoardColumn != next.CurrentColumn) {
		next.CurrentColumn = *ev.BoardColumn
		next.HasColumn = true
		next.CurrentIsDone = false
	}
	if ev.BoardColumnDone != nil {
		next.CurrentIsDone = *ev.BoardColumnDone
	}
	if !next.HasColumn {
		return next
	}

	header := r.schema.TargetHeader(next.CurrentColumn, next.CurrentIsDone)
	idx, ok := r.schema.Index(header)
	if !ok {
		// Boards change over an item's lifetime; an unknown header only updates the running state.
		next.LastTransitions = append(next.LastTransitions, Transition{Revision: ev.Revision, Kind: TransitionUnknown, Header: header})
		return next
	}

	if idx < next.MaxIndex {
		cleared := make([]string, 0, next.MaxIndex-idx)
		for i := idx + 1; i <= next.MaxIndex; i++ {
			if next.Dates.IsSet(i) {
				cleared = append(cleared, r.schema.headers[i])
			}
			next.Dates[i] = time.Time{}
		}
		if !day.IsZero() {
			next.Dates[idx] = day
		}
		next.MaxIndex = idx
		next.LastTransitions = append(next.LastTransitions, Transition{Revision: ev.Revision, Kind: TransitionBackflow, Header: header, Cleared: cleared})
		return next
	}

	kind := TransitionRevisit
	if !next.Dates.IsSet(idx) && !day.IsZero() {
		next.Dates[idx] = day
		kind = TransitionEnter
	}
	if idx > next.MaxIndex {
		next.MaxIndex = idx
	}
	next.LastTransitions = append(next.LastTransitions, Transition{Revision: ev.Revision, Kind: kind, Header: header})
	return next
}

// Finish closes an open blocked interval against now and returns the result.
func (r Replayer) Finish(state ReplayState, now time.Time) ReplayResult {
	days := state.BlockedDays
	if state.Blocked && !state.BlockedSince.IsZero() {
		if d := DaysBetween(state.BlockedSince, CalendarDate(now, r.loc)); d > 0 {
			days += d
		}
	}
	return ReplayResult{
		Dates:       state.Dates.Clone(),
		BlockedDays: days,
		Blocked:     state.Blocked,
	}
}

// Replay runs every event in order and finishes against now.
func (r Replayer) Replay(events []FieldChangeEvent, now time.Time) ReplayResult {
	state := r.Start()
	var transitions []Transition
	for _, ev := range events {
		state = r.Step(state, ev)
		transitions = append(transitions, state.LastTransitions...)
	}
	result := r.Finish(state, now)
	result.Transitions = transitions
	return result
}
