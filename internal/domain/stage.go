package domain

import (
	"fmt"
	"strings"
)

// Stage is a production kanban column.
type Stage string

const (
	StageIntake           Stage = "INTAKE"
	StageScheduling       Stage = "SCHEDULING"
	StageScheduled        Stage = "SCHEDULED"
	StageInspected        Stage = "INSPECTED"
	StageFinalization     Stage = "FINALIZATION"
	StageReadyForDelivery Stage = "READY_FOR_DELIVERY"
	StageDelivered        Stage = "DELIVERED"
	StageCorrection       Stage = "CORRECTION"
	StageRevision         Stage = "REVISION"
	StageWorkfile         Stage = "WORKFILE"
	StageOnHold           Stage = "ON_HOLD"
	StageCancelled        Stage = "CANCELLED"
)

// forwardSequence is the canonical production order. WORKFILE closes it.
var forwardSequence = []Stage{
	StageIntake,
	StageScheduling,
	StageScheduled,
	StageInspected,
	StageFinalization,
	StageReadyForDelivery,
	StageDelivered,
	StageWorkfile,
}

// AllStages lists every stage value in board order.
func AllStages() []Stage {
	return []Stage{
		StageIntake, StageScheduling, StageScheduled, StageInspected, StageCorrection,
		StageFinalization, StageReadyForDelivery, StageDelivered, StageRevision,
		StageWorkfile, StageOnHold, StageCancelled,
	}
}

// ParseStage normalizes and validates a stage name.
func ParseStage(s string) (Stage, error) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("invalid stage %q", s)
	}
	return st, nil
}

func (s Stage) Valid() bool {
	for _, v := range AllStages() {
		if v == s {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }

// IsSideState reports whether the stage is one of the correction forks.
func (s Stage) IsSideState() bool {
	return s == StageCorrection || s == StageRevision
}

// IsProduction reports whether the stage is part of the forward pipeline before archival.
func (s Stage) IsProduction() bool {
	for _, v := range forwardSequence {
		if v == s && v != StageWorkfile {
			return true
		}
	}
	return false
}

func (s Stage) IsTerminal() bool {
	return s == StageWorkfile
}

// Next returns the following forward stage, or false when there is none.
func (s Stage) Next() (Stage, bool) {
	if s == StageCancelled {
		return StageWorkfile, true
	}
	for i, v := range forwardSequence {
		if v == s && i+1 < len(forwardSequence) {
			return forwardSequence[i+1], true
		}
	}
	return "", false
}

// Index returns the position in the forward sequence, -1 for stages outside it.
func (s Stage) Index() int {
	for i, v := range forwardSequence {
		if v == s {
			return i
		}
	}
	return -1
}

func StageStrings(stages []Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, string(s))
	}
	return out
}
