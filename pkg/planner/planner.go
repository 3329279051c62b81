// SPDX-License-Identifier: Apache-2.0

// Package planner computes which migrations must run to reach a target,
// validating checksums, statuses, tag restrictions, and dependencies
// before anything is executed.
package planner

import (
	"fmt"

	"github.com/pgmigrate/pgmigrate/pkg/errkind"
	"github.com/pgmigrate/pgmigrate/pkg/migrations"
)

// Plan describes the ordered set of migrations an operation will run.
type Plan struct {
	Pending        []migrations.Definition
	AlreadyApplied []migrations.Definition
	TargetReached  string // empty if no target was given
}

// PlanUp computes the ordered set of migrations to apply to reach target
// (or the end of the list, if target is empty). defs must already be in
// ascending ID order. allowTags, if non-empty, restricts every pending
// migration's tags to that set.
func PlanUp(defs []migrations.Definition, states map[string]migrations.State, target string, allowTags []string) (Plan, error) {
	var pending, already []migrations.Definition

	for _, def := range defs {
		if target != "" && def.ID > target {
			break
		}

		if st, ok := states[def.ID]; ok {
			if st.Checksum != def.Checksum {
				return Plan{}, errkind.New(errkind.ChecksumMismatch, "migration %q checksum mismatch; run repair before applying", def.ID)
			}
			switch st.Status {
			case migrations.StatusRunning:
				return Plan{}, errkind.New(errkind.InProgress, "migration %q is marked running", def.ID)
			case migrations.StatusFailed:
				return Plan{}, errkind.New(errkind.PreviousFailure, "migration %q previously failed; investigate before retrying", def.ID)
			case migrations.StatusApplied:
				already = append(already, def)
				continue
			}
		}

		if err := validateTags(def, allowTags); err != nil {
			return Plan{}, err
		}
		pending = append(pending, def)
	}

	if target != "" && (len(pending) == 0 || pending[len(pending)-1].ID != target) {
		return Plan{}, errkind.New(errkind.TargetUnreachable, "target migration %q is not reachable", target)
	}

	if err := validateDependencies(states, pending); err != nil {
		return Plan{}, err
	}

	return Plan{Pending: pending, AlreadyApplied: already, TargetReached: target}, nil
}

// PlanDown computes the ordered set of applied migrations to revert, in
// reverse order, down to and including target. readDown returns the body
// of a migration's down.sql, used to detect an effectively-empty file;
// the planner has no filesystem access of its own.
func PlanDown(defs []migrations.Definition, states map[string]migrations.State, target string, allowTags []string, readDown func(migrations.Definition) (string, error)) (Plan, error) {
	var pending []migrations.Definition
	reachedTarget := false

	for i := len(defs) - 1; i >= 0; i-- {
		def := defs[i]
		st, ok := states[def.ID]
		if !ok || st.Status != migrations.StatusApplied {
			continue
		}
		pending = append(pending, def)
		if def.ID == target {
			reachedTarget = true
			break
		}
	}

	if !reachedTarget {
		return Plan{}, errkind.New(errkind.TargetNotApplied, "target migration %q has not been applied; cannot roll back", target)
	}

	for _, def := range pending {
		if !def.Meta.Reversible {
			return Plan{}, errkind.New(errkind.Irreversible, "migration %q is marked irreversible; cannot roll back", def.ID)
		}
		downSQL, err := readDown(def)
		if err != nil {
			return Plan{}, errkind.Wrap(errkind.FormatError, err, "reading down.sql for migration %q", def.ID)
		}
		if migrations.IsBlank(downSQL) {
			return Plan{}, errkind.New(errkind.Irreversible, "migration %q has an empty down.sql; cannot roll back", def.ID)
		}
		if err := validateTags(def, allowTags); err != nil {
			return Plan{}, err
		}
	}

	return Plan{Pending: pending, TargetReached: target}, nil
}

func validateTags(def migrations.Definition, allowTags []string) error {
	if len(allowTags) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allowTags))
	for _, t := range allowTags {
		allowed[t] = true
	}
	for _, t := range def.Meta.Tags {
		if !allowed[t] {
			return errkind.New(errkind.TagNotAllowed, "migration %q has tag %q not allowed in this environment", def.ID, t)
		}
	}
	return nil
}

func validateDependencies(states map[string]migrations.State, pending []migrations.Definition) error {
	applied := make(map[string]bool, len(states))
	for id, st := range states {
		if st.Status == migrations.StatusApplied {
			applied[id] = true
		}
	}
	inBatch := make(map[string]bool, len(pending))
	for _, def := range pending {
		inBatch[def.ID] = true
	}
	for _, def := range pending {
		for _, req := range def.Meta.Requires {
			if !applied[req] && !inBatch[req] {
				return errkind.New(errkind.MissingDependency, "migration %q requires %q to be applied first", def.ID, req)
			}
		}
	}
	return nil
}

// Describe renders a human-readable one-line summary of a plan.
func (p Plan) Describe() string {
	if len(p.Pending) == 0 {
		return "no pending migrations"
	}
	return fmt.Sprintf("%d migration(s) pending, ending at %s", len(p.Pending), p.Pending[len(p.Pending)-1].ID)
}
