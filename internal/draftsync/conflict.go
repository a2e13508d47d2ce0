package draftsync

import (
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// StrategyTimestamp lets the document with the later wall-clock update win
	// entirely. Wall clocks across instances are not synchronized; the skew
	// risk is accepted and documented, not hidden.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyFieldMerge merges per field: diverging fields are taken from the
	// later-updated side, untouched fields carry over unchanged.
	StrategyFieldMerge Strategy = "fieldMerge"
	// StrategyManual surfaces the full diff to the caller, who must apply a
	// resolution before further saves are accepted.
	StrategyManual Strategy = "manual"
)

// ParseStrategy validates a strategy name from configuration.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyTimestamp, StrategyFieldMerge, StrategyManual:
		return Strategy(raw), nil
	case "":
		return StrategyTimestamp, nil
	default:
		return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, raw)
	}
}

// FieldDiff is one diverging field between a local and a remote document.
type FieldDiff struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"localValue"`
	RemoteValue any    `json:"remoteValue"`
}

// ConflictReport is the outcome of DetectConflict. InConflict is false when
// the two copies agree or one strictly supersedes the other.
type ConflictReport struct {
	InConflict bool
	Local      Document
	Remote     Document
	Diffs      []FieldDiff
}

// Resolution is the outcome of Resolve. Exactly one of Resolved and
// ManualRequired is meaningful.
type Resolution struct {
	Resolved       *Document
	ManualRequired bool
	Diffs          []FieldDiff
}

// DetectConflict compares a local and a remote copy of the same document.
// Without a retained common ancestor, any revision mismatch with differing
// payloads is a conflict.
func DetectConflict(local, remote Document) ConflictReport {
	report := ConflictReport{Local: local, Remote: remote}
	if local.Revision == remote.Revision {
		return report
	}
	diffs := diffPayloads(local.Payload, remote.Payload)
	if len(diffs) == 0 {
		return report
	}
	report.InConflict = true
	report.Diffs = diffs
	return report
}

func diffPayloads(local, remote Payload) []FieldDiff {
	fields := map[string]struct{}{}
	for field := range local {
		fields[field] = struct{}{}
	}
	for field := range remote {
		fields[field] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)

	var diffs []FieldDiff
	for _, field := range names {
		localValue, localOK := local[field]
		remoteValue, remoteOK := remote[field]
		if localOK && remoteOK && reflect.DeepEqual(localValue, remoteValue) {
			continue
		}
		if !localOK && !remoteOK {
			continue
		}
		diffs = append(diffs, FieldDiff{Field: field, LocalValue: localValue, RemoteValue: remoteValue})
	}
	return diffs
}

// Resolve applies a strategy to a detected conflict. The result revision is
// max(local, remote) + 1 so subsequent comparisons are unambiguous, and the
// same conflict resolved twice yields the same payload.
func Resolve(report ConflictReport, strategy Strategy) (Resolution, error) {
	if !report.InConflict {
		return Resolution{}, fmt.Errorf("%w: no conflict to resolve", ErrInvalidInput)
	}
	switch strategy {
	case StrategyManual:
		return Resolution{ManualRequired: true, Diffs: report.Diffs}, nil
	case StrategyTimestamp:
		winner, _ := pickWinner(report.Local, report.Remote)
		resolved := resolvedDocument(report, clonePayload(winner.Payload), winner.UpdatedAt)
		return Resolution{Resolved: &resolved}, nil
	case StrategyFieldMerge:
		winner, loser := pickWinner(report.Local, report.Remote)
		merged := clonePayload(loser.Payload)
		for _, diff := range report.Diffs {
			value, ok := winner.Payload[diff.Field]
			if !ok {
				delete(merged, diff.Field)
				continue
			}
			merged[diff.Field] = value
		}
		resolved := resolvedDocument(report, merged, winner.UpdatedAt)
		return Resolution{Resolved: &resolved}, nil
	default:
		return Resolution{}, fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, strategy)
	}
}

// pickWinner orders two copies deterministically: later timestamp first, then
// higher revision, then lexicographically larger owner ID as a last resort.
func pickWinner(local, remote Document) (winner, loser Document) {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote, local
	}
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return local, remote
	}
	if remote.Revision != local.Revision {
		if remote.Revision > local.Revision {
			return remote, local
		}
		return local, remote
	}
	if remote.OwnerInstanceID > local.OwnerInstanceID {
		return remote, local
	}
	return local, remote
}

func resolvedDocument(report ConflictReport, payload Payload, updatedAt time.Time) Document {
	revision := report.Local.Revision
	if report.Remote.Revision > revision {
		revision = report.Remote.Revision
	}
	return Document{
		ID:        report.Local.ID,
		Payload:   payload,
		Revision:  revision + 1,
		UpdatedAt: updatedAt,
	}
}
