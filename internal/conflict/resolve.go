// Package conflict detects and resolves divergence between local and remote
// copies of a record. Resolution is a pure function of the conflict and the
// strategy: the same inputs always produce the same outcome, with no clocks
// or randomness involved.
package conflict

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/helixcare/syncd/internal/types"
)

// Detect compares the local and remote copies of a record. Returns nil when
// the business fields, timestamp, and version all agree. baseVersion is the
// remote version the local side last read.
func Detect(local, remote types.Record, baseVersion int64) *types.Conflict {
	diff := diffFields(local, remote)

	if len(diff) == 0 && local.UpdatedAt.Equal(remote.UpdatedAt) && local.Version == remote.Version {
		return nil
	}

	conflictType := types.ConflictField
	switch {
	case len(diff) == 0:
		conflictType = types.ConflictTimestamp
	case remote.Version > baseVersion:
		conflictType = types.ConflictVersion
	}

	return &types.Conflict{
		ID:                ulid.Make().String(),
		UserID:            local.UserID,
		DeviceID:          local.OriginDevice,
		Kind:              local.Kind,
		RecordID:          local.RecordID,
		Type:              conflictType,
		ConflictingFields: diff,
		Local:             local.Clone(),
		Remote:            remote.Clone(),
	}
}

// diffFields returns the sorted union of field names whose values differ,
// including fields present on only one side.
func diffFields(local, remote types.Record) []string {
	diff := make([]string, 0)
	for name, localValue := range local.Fields {
		remoteValue, ok := remote.Fields[name]
		if !ok || !reflect.DeepEqual(localValue, remoteValue) {
			diff = append(diff, name)
		}
	}
	for name := range remote.Fields {
		if _, ok := local.Fields[name]; !ok {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

// Resolve applies an automatic strategy to a conflict. Strategies that need a
// human return Success=false; the conflict stays pending for manual handling.
func Resolve(c types.Conflict, strategy types.ConflictStrategy) types.Resolution {
	if c.Type == types.ConflictTimestamp {
		// Business fields agree; adopt the newer metadata.
		winner, merged := pickNewer(c)
		return types.Resolution{
			Success:    true,
			Strategy:   strategy,
			Winner:     winner,
			Merged:     merged,
			Confidence: 1.0,
			Reason:     "fields identical, timestamps reconciled",
		}
	}

	switch strategy {
	case types.StrategyLastWriteWins:
		return lastWriteWins(c)
	case types.StrategyFieldLevelMerge:
		return fieldLevelMerge(c)
	case types.StrategyManualMerge, types.StrategyUserPrompt:
		return types.Resolution{
			Success:  false,
			Strategy: strategy,
			Reason:   "requires manual resolution",
		}
	default:
		return types.Resolution{
			Success:  false,
			Strategy: strategy,
			Reason:   fmt.Sprintf("unknown strategy %q", strategy),
		}
	}
}

// lastWriteWins picks the side with the later updated_at. An exact timestamp
// tie falls back to the higher version, then to the lexicographically lower
// origin device id, so every replica resolves the same way.
func lastWriteWins(c types.Conflict) types.Resolution {
	winner, merged := pickNewer(c)
	return types.Resolution{
		Success:    true,
		Strategy:   types.StrategyLastWriteWins,
		Winner:     winner,
		Merged:     merged,
		Confidence: 0.8,
		Reason:     fmt.Sprintf("%s copy is newer", winner),
	}
}

func pickNewer(c types.Conflict) (string, types.Record) {
	switch {
	case c.Local.UpdatedAt.After(c.Remote.UpdatedAt):
		return "local", c.Local.Clone()
	case c.Remote.UpdatedAt.After(c.Local.UpdatedAt):
		return "remote", c.Remote.Clone()
	case c.Local.Version > c.Remote.Version:
		return "local", c.Local.Clone()
	case c.Remote.Version > c.Local.Version:
		return "remote", c.Remote.Clone()
	case c.Local.OriginDevice <= c.Remote.OriginDevice:
		return "local", c.Local.Clone()
	default:
		return "remote", c.Remote.Clone()
	}
}

// fieldLevelMerge combines both sides field by field using per-field
// timestamps. An overlapping field without timestamps on both sides falls
// back to the remote value, and the lowered confidence reflects that.
func fieldLevelMerge(c types.Conflict) types.Resolution {
	merged := c.Remote.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any)
	}
	if merged.FieldTimes == nil {
		merged.FieldTimes = make(map[string]time.Time)
	}

	confidence := 0.9
	for name, localValue := range c.Local.Fields {
		remoteValue, inRemote := c.Remote.Fields[name]
		if !inRemote {
			merged.Fields[name] = localValue
			if t, ok := c.Local.FieldTimes[name]; ok {
				merged.FieldTimes[name] = t
			}
			continue
		}
		if reflect.DeepEqual(localValue, remoteValue) {
			continue
		}

		localTime, hasLocal := c.Local.FieldTimes[name]
		remoteTime, hasRemote := c.Remote.FieldTimes[name]
		if !hasLocal || !hasRemote {
			// Keep the remote value already in merged.
			confidence = 0.6
			continue
		}
		if localTime.After(remoteTime) {
			merged.Fields[name] = localValue
			merged.FieldTimes[name] = localTime
		}
	}

	if c.Local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = c.Local.UpdatedAt
	}
	if c.Local.Version > merged.Version {
		merged.Version = c.Local.Version
	}

	return types.Resolution{
		Success:    true,
		Strategy:   types.StrategyFieldLevelMerge,
		Winner:     "merge",
		Merged:     merged,
		Confidence: confidence,
		Reason:     "field-level merge by per-field timestamps",
	}
}

// ResolveManually applies a caller-selected resolution. edited is required
// for ChoiceManualEdit; fields is the per-field side selection for
// ChoiceMergeFields. Both are ignored by the other choices.
func ResolveManually(c types.Conflict, choice types.ManualChoice, edited *types.Record, fields map[string]string) (types.Resolution, error) {
	switch choice {
	case types.ChoiceTakeLocal:
		return types.Resolution{
			Success:    true,
			Strategy:   types.StrategyManualMerge,
			Winner:     "local",
			Merged:     c.Local.Clone(),
			Confidence: 1.0,
			Reason:     "user selected local copy",
		}, nil
	case types.ChoiceTakeRemote:
		return types.Resolution{
			Success:    true,
			Strategy:   types.StrategyManualMerge,
			Winner:     "remote",
			Merged:     c.Remote.Clone(),
			Confidence: 1.0,
			Reason:     "user selected remote copy",
		}, nil
	case types.ChoiceMergeFields:
		return mergeSelectedFields(c, fields)
	case types.ChoiceManualEdit:
		if edited == nil {
			return types.Resolution{}, fmt.Errorf("manual edit requires an edited record")
		}
		return types.Resolution{
			Success:    true,
			Strategy:   types.StrategyManualMerge,
			Winner:     "merge",
			Merged:     edited.Clone(),
			Confidence: 1.0,
			Reason:     "user supplied edited record",
		}, nil
	default:
		return types.Resolution{}, fmt.Errorf("unknown manual choice %q", choice)
	}
}

// mergeSelectedFields builds the merged record from an explicit per-field
// choice of "local" or "remote". Fields the caller did not name fall back to
// the per-field timestamp merge, so a partial selection still converges.
func mergeSelectedFields(c types.Conflict, fields map[string]string) (types.Resolution, error) {
	res := fieldLevelMerge(c)
	for name, side := range fields {
		var source types.Record
		switch side {
		case "local":
			source = c.Local
		case "remote":
			source = c.Remote
		default:
			return types.Resolution{}, fmt.Errorf("field %q: side must be \"local\" or \"remote\", got %q", name, side)
		}
		value, ok := source.Fields[name]
		if !ok {
			// Selecting the side where the field is absent removes it.
			delete(res.Merged.Fields, name)
			delete(res.Merged.FieldTimes, name)
			continue
		}
		res.Merged.Fields[name] = value
		if t, hasTime := source.FieldTimes[name]; hasTime {
			res.Merged.FieldTimes[name] = t
		} else {
			delete(res.Merged.FieldTimes, name)
		}
	}
	res.Strategy = types.StrategyManualMerge
	res.Confidence = 1.0
	if len(fields) > 0 {
		res.Reason = "user selected fields per side"
	} else {
		res.Reason = "user selected field merge"
	}
	return res, nil
}
