package draftsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docAt(revision int64, updatedAt time.Time, payload Payload) Document {
	return Document{ID: "draft-1", Payload: payload, Revision: revision, UpdatedAt: updatedAt}
}

func TestDetectConflict(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("equal revision and payload is no conflict", func(t *testing.T) {
		local := docAt(3, base, Payload{"name": "x"})
		remote := docAt(3, base.Add(time.Second), Payload{"name": "x"})
		report := DetectConflict(local, remote)
		assert.False(t, report.InConflict)
	})

	t.Run("revision mismatch with equal payload is no conflict", func(t *testing.T) {
		local := docAt(2, base, Payload{"name": "x"})
		remote := docAt(3, base, Payload{"name": "x"})
		report := DetectConflict(local, remote)
		assert.False(t, report.InConflict)
	})

	t.Run("revision mismatch with differing payload is a conflict", func(t *testing.T) {
		local := docAt(2, base, Payload{"name": "x", "age": float64(30)})
		remote := docAt(3, base, Payload{"name": "y", "age": float64(30)})
		report := DetectConflict(local, remote)
		require.True(t, report.InConflict)
		require.Len(t, report.Diffs, 1)
		assert.Equal(t, "name", report.Diffs[0].Field)
		assert.Equal(t, "x", report.Diffs[0].LocalValue)
		assert.Equal(t, "y", report.Diffs[0].RemoteValue)
	})

	t.Run("field present on one side only counts as divergence", func(t *testing.T) {
		local := docAt(2, base, Payload{"name": "x"})
		remote := docAt(3, base, Payload{"name": "x", "notes": "added"})
		report := DetectConflict(local, remote)
		require.True(t, report.InConflict)
		require.Len(t, report.Diffs, 1)
		assert.Equal(t, "notes", report.Diffs[0].Field)
	})
}

func TestResolveTimestampStrategy(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := docAt(2, base, Payload{"name": "local"})
	remote := docAt(3, base.Add(time.Minute), Payload{"name": "remote"})

	report := DetectConflict(local, remote)
	require.True(t, report.InConflict)

	resolution, err := Resolve(report, StrategyTimestamp)
	require.NoError(t, err)
	require.NotNil(t, resolution.Resolved)
	assert.Equal(t, "remote", resolution.Resolved.Payload["name"])
	assert.Equal(t, int64(4), resolution.Resolved.Revision, "revision is max(local, remote)+1")
}

func TestResolveTimestampTieBreak(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := docAt(2, base, Payload{"name": "local"})
	remote := docAt(5, base, Payload{"name": "remote"})

	resolution, err := Resolve(DetectConflict(local, remote), StrategyTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "remote", resolution.Resolved.Payload["name"],
		"equal timestamps fall back to the higher revision")
}

func TestResolveFieldMerge(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := docAt(2, base.Add(time.Minute), Payload{
		"name":  "local-name",
		"email": "shared@example.com",
		"phone": "555-0100",
	})
	remote := docAt(3, base, Payload{
		"name":  "remote-name",
		"email": "shared@example.com",
		"city":  "Lisbon",
	})

	report := DetectConflict(local, remote)
	require.True(t, report.InConflict)

	resolution, err := Resolve(report, StrategyFieldMerge)
	require.NoError(t, err)
	require.NotNil(t, resolution.Resolved)
	merged := resolution.Resolved.Payload
	assert.Equal(t, "local-name", merged["name"], "diverging field comes from the later side")
	assert.Equal(t, "shared@example.com", merged["email"], "untouched field carried over")
	assert.Equal(t, "555-0100", merged["phone"], "field only on the winning side kept")
	_, hasCity := merged["city"]
	assert.False(t, hasCity, "field absent on the winning side is dropped")
	assert.Equal(t, int64(4), resolution.Resolved.Revision)
}

func TestResolveManual(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := docAt(2, base, Payload{"name": "a"})
	remote := docAt(3, base, Payload{"name": "b"})

	resolution, err := Resolve(DetectConflict(local, remote), StrategyManual)
	require.NoError(t, err)
	assert.True(t, resolution.ManualRequired)
	assert.Nil(t, resolution.Resolved)
	require.Len(t, resolution.Diffs, 1)
	assert.Equal(t, "name", resolution.Diffs[0].Field)
}

func TestResolveIsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	local := docAt(4, base.Add(time.Second), Payload{"a": "1", "b": "2", "c": "3"})
	remote := docAt(6, base, Payload{"a": "x", "b": "2", "d": "4"})
	report := DetectConflict(local, remote)
	require.True(t, report.InConflict)

	for _, strategy := range []Strategy{StrategyTimestamp, StrategyFieldMerge} {
		first, err := Resolve(report, strategy)
		require.NoError(t, err)
		second, err := Resolve(report, strategy)
		require.NoError(t, err)
		assert.Equal(t, first.Resolved.Payload, second.Resolved.Payload, string(strategy))
		assert.Equal(t, first.Resolved.Revision, second.Resolved.Revision, string(strategy))
	}
}

func TestResolveWithoutConflictFails(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := DetectConflict(docAt(1, base, Payload{"a": "1"}), docAt(1, base, Payload{"a": "1"}))
	_, err := Resolve(report, StrategyTimestamp)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseStrategy(t *testing.T) {
	cases := []struct {
		raw     string
		want    Strategy
		wantErr bool
	}{
		{raw: "", want: StrategyTimestamp},
		{raw: "timestamp", want: StrategyTimestamp},
		{raw: "fieldMerge", want: StrategyFieldMerge},
		{raw: "manual", want: StrategyManual},
		{raw: "vector-clock", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseStrategy(tc.raw)
		if tc.wantErr {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
