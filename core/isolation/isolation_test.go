package isolation

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParseLevelSpellings covers the per-engine spellings Current has to
// normalize.
func TestParseLevelSpellings(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"REPEATABLE-READ", RepeatableRead},
		{"repeatable read", RepeatableRead},
		{"read committed", ReadCommitted},
		{"READ-COMMITTED", ReadCommitted},
		{"SERIALIZABLE", Serializable},
		{"serializable", Serializable},
		{"READ UNCOMMITTED", ReadUncommitted},
		{" read uncommitted ", ReadUncommitted},
	}
	for _, tc := range tests {
		got, err := ParseLevel(tc.in)
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}

	_, err := ParseLevel("SNAPSHOT")
	require.Error(t, err)
}

// TestStringRoundTrip checks String produces the standard spelling ParseLevel
// accepts.
func TestStringRoundTrip(t *testing.T) {
	for _, l := range []Level{ReadUncommitted, ReadCommitted, RepeatableRead, Serializable} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		require.Equal(t, l, got)
	}
}

// TestSQLLevelMapping checks the database/sql mapping used by adapters.
func TestSQLLevelMapping(t *testing.T) {
	require.Equal(t, sql.LevelReadUncommitted, ReadUncommitted.SQLLevel())
	require.Equal(t, sql.LevelReadCommitted, ReadCommitted.SQLLevel())
	require.Equal(t, sql.LevelRepeatableRead, RepeatableRead.SQLLevel())
	require.Equal(t, sql.LevelSerializable, Serializable.SQLLevel())
	require.Equal(t, sql.LevelDefault, LevelUnset.SQLLevel())
}

// TestRecommend pins the policy mapping.
func TestRecommend(t *testing.T) {
	require.Equal(t, ReadCommitted, Recommend(OpReadOnlyReport))
	require.Equal(t, Serializable, Recommend(OpFinancialTransaction))
	require.Equal(t, ReadCommitted, Recommend(OpBulkOperation))
	require.Equal(t, RepeatableRead, Recommend(OpCriticalUpdate))
	require.Equal(t, ReadCommitted, Recommend(OperationKind("anything_else")))
}
