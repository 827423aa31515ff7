package quota

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTokenStats_InfoShape(t *testing.T) {
	body := json.RawMessage(`{"data":{"info":{"remain_quota_display":"1,234.50"}}}`)
	snap, err := parseTokenStats(body)
	require.NoError(t, err)
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 1234.5, *snap.Remaining)
}

func TestParseTokenStats_NestedTokenInfoShape(t *testing.T) {
	body := json.RawMessage(`{"data":{"data":{"token_info":{"remain_quota_display":500,"today_used_quota_display":"12.00"}}}}`)
	snap, err := parseTokenStats(body)
	require.NoError(t, err)
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 500.0, *snap.Remaining)
	require.NotNil(t, snap.TodayUsed)
	assert.Equal(t, 12.0, *snap.TodayUsed)
}

func TestParseTokenStats_OlderFlatShape(t *testing.T) {
	body := json.RawMessage(`{"data":{"token_info":{"remain_quota_display":10},"today_stats":{"used_quota":3,"added_quota":1}}}`)
	snap, err := parseTokenStats(body)
	require.NoError(t, err)
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 10.0, *snap.Remaining)
	require.NotNil(t, snap.TodayUsed)
	assert.Equal(t, 3.0, *snap.TodayUsed)
	require.NotNil(t, snap.TodayAdded)
	assert.Equal(t, 1.0, *snap.TodayAdded)
}

func TestParseTokenStats_UnknownShapeErrors(t *testing.T) {
	_, err := parseTokenStats(json.RawMessage(`{"ok":true}`))
	assert.Error(t, err)
}

func TestParseBudgetInfo_TopLevelAndNestedShapes(t *testing.T) {
	top, err := parseBudgetInfo(json.RawMessage(`{"daily_spent_usd":1.5,"daily_budget_usd":10}`))
	require.NoError(t, err)
	require.NotNil(t, top.DailySpentUSD)
	assert.Equal(t, 1.5, *top.DailySpentUSD)

	nested, err := parseBudgetInfo(json.RawMessage(`{"data":{"monthly_spent_usd":42,"monthly_budget_usd":100}}`))
	require.NoError(t, err)
	require.NotNil(t, nested.MonthlySpentUSD)
	assert.Equal(t, 42.0, *nested.MonthlySpentUSD)
}

func TestParseBudgetInfo_MissingSpendFieldsErrors(t *testing.T) {
	_, err := parseBudgetInfo(json.RawMessage(`{"remaining_quota":5}`))
	assert.Error(t, err)
}

func TestToNumber_TrimsPercentAndCommas(t *testing.T) {
	n, ok := toNumber("87%")
	require.True(t, ok)
	assert.Equal(t, 87.0, n)

	n, ok = toNumber("1,234.50")
	require.True(t, ok)
	assert.Equal(t, 1234.5, n)

	_, ok = toNumber("")
	assert.False(t, ok)

	n, ok = toNumber([]interface{}{99.0})
	require.True(t, ok)
	assert.Equal(t, 99.0, n)
}
