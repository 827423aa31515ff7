package quota

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"

	"github.com/jordanhubbard/respgate/internal/store"
)

// token_stats responses have been observed in three shapes across the
// panels this dialect targets: {data:{info:{...}}}, {data:{data:{token_info:
// {...}}}}, and an older flat {data:{token_info:{...}, today_stats:{...}}}.
// Every field is tried against all of them in order; the first match wins.
var (
	remainQuotaPaths = []string{
		"$.data.info.remain_quota_display",
		"$.data.info.remain_quota",
		"$.data.data.token_info.remain_quota_display",
		"$.data.token_info.remain_quota_display",
	}
	todayUsedPaths = []string{
		"$.data.stats.today_stats.used_quota",
		"$.data.stats.today_stats.used_quota_display",
		"$.data.data.token_info.today_used_quota_display",
		"$.data.today_stats.used_quota",
		"$.data.today_stats.used_quota_display",
	}
	todayAddedPaths = []string{
		"$.data.stats.today_stats.added_quota",
		"$.data.stats.today_stats.added_quota_display",
		"$.data.data.token_info.today_added_quota_display",
		"$.data.today_stats.added_quota",
		"$.data.today_stats.added_quota_display",
	}
)

func parseTokenStats(body json.RawMessage) (store.QuotaSnapshot, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return store.QuotaSnapshot{}, errors.New("decode token-stats body: " + err.Error())
	}
	snap := store.QuotaSnapshot{Kind: store.UsageKindTokenStats}
	if n, ok := firstNumber(v, remainQuotaPaths); ok {
		snap.Remaining = &n
	}
	if n, ok := firstNumber(v, todayUsedPaths); ok {
		snap.TodayUsed = &n
	}
	if n, ok := firstNumber(v, todayAddedPaths); ok {
		snap.TodayAdded = &n
	}
	if snap.Remaining == nil && snap.TodayUsed == nil && snap.TodayAdded == nil {
		return store.QuotaSnapshot{}, errors.New("token-stats response matched no known shape")
	}
	return snap, nil
}

// budget_info responses nest their fields either at the top level or under
// "data", depending on the panel generation.
var (
	dailySpentPaths   = []string{"$.daily_spent_usd", "$.data.daily_spent_usd"}
	dailyBudgetPaths  = []string{"$.daily_budget_usd", "$.data.daily_budget_usd"}
	weeklySpentPaths  = []string{"$.weekly_spent_usd", "$.data.weekly_spent_usd"}
	weeklyBudgetPaths = []string{"$.weekly_budget_usd", "$.data.weekly_budget_usd"}
	monthlySpentPaths = []string{"$.monthly_spent_usd", "$.data.monthly_spent_usd"}
	monthlyBudgetPaths = []string{"$.monthly_budget_usd", "$.data.monthly_budget_usd"}
	remainingQuotaPaths = []string{"$.remaining_quota", "$.data.remaining_quota"}
)

func parseBudgetInfo(body json.RawMessage) (store.QuotaSnapshot, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return store.QuotaSnapshot{}, errors.New("decode users/info body: " + err.Error())
	}
	snap := store.QuotaSnapshot{Kind: store.UsageKindBudgetInfo}
	if n, ok := firstNumber(v, dailySpentPaths); ok {
		snap.DailySpentUSD = &n
	}
	if n, ok := firstNumber(v, dailyBudgetPaths); ok {
		snap.DailyBudgetUSD = &n
	}
	if n, ok := firstNumber(v, weeklySpentPaths); ok {
		snap.WeeklySpentUSD = &n
	}
	if n, ok := firstNumber(v, weeklyBudgetPaths); ok {
		snap.WeeklyBudgetUSD = &n
	}
	if n, ok := firstNumber(v, monthlySpentPaths); ok {
		snap.MonthlySpentUSD = &n
	}
	if n, ok := firstNumber(v, monthlyBudgetPaths); ok {
		snap.MonthlyBudgetUSD = &n
	}
	if n, ok := firstNumber(v, remainingQuotaPaths); ok {
		snap.Remaining = &n
	}
	if snap.DailySpentUSD == nil && snap.MonthlySpentUSD == nil {
		return store.QuotaSnapshot{}, errors.New("users/info response missing daily or monthly spend")
	}
	return snap, nil
}

func firstNumber(v interface{}, paths []string) (float64, bool) {
	for _, p := range paths {
		res, err := jsonpath.Get(p, v)
		if err != nil {
			continue
		}
		if n, ok := toNumber(res); ok {
			return n, true
		}
	}
	return 0, false
}

// toNumber tolerates the panels' habit of rendering quota figures as
// display strings: "1,234.50", "87%", or a single-element array.
func toNumber(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(x)
		s = strings.TrimSuffix(s, "%")
		s = strings.ReplaceAll(s, ",", "")
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	case []interface{}:
		if len(x) == 1 {
			return toNumber(x[0])
		}
	}
	return 0, false
}
