package quota

import (
	"context"
	"log/slog"

	"github.com/jordanhubbard/respgate/internal/store"
)

// spendEpsilon absorbs the float noise a panel's own rounding introduces
// between two successive daily_spent_usd readings that didn't actually
// roll over to a new day.
const spendEpsilon = 0.005

// updateSpendTracking feeds one fresh daily_spent_usd reading into the
// per-provider spend-day state machine (spec §4.4.1). A reading that drops
// by more than spendEpsilon from the last one seen means the upstream
// panel's own day boundary passed, so the currently open SpendDay is closed
// and a new one started; otherwise the difference is accumulated into the
// open day.
func (e *Engine) updateSpendTracking(ctx context.Context, provider string, currentDailySpent float64) {
	now := e.nowMS()
	st, ok, err := e.store.GetSpendState(ctx, provider)
	if err != nil {
		slog.Warn("quota: read spend state failed", "provider", provider, "error", err)
		return
	}
	if !ok {
		st = store.SpendState{Provider: provider, TrackingStartedMS: now, OpenDayStartedMS: now, LastSeenDailySpentUSD: currentDailySpent}
		day := store.SpendDay{Provider: provider, StartedMS: now, TrackedSpendUSD: currentDailySpent, LastSeenDailySpentUSD: currentDailySpent}
		if err := e.store.PutSpendDay(ctx, day); err != nil {
			slog.Warn("quota: write spend day failed", "provider", provider, "error", err)
		}
		if err := e.store.PutSpendState(ctx, st); err != nil {
			slog.Warn("quota: write spend state failed", "provider", provider, "error", err)
		}
		return
	}

	if currentDailySpent+spendEpsilon < st.LastSeenDailySpentUSD {
		if day, found, err := e.store.GetSpendDay(ctx, provider, st.OpenDayStartedMS); err == nil && found {
			day.EndedMS = now
			if err := e.store.PutSpendDay(ctx, day); err != nil {
				slog.Warn("quota: close spend day failed", "provider", provider, "error", err)
			}
		}
		st.OpenDayStartedMS = now
		st.LastSeenDailySpentUSD = currentDailySpent
		newDay := store.SpendDay{Provider: provider, StartedMS: now, TrackedSpendUSD: currentDailySpent, LastSeenDailySpentUSD: currentDailySpent}
		if err := e.store.PutSpendDay(ctx, newDay); err != nil {
			slog.Warn("quota: write spend day failed", "provider", provider, "error", err)
		}
	} else {
		delta := currentDailySpent - st.LastSeenDailySpentUSD
		if delta < 0 {
			delta = 0
		}
		day, found, err := e.store.GetSpendDay(ctx, provider, st.OpenDayStartedMS)
		if err != nil || !found {
			day = store.SpendDay{Provider: provider, StartedMS: st.OpenDayStartedMS}
		}
		day.TrackedSpendUSD += delta
		day.LastSeenDailySpentUSD = currentDailySpent
		if err := e.store.PutSpendDay(ctx, day); err != nil {
			slog.Warn("quota: write spend day failed", "provider", provider, "error", err)
		}
		st.LastSeenDailySpentUSD = currentDailySpent
	}

	if err := e.store.PutSpendState(ctx, st); err != nil {
		slog.Warn("quota: write spend state failed", "provider", provider, "error", err)
	}
}
