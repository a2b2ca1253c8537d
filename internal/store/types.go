package store

// DefaultLimit is applied when a caller passes a non-positive limit.
const DefaultLimit = 20

// MaxLimit bounds a single page of events or leaderboard rows.
const MaxLimit = 500

// LeaderboardEntry aggregates the successful pours of one user token.
type LeaderboardEntry struct {
	UserToken string `json:"user_token"`
	PourCount int64  `json:"pour_count"`
	TotalML   int64  `json:"total_ml"`
	LastPour  string `json:"last_pour"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
