package chess

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnknownRating = errors.New("unknown rating tier")

// RatingTier is one selectable engine strength.
type RatingTier struct {
	Key   string
	Label string
	Elo   int
}

var ratingTiers = []RatingTier{
	{Key: "beginner", Label: "Beginner", Elo: 1320},
	{Key: "novice", Label: "Novice", Elo: 1500},
	{Key: "casual", Label: "Casual", Elo: 1700},
	{Key: "club", Label: "Club", Elo: 1900},
	{Key: "tournament", Label: "Tournament", Elo: 2100},
	{Key: "expert", Label: "Expert", Elo: 2300},
	{Key: "master", Label: "Master", Elo: 2500},
	{Key: "grandmaster", Label: "Grandmaster", Elo: 2700},
	{Key: "champion", Label: "Champion", Elo: 2850},
}

// Tiers returns the selectable tiers ordered from weakest to strongest.
func Tiers() []RatingTier {
	out := make([]RatingTier, len(ratingTiers))
	copy(out, ratingTiers)
	return out
}

func TierByKey(key string) (RatingTier, error) {
	k := strings.ToLower(strings.TrimSpace(key))
	for _, t := range ratingTiers {
		if t.Key == k {
			return t, nil
		}
	}
	return RatingTier{}, fmt.Errorf("%w: %q", ErrUnknownRating, key)
}

func TierByElo(elo int) (RatingTier, error) {
	for _, t := range ratingTiers {
		if t.Elo == elo {
			return t, nil
		}
	}
	return RatingTier{}, fmt.Errorf("%w: %d", ErrUnknownRating, elo)
}

// ParseRating resolves a tier key, label, or exact tier Elo value.
func ParseRating(text string) (RatingTier, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return RatingTier{}, ErrUnknownRating
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return TierByElo(n)
	}
	return TierByKey(raw)
}

func (t RatingTier) String() string {
	return fmt.Sprintf("%s (%d)", t.Label, t.Elo)
}
