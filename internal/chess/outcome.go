package chess

import (
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Color is the side the human plays. NoColor means not chosen yet.
type Color int

const (
	NoColor Color = iota
	White
	Black
)

func ParseColor(text string) (Color, bool) {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "white", "w":
		return White, true
	case "black", "b":
		return Black, true
	default:
		return NoColor, false
	}
}

func (c Color) Opponent() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoColor
	}
}

// Board converts to the rules library color.
func (c Color) Board() nchess.Color {
	switch c {
	case White:
		return nchess.White
	case Black:
		return nchess.Black
	default:
		return nchess.NoColor
	}
}

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "unset"
	}
}

// Outcome is a finished game's result from the human's point of view.
type Outcome int

const (
	OutcomeUndecided Outcome = iota
	OutcomeHumanWin
	OutcomeOpponentWin
	OutcomeDraw
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHumanWin:
		return "human_win"
	case OutcomeOpponentWin:
		return "opponent_win"
	case OutcomeDraw:
		return "draw"
	default:
		return "undecided"
	}
}

const (
	ResultWhiteWins = "1-0"
	ResultBlackWins = "0-1"
	ResultDraw      = "1/2-1/2"
	ResultOngoing   = "*"
)

// ClassifyResult translates a rules-engine result string into a
// human-perspective outcome. A resignation always counts as an opponent
// win regardless of the result string.
func ClassifyResult(result string, human Color, resigned bool) Outcome {
	if resigned {
		return OutcomeOpponentWin
	}
	var winner Color
	switch strings.TrimSpace(result) {
	case ResultWhiteWins:
		winner = White
	case ResultBlackWins:
		winner = Black
	case ResultDraw, "½-½":
		return OutcomeDraw
	default:
		return OutcomeUndecided
	}
	if human == NoColor {
		return OutcomeUndecided
	}
	if winner == human {
		return OutcomeHumanWin
	}
	return OutcomeOpponentWin
}

// ResultFor returns the PGN result string recording a win for winner.
func ResultFor(winner Color) string {
	switch winner {
	case White:
		return ResultWhiteWins
	case Black:
		return ResultBlackWins
	default:
		return ResultOngoing
	}
}
