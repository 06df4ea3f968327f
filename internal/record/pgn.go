package record

import (
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

const (
	TerminationUnterminated = "unterminated"
	TerminationNormal       = "normal"
	TerminationAbandoned    = "abandoned"
	TerminationEmergency    = "emergency"
)

// Record is everything the game file is rendered from. Moves are in
// coordinate notation from the initial position.
type Record struct {
	ID          int64
	SessionID   string
	Site        string
	StartedAt   time.Time
	Human       string
	HumanColor  chess.Color
	EngineName  string
	EngineElo   int
	Moves       []string
	Result      string
	Termination string
}

// Render produces the PGN text. The output depends only on r, so writing
// the same record twice yields identical bytes.
func Render(r Record) (string, error) {
	san, err := sanMoves(r.Moves)
	if err != nil {
		return "", err
	}

	result := r.Result
	if strings.TrimSpace(result) == "" {
		result = chess.ResultOngoing
	}
	termination := r.Termination
	if strings.TrimSpace(termination) == "" {
		termination = TerminationUnterminated
	}
	site := r.Site
	if strings.TrimSpace(site) == "" {
		site = "?"
	}

	white, black := "?", "?"
	engine := engineLabel(r)
	eloTag := ""
	switch r.HumanColor {
	case chess.White:
		white, black = playerLabel(r.Human), engine
		eloTag = "BlackElo"
	case chess.Black:
		white, black = engine, playerLabel(r.Human)
		eloTag = "WhiteElo"
	}

	var b strings.Builder
	writeTag(&b, "Event", "Casual game vs engine")
	writeTag(&b, "Site", site)
	writeTag(&b, "Date", pgnDate(r.StartedAt))
	writeTag(&b, "Round", fmt.Sprintf("%d", r.ID))
	writeTag(&b, "White", white)
	writeTag(&b, "Black", black)
	writeTag(&b, "Result", result)
	writeTag(&b, "Termination", termination)
	if eloTag != "" && r.EngineElo > 0 {
		writeTag(&b, eloTag, fmt.Sprintf("%d", r.EngineElo))
	}
	if strings.TrimSpace(r.SessionID) != "" {
		writeTag(&b, "SessionId", r.SessionID)
	}
	b.WriteString("\n")

	for i := 0; i < len(san); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, san[i]))
		if i+1 < len(san) {
			b.WriteString(" ")
			b.WriteString(san[i+1])
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	b.WriteString("\n")
	return b.String(), nil
}

func sanMoves(moves []string) ([]string, error) {
	game := nchess.NewGame()
	uciNotation := nchess.UCINotation{}
	sanNotation := nchess.AlgebraicNotation{}
	out := make([]string, 0, len(moves))
	for _, mv := range moves {
		pos := game.Position()
		move, err := uciNotation.Decode(pos, strings.ToLower(strings.TrimSpace(mv)))
		if err != nil {
			return nil, fmt.Errorf("decode move %s: %w", mv, err)
		}
		out = append(out, sanNotation.Encode(pos, move))
		if err := game.Move(move, nil); err != nil {
			return nil, fmt.Errorf("apply move %s: %w", mv, err)
		}
	}
	return out, nil
}

func writeTag(b *strings.Builder, name, value string) {
	b.WriteString(fmt.Sprintf("[%s \"%s\"]\n", name, sanitizePGN(value)))
}

func pgnDate(t time.Time) string {
	if t.IsZero() {
		return "????.??.??"
	}
	t = t.UTC()
	return fmt.Sprintf("%04d.%02d.%02d", t.Year(), int(t.Month()), t.Day())
}

func playerLabel(name string) string {
	if strings.TrimSpace(name) == "" {
		return "?"
	}
	return name
}

func engineLabel(r Record) string {
	name := strings.TrimSpace(r.EngineName)
	if name == "" {
		name = "Stockfish"
	}
	if r.EngineElo > 0 {
		return fmt.Sprintf("%s (%d)", name, r.EngineElo)
	}
	return name
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
