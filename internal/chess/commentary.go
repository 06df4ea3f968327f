package chess

// Band is the qualitative category a move's evaluation change falls into.
type Band int

const (
	BandUnratable Band = iota
	BandExcellentGain
	BandSolidGain
	BandNeutral
	BandModerateLoss
	BandSevereLoss
	BandBlunder
	BandSlightCrack
)

const (
	excellentGainMin = 120
	solidGainMin     = 50
	neutralSpan      = 40
	moderateLossMax  = -80
	severeLossMax    = -200
	blunderMax       = -400
)

// Commentary is the grader output. Magnitude is the absolute centipawn
// change and is only meaningful for bands that display it.
type Commentary struct {
	Band      Band
	Magnitude int
}

// Grade maps a human-perspective centipawn delta to a commentary band.
// A nil delta means at least one side of the evaluation was unavailable.
// Bands are tested top-down and the first match wins, so deltas in (40,50)
// and (-80,-40) land on BandSlightCrack.
func Grade(delta *int) Commentary {
	if delta == nil {
		return Commentary{Band: BandUnratable}
	}
	d := *delta
	switch {
	case d >= excellentGainMin:
		return Commentary{Band: BandExcellentGain, Magnitude: abs(d)}
	case d >= solidGainMin:
		return Commentary{Band: BandSolidGain, Magnitude: abs(d)}
	case d >= -neutralSpan && d <= neutralSpan:
		return Commentary{Band: BandNeutral}
	case d > severeLossMax && d <= moderateLossMax:
		return Commentary{Band: BandModerateLoss, Magnitude: abs(d)}
	case d > blunderMax && d <= severeLossMax:
		return Commentary{Band: BandSevereLoss, Magnitude: abs(d)}
	case d <= blunderMax:
		return Commentary{Band: BandBlunder, Magnitude: abs(d)}
	default:
		return Commentary{Band: BandSlightCrack, Magnitude: abs(d)}
	}
}

// Rank orders bands from worst (0) to best. BandUnratable has rank -1.
func (b Band) Rank() int {
	switch b {
	case BandBlunder:
		return 0
	case BandSevereLoss:
		return 1
	case BandModerateLoss:
		return 2
	case BandSlightCrack:
		return 3
	case BandNeutral:
		return 4
	case BandSolidGain:
		return 5
	case BandExcellentGain:
		return 6
	default:
		return -1
	}
}

// Key is the message catalog key for the band's remark.
func (b Band) Key() string {
	switch b {
	case BandExcellentGain:
		return "commentary.excellent"
	case BandSolidGain:
		return "commentary.solid"
	case BandNeutral:
		return "commentary.neutral"
	case BandModerateLoss:
		return "commentary.moderate_loss"
	case BandSevereLoss:
		return "commentary.severe_loss"
	case BandBlunder:
		return "commentary.blunder"
	case BandSlightCrack:
		return "commentary.slight_crack"
	default:
		return "commentary.unratable"
	}
}

func (b Band) String() string {
	switch b {
	case BandExcellentGain:
		return "excellent_gain"
	case BandSolidGain:
		return "solid_gain"
	case BandNeutral:
		return "neutral"
	case BandModerateLoss:
		return "moderate_loss"
	case BandSevereLoss:
		return "severe_loss"
	case BandBlunder:
		return "blunder"
	case BandSlightCrack:
		return "slight_crack"
	default:
		return "unratable"
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
