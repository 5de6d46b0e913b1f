package score

// MatchesCount ranks by the raw number of shared correspondences.
type MatchesCount struct{}

func (MatchesCount) Name() string { return NameMatchesCount }

func (MatchesCount) ScorePair(p PairContext) Score {
	n := len(p.Points1)
	return New(float64(n), n)
}

func (MatchesCount) ScoreImage(c ImageContext) Score {
	n := len(c.Points)
	return New(float64(n), n)
}
