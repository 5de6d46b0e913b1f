package geometry

import "errors"

var (
	// ErrTooFewPoints is returned when an estimator receives fewer
	// correspondences than it needs or finds too few inliers.
	ErrTooFewPoints = errors.New("insufficient correspondences")

	// ErrDegenerate is returned when the input admits no well-conditioned solution.
	ErrDegenerate = errors.New("degenerate geometry")
)
