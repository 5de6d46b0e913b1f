package sfm

import (
	"errors"

	"github.com/MeKo-Tech/tracksfm/internal/geometry"
)

// Error kinds shared by the reconstruction stages. Callers test them with errors.Is.
var (
	// ErrInsufficientCorrespondences means too few matches or inliers for an estimate.
	ErrInsufficientCorrespondences = geometry.ErrTooFewPoints

	// ErrDegenerateGeometry means the configuration admits no stable estimate,
	// e.g. pure rotation during bootstrap or coplanar points during resection.
	ErrDegenerateGeometry = geometry.ErrDegenerate

	// ErrInconsistentTrack marks a correspondence set holding two observations
	// from the same image.
	ErrInconsistentTrack = errors.New("inconsistent track")

	// ErrOptimizerDivergence means bundle adjustment failed to converge.
	ErrOptimizerDivergence = errors.New("bundle adjustment diverged")

	// ErrNoEligibleCandidates signals that no unregistered image qualifies;
	// it ends the growing loop normally.
	ErrNoEligibleCandidates = errors.New("no eligible candidates")
)
