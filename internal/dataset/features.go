package dataset

import (
	"fmt"
	"strings"
)

// FeatureType names the detector whose keypoints and matches are used.
type FeatureType string

// Known feature types.
const (
	FeatureSIFT  FeatureType = "SIFT"
	FeatureSURF  FeatureType = "SURF"
	FeatureORB   FeatureType = "ORB"
	FeatureHAHOG FeatureType = "HAHOG"
)

// DefaultFeatureType is the configured detector when none is chosen.
const DefaultFeatureType = FeatureSURF

// FallbackFeatureType replaces unknown or empty names.
const FallbackFeatureType = FeatureORB

// FeatureTypes lists the known feature types.
func FeatureTypes() []FeatureType {
	return []FeatureType{FeatureSIFT, FeatureSURF, FeatureORB, FeatureHAHOG}
}

// ParseFeatureType resolves a feature type name case-insensitively. Unknown
// names resolve to the fallback type together with a diagnostic message.
func ParseFeatureType(name string) (FeatureType, string) {
	n := FeatureType(strings.ToUpper(strings.TrimSpace(name)))
	for _, ft := range FeatureTypes() {
		if n == ft {
			return ft, ""
		}
	}
	return FallbackFeatureType, fmt.Sprintf("unknown feature type %q, using %s", name, FallbackFeatureType)
}
