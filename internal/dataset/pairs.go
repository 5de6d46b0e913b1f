package dataset

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/coder/hnsw"
)

// DefaultSpatialRange is the GPS neighbourhood radius in degrees.
const DefaultSpatialRange = 0.00359

// Pair sources reported by SelectPairs.
const (
	SourceFile    = "file"
	SourceSpatial = "spatial"
	SourceAll     = "all"
)

// PairFileResult is the outcome of parsing a candidate pair file.
type PairFileResult struct {
	Pairs      []sfm.ImagePair
	Skipped    int
	Duplicates int
}

// ReadPairFile parses one "id1 id2" pair per line, separated by whitespace or
// a comma. Blank lines and lines starting with # are ignored. Lines with the
// wrong field count, unknown ids or a self-pair are skipped and counted.
func ReadPairFile(r io.Reader, s *Session) (PairFileResult, error) {
	var res PairFileResult
	seen := make(map[sfm.ImagePair]bool)
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		reason := ""
		switch {
		case len(fields) != 2:
			reason = fmt.Sprintf("expected 2 fields, got %d", len(fields))
		case fields[0] == fields[1]:
			reason = "self-pair"
		case !s.Has(sfm.ImageID(fields[0])):
			reason = fmt.Sprintf("unknown image %q", fields[0])
		case !s.Has(sfm.ImageID(fields[1])):
			reason = fmt.Sprintf("unknown image %q", fields[1])
		}
		if reason != "" {
			res.Skipped++
			slog.Warn("Skipping candidate pair line", "line", line, "reason", reason)
			continue
		}
		p := sfm.NewImagePair(sfm.ImageID(fields[0]), sfm.ImageID(fields[1]))
		if seen[p] {
			res.Duplicates++
			continue
		}
		seen[p] = true
		res.Pairs = append(res.Pairs, p)
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("failed to read pair file: %w", err)
	}
	sortPairs(res.Pairs)
	return res, nil
}

// AllPairs returns every unordered pair of session images.
func AllPairs(s *Session) []sfm.ImagePair {
	ids := s.ImageIDs()
	var out []sfm.ImagePair
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			out = append(out, sfm.NewImagePair(ids[i], ids[j]))
		}
	}
	return out
}

// SpatialPairs pairs each image having GPS with up to maxNeighbors other GPS
// images within rangeDeg degrees of latitude/longitude. Images without GPS
// contribute nothing.
func SpatialPairs(s *Session, rangeDeg float64, maxNeighbors int) []sfm.ImagePair {
	if rangeDeg <= 0 {
		rangeDeg = DefaultSpatialRange
	}
	var located []sfm.Image
	for _, img := range s.Images() {
		if img.GPS != nil {
			located = append(located, img)
		}
	}
	if len(located) < 2 {
		return nil
	}
	if maxNeighbors <= 0 || maxNeighbors >= len(located) {
		maxNeighbors = len(located) - 1
	}

	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.EuclideanDistance
	for i, img := range located {
		g.Add(hnsw.MakeNode(i, gpsVector(img.GPS)))
	}

	seen := make(map[sfm.ImagePair]bool)
	var out []sfm.ImagePair
	for i, img := range located {
		// One extra result because the query image finds itself.
		for _, n := range g.Search(gpsVector(img.GPS), maxNeighbors+1) {
			if n.Key == i {
				continue
			}
			other := located[n.Key]
			if gpsDistance(img.GPS, other.GPS) > rangeDeg {
				continue
			}
			p := sfm.NewImagePair(img.ID, other.ID)
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sortPairs(out)
	return out
}

// SelectPairs picks candidate pairs: from the pair file when it exists, else
// by GPS proximity when any image has GPS, else all pairs.
func SelectPairs(s *Session, pairFile string, rangeDeg float64, maxNeighbors int) ([]sfm.ImagePair, string, error) {
	if pairFile != "" {
		f, err := os.Open(pairFile) //nolint:gosec // G304: user-provided dataset path
		switch {
		case err == nil:
			defer func() { _ = f.Close() }()
			res, err := ReadPairFile(f, s)
			if err != nil {
				return nil, SourceFile, err
			}
			if res.Skipped > 0 {
				slog.Warn("Candidate pair file had malformed lines", "file", pairFile, "skipped", res.Skipped)
			}
			return res.Pairs, SourceFile, nil
		case !os.IsNotExist(err):
			return nil, SourceFile, fmt.Errorf("failed to open pair file: %w", err)
		}
	}
	for _, img := range s.Images() {
		if img.GPS != nil {
			return SpatialPairs(s, rangeDeg, maxNeighbors), SourceSpatial, nil
		}
	}
	return AllPairs(s), SourceAll, nil
}

func gpsVector(g *sfm.GPS) []float32 {
	return []float32{float32(g.Latitude), float32(g.Longitude)}
}

func gpsDistance(a, b *sfm.GPS) float64 {
	return math.Hypot(a.Latitude-b.Latitude, a.Longitude-b.Longitude)
}

func sortPairs(ps []sfm.ImagePair) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Image1 != ps[j].Image1 {
			return ps[i].Image1 < ps[j].Image1
		}
		return ps[i].Image2 < ps[j].Image2
	})
}
