// Package ranker orders unregistered images by how well they can be added to
// the current reconstruction.
package ranker

import (
	"context"
	"fmt"
	"sort"

	"github.com/MeKo-Tech/tracksfm/internal/dataset"
	"github.com/MeKo-Tech/tracksfm/internal/score"
	"github.com/MeKo-Tech/tracksfm/internal/sfm"
	"github.com/MeKo-Tech/tracksfm/internal/tracks"
	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
)

// DefaultMinSharedTracks is the eligibility threshold used when none is set.
const DefaultMinSharedTracks = 12

// Candidate is an eligible image with its score.
type Candidate struct {
	Image  sfm.ImageID
	Shared int
	Score  score.Score
	// Partner is the registered shot sharing the most valid tracks.
	Partner sfm.ImageID
}

// Less orders candidates best first: higher score, then lower image id.
func Less(a, b Candidate) bool {
	if !a.Score.Equal(b.Score) {
		return b.Score.Less(a.Score)
	}
	return a.Image < b.Image
}

// Ranker scores eligible images against a frozen view of the reconstruction.
type Ranker struct {
	scorer    score.Scorer
	minShared int
	workers   int
}

// New returns a ranker. minShared below 1 uses the default; workers below 1
// scores sequentially.
func New(scorer score.Scorer, minShared, workers int) *Ranker {
	if minShared < 1 {
		minShared = DefaultMinSharedTracks
	}
	return &Ranker{scorer: scorer, minShared: minShared, workers: max(workers, 1)}
}

// MinShared returns the eligibility threshold.
func (r *Ranker) MinShared() int {
	return r.minShared
}

// Rank returns all eligible unregistered images in a strict total order, best
// first. The reconstruction is only read. An empty result means no candidate
// remains.
func (r *Ranker) Rank(ctx context.Context, session *dataset.Session, graph *tracks.Graph, rec *sfm.Reconstruction) ([]Candidate, error) {
	valid := rec.ValidTracks()
	shots := rec.Shots()

	type job struct {
		image  sfm.ImageID
		shared *roaring.Bitmap
	}
	var jobs []job
	for _, id := range graph.Images() {
		if rec.HasShot(id) {
			continue
		}
		shared := graph.SharedWith(id, valid)
		if int(shared.GetCardinality()) < r.minShared {
			continue
		}
		jobs = append(jobs, job{image: id, shared: shared})
	}

	out := make([]Candidate, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, j := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ic, partner := imageContext(session, graph, shots, j.image, j.shared)
			out[i] = Candidate{
				Image:   j.image,
				Shared:  int(j.shared.GetCardinality()),
				Score:   r.scorer.ScoreImage(ic),
				Partner: partner,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("candidate scoring: %w", err)
	}

	sort.Slice(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out, nil
}

// Next returns the best candidate or sfm.ErrNoEligibleCandidates.
func (r *Ranker) Next(ctx context.Context, session *dataset.Session, graph *tracks.Graph, rec *sfm.Reconstruction) (Candidate, error) {
	cands, err := r.Rank(ctx, session, graph, rec)
	if err != nil {
		return Candidate{}, err
	}
	if len(cands) == 0 {
		return Candidate{}, sfm.ErrNoEligibleCandidates
	}
	return cands[0], nil
}

func imageContext(session *dataset.Session, graph *tracks.Graph, shots []sfm.Shot, id sfm.ImageID, shared *roaring.Bitmap) (score.ImageContext, sfm.ImageID) {
	ic := score.ImageContext{Image: id, Camera: session.Camera(id)}
	it := shared.Iterator()
	for it.HasNext() {
		if o, ok := graph.Observation(id, sfm.TrackID(it.Next())); ok {
			ic.Points = append(ic.Points, o.Point)
		}
	}

	// Partner: the registered shot with the most shared valid tracks, lowest id on ties.
	var (
		partner     sfm.Shot
		partnerSet  *roaring.Bitmap
		partnerSize uint64
	)
	for _, s := range shots {
		common := graph.SharedWith(s.Image, shared)
		n := common.GetCardinality()
		if n > partnerSize || (n == partnerSize && n > 0 && s.Image < partner.Image) {
			partner, partnerSet, partnerSize = s, common, n
		}
	}
	if partnerSet == nil {
		return ic, ""
	}
	pc := &score.PairContext{
		Image1:  partner.Image,
		Image2:  id,
		Camera1: partner.Camera,
		Camera2: ic.Camera,
	}
	it = partnerSet.Iterator()
	for it.HasNext() {
		t := sfm.TrackID(it.Next())
		a, ok1 := graph.Observation(partner.Image, t)
		b, ok2 := graph.Observation(id, t)
		if ok1 && ok2 {
			pc.Points1 = append(pc.Points1, a.Point)
			pc.Points2 = append(pc.Points2, b.Point)
		}
	}
	ic.Partner = pc
	return ic, partner.Image
}

// PairPoints collects the pixel correspondences of two images over their
// common tracks, for pair scoring.
func PairPoints(session *dataset.Session, graph *tracks.Graph, a, b sfm.ImageID) score.PairContext {
	pc := score.PairContext{
		Image1:  a,
		Image2:  b,
		Camera1: session.Camera(a),
		Camera2: session.Camera(b),
	}
	it := graph.CommonTracks(a, b).Iterator()
	for it.HasNext() {
		t := sfm.TrackID(it.Next())
		oa, ok1 := graph.Observation(a, t)
		ob, ok2 := graph.Observation(b, t)
		if ok1 && ok2 {
			pc.Points1 = append(pc.Points1, oa.Point)
			pc.Points2 = append(pc.Points2, ob.Point)
		}
	}
	return pc
}
