package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tracksfm/internal/sfm"
)

// ReadGPS parses "image,lat,lon[,alt]" rows. A header row starting with
// "image" is skipped; malformed rows are reported in the returned diagnostics.
func ReadGPS(r io.Reader) (map[sfm.ImageID]sfm.GPS, []string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	out := make(map[sfm.ImageID]sfm.GPS)
	var diags []string
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, diags, fmt.Errorf("failed to read gps file: %w", err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "image") {
			continue
		}
		if len(rec) < 3 {
			diags = append(diags, fmt.Sprintf("gps line %d: expected at least 3 fields, got %d", line, len(rec)))
			continue
		}
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
		lon, errLon := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
		if errLat != nil || errLon != nil {
			diags = append(diags, fmt.Sprintf("gps line %d: invalid coordinates", line))
			continue
		}
		g := sfm.GPS{Latitude: lat, Longitude: lon}
		if len(rec) > 3 {
			if alt, err := strconv.ParseFloat(strings.TrimSpace(rec[3]), 64); err == nil {
				g.Altitude = alt
			}
		}
		out[sfm.ImageID(strings.TrimSpace(rec[0]))] = g
	}
	return out, diags, nil
}
