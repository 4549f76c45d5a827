package ltu

import (
	_ "embed"
	"math/rand/v2"
	"os"

	"github.com/pkg/errors"
	"github.com/tidwall/geodesic"
	"gopkg.in/yaml.v3"
)

//go:embed sectors.yaml
var defaultSectors []byte

// Sector is one base station beam.
type Sector struct {
	Name      string  `yaml:"name"`
	From      float64 `yaml:"from"`
	To        float64 `yaml:"to"`
	Freq      int     `yaml:"freq"`
	Bandwidth int     `yaml:"bandwidth"`
}

func (s Sector) covers(bearing float64) bool {
	return s.From <= bearing && bearing <= s.To
}

func (s Sector) width() float64 { return s.To - s.From }

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// SectorPlan is the base station location and its sectors.
type SectorPlan struct {
	BaseStation    Point    `yaml:"base_station"`
	DefaultBearing float64  `yaml:"default_bearing"`
	Sectors        []Sector `yaml:"sectors"`
}

// LoadSectorPlan reads the plan from path, or the built-in plan when path
// is empty.
func LoadSectorPlan(path string) (*SectorPlan, error) {
	data := defaultSectors
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrap(err, "read sector plan")
		}
	}
	return ParseSectorPlan(data)
}

func ParseSectorPlan(data []byte) (*SectorPlan, error) {
	var plan SectorPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, errors.Wrap(err, "parse sector plan")
	}
	if len(plan.Sectors) == 0 {
		return nil, errors.New("sector plan has no sectors")
	}
	for _, s := range plan.Sectors {
		if s.Name == "" || s.To < s.From {
			return nil, errors.Errorf("invalid sector %+v", s)
		}
	}
	return &plan, nil
}

// Bearing returns the initial azimuth from the base station to p, in
// degrees within [-180, 180].
func (p *SectorPlan) Bearing(to Point) float64 {
	var azi1 float64
	geodesic.WGS84.Inverse(p.BaseStation.Lat, p.BaseStation.Lon, to.Lat, to.Lon, nil, &azi1, nil)
	return azi1
}

// Choose picks the tightest sector covering bearing. Ties between equally
// narrow sectors are broken at random with rnd.
func (p *SectorPlan) Choose(bearing float64, rnd *rand.Rand) (Sector, bool) {
	var best []Sector
	for _, s := range p.Sectors {
		if !s.covers(bearing) {
			continue
		}
		switch {
		case len(best) == 0 || s.width() < best[0].width():
			best = []Sector{s}
		case s.width() == best[0].width():
			best = append(best, s)
		}
	}
	if len(best) == 0 {
		return Sector{}, false
	}
	if len(best) == 1 || rnd == nil {
		return best[0], true
	}
	return best[rnd.IntN(len(best))], true
}
