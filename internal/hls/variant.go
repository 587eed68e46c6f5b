package hls

import (
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/tanq16/vodkeeper/internal/utils"
)

const DefaultQuality = "best"

// Variant is one rendition listed by a master playlist.
type Variant struct {
	// Name is the rendition group id ("chunked", "720p60", "audio_only").
	Name        string
	DisplayName string
	URL         string
	Bandwidth   uint32
	Resolution  string
	FrameRate   float64
}

func newVariant(v *m3u8.Variant, uri string) Variant {
	out := Variant{
		Name:       v.Video,
		URL:        uri,
		Bandwidth:  v.Bandwidth,
		Resolution: v.Resolution,
		FrameRate:  v.FrameRate,
	}
	for _, alt := range v.Alternatives {
		if alt != nil && alt.GroupId == v.Video && alt.Name != "" {
			out.DisplayName = alt.Name
			break
		}
	}
	if out.Name == "" {
		out.Name = out.DisplayName
	}
	if out.DisplayName == "" {
		out.DisplayName = out.Name
	}
	return out
}

// Height returns the vertical resolution, 0 when the variant has none.
func (v Variant) Height() int {
	_, h, ok := strings.Cut(v.Resolution, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// SelectVariant picks a rendition by quality. "best", "source" and
// "highest" pick the highest bandwidth and "worst" the lowest. Anything else
// must match a group id, a display name or a height ("720" or "720p"); no
// fallback to another rendition is made.
func SelectVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, utils.Errorf(utils.KindManifestParse, "hls/select", "no variants to select from")
	}
	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth > sorted[j].Bandwidth
	})
	q := strings.ToLower(strings.TrimSpace(quality))
	switch q {
	case "", "best", "source", "highest":
		return sorted[0], nil
	case "worst", "lowest":
		return sorted[len(sorted)-1], nil
	}
	for _, v := range sorted {
		if strings.EqualFold(v.Name, q) {
			return v, nil
		}
	}
	for _, v := range sorted {
		if strings.EqualFold(v.DisplayName, q) {
			return v, nil
		}
	}
	if h, ok := parseHeight(q); ok {
		for _, v := range sorted {
			if v.Height() == h {
				return v, nil
			}
		}
	}
	return Variant{}, utils.Errorf(utils.KindManifestParse, "hls/select",
		"quality %q not available (have %s)", quality, strings.Join(Qualities(sorted), ", "))
}

// Qualities lists the selectable names of variants.
func Qualities(variants []Variant) []string {
	names := make([]string, 0, len(variants))
	for _, v := range variants {
		names = append(names, v.Name)
	}
	return names
}

func parseHeight(q string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSuffix(q, "p"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
