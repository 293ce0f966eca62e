package validate

import (
	"math"
	"regexp"
	"strings"
)

var (
	headingRe   = regexp.MustCompile(`##\s+\w+`)
	bulletRe    = regexp.MustCompile(`(?m)^\s*[-*]\s+`)
	numberRe    = regexp.MustCompile(`\d+%|\d+\+`)
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
)

type Quality struct {
	Length         int     `json:"length"`
	HasStructure   bool    `json:"has_structure"`
	HasBullets     bool    `json:"has_bullets"`
	HasNumbers     bool    `json:"has_numbers"`
	ParagraphCount int     `json:"paragraph_count"`
	Score          float64 `json:"quality_score"`
}

// AssessQuality scores structural markers of a resume-style reply in [0,1].
func AssessQuality(content string) Quality {
	q := Quality{
		Length:         len(content),
		HasStructure:   headingRe.MatchString(content),
		HasBullets:     bulletRe.MatchString(content),
		HasNumbers:     numberRe.MatchString(content),
		ParagraphCount: len(paragraphRe.FindAllStringIndex(content, -1)) + 1,
	}

	var score float64
	switch {
	case q.Length >= 500 && q.Length <= 5000:
		score += 0.3
	case q.Length >= 200 && q.Length < 500:
		score += 0.15
	}
	if q.HasStructure {
		score += 0.3
	}
	if q.HasBullets {
		score += 0.2
	}
	if q.HasNumbers {
		score += 0.2
	}
	q.Score = math.Round(score*100) / 100
	return q
}

// Resume reply section markers.
const (
	MarkerOptimizedResume     = "## OPTIMIZED RESUME"
	MarkerChangesMade         = "## CHANGES MADE"
	MarkerExpectedImprovement = "## EXPECTED IMPROVEMENT"
)

func DefaultSectionMarkers() map[string]string {
	return map[string]string{
		"resume":      MarkerOptimizedResume,
		"changes":     MarkerChangesMade,
		"improvement": MarkerExpectedImprovement,
	}
}

// ExtractSections returns the trimmed text following each marker up to the
// next marker or the end of content. Missing markers are omitted.
func ExtractSections(content string, markers map[string]string) map[string]string {
	if markers == nil {
		markers = DefaultSectionMarkers()
	}

	sections := make(map[string]string, len(markers))
	for name, marker := range markers {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		bodyStart := start + len(marker)

		end := len(content)
		for _, other := range markers {
			if other == marker {
				continue
			}
			if idx := strings.Index(content[bodyStart:], other); idx >= 0 && bodyStart+idx < end {
				end = bodyStart + idx
			}
		}
		sections[name] = strings.TrimSpace(content[bodyStart:end])
	}
	return sections
}
