// Package validate inspects provider replies for injected markup, length
// problems and signs of fabrication, and strips the harmful spans.
//
// A flagged reply is still returned to the caller in sanitized form. Nothing
// here ever causes the provider call to be repeated.
package validate

import (
	"fmt"
	"regexp"

	"go.uber.org/zap"
)

const (
	DefaultMinLength = 100
	DefaultMaxLength = 50000
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

// harmfulPatterns are both reported by Validate and removed by Sanitize.
// Sanitize keeps the first capture group of a match, if there is one.
var harmfulPatterns = []pattern{
	{"script tag", regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`)},
	{"inline event handler", regexp.MustCompile(`(?i)\s*\bon[a-z]+\s*=\s*(?:"[^"]*"|'[^']*'|[^\s>"']+)`)},
	// A scheme is followed directly by its payload, which keeps prose such as
	// "JavaScript: React" out.
	{"javascript uri", regexp.MustCompile(`(?i)javascript:(\S)`)},
	{"html data uri", regexp.MustCompile(`(?i)data:text/html`)},
}

var fabricationIndicators = []pattern{
	{"I cannot verify", regexp.MustCompile(`(?i)I cannot verify`)},
	{"I don't have access to", regexp.MustCompile(`(?i)I don'?t have access to`)},
	{"I apologize, but I cannot", regexp.MustCompile(`(?i)I apologize, but I cannot`)},
	{"I'm unable to", regexp.MustCompile(`(?i)I'?m unable to`)},
	{"I don't actually have", regexp.MustCompile(`(?i)I don'?t actually have`)},
}

type Result struct {
	Valid        bool     `json:"valid"`
	Issues       []string `json:"issues"`
	Harmful      bool     `json:"harmful"`
	Sanitized    string   `json:"sanitized"`
	QualityScore float64  `json:"quality_score"`
}

type Config struct {
	MinLength        int
	MaxLength        int
	CheckHarmful     bool
	CheckFabrication bool
}

func DefaultConfig() Config {
	return Config{
		MinLength:        DefaultMinLength,
		MaxLength:        DefaultMaxLength,
		CheckHarmful:     true,
		CheckFabrication: true,
	}
}

type Validator struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Validator {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MinLength < 0 {
		cfg.MinLength = 0
	}
	return &Validator{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "validate")),
	}
}

// Validate runs every check independently. Length and harmful-content issues
// make the reply invalid; fabrication indicators are reported but keep it valid.
func (v *Validator) Validate(content string) Result {
	var issues []string
	valid := true

	n := len(content)
	if n < v.cfg.MinLength {
		issues = append(issues, fmt.Sprintf("response too short (%d < %d chars)", n, v.cfg.MinLength))
		valid = false
	}
	if n > v.cfg.MaxLength {
		issues = append(issues, fmt.Sprintf("response too long (%d > %d chars)", n, v.cfg.MaxLength))
		valid = false
	}

	harmful := false
	if v.cfg.CheckHarmful {
		for _, p := range harmfulPatterns {
			if p.re.MatchString(content) {
				issues = append(issues, "harmful pattern detected: "+p.name)
				harmful = true
				valid = false
			}
		}
	}

	if v.cfg.CheckFabrication {
		for _, p := range fabricationIndicators {
			if p.re.MatchString(content) {
				issues = append(issues, "fabrication indicator: "+p.name)
			}
		}
	}

	sanitized := content
	if harmful {
		sanitized = Sanitize(content)
	}

	if len(issues) > 0 {
		v.logger.Warn("response validation flagged issues",
			zap.Bool("valid", valid),
			zap.Strings("issues", issues),
		)
	}

	return Result{
		Valid:        valid,
		Issues:       issues,
		Harmful:      harmful,
		Sanitized:    sanitized,
		QualityScore: AssessQuality(sanitized).Score,
	}
}

// Sanitize removes every span matched by a harmful pattern and leaves the rest
// of content untouched. Removal repeats until nothing matches, so the result is
// a fixed point.
func Sanitize(content string) string {
	for {
		out := content
		for _, p := range harmfulPatterns {
			out = p.re.ReplaceAllString(out, "${1}")
		}
		if out == content {
			return out
		}
		content = out
	}
}
