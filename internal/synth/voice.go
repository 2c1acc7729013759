package synth

import "fmt"

// Gender selects the provider voice.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// PerformanceMode trades markup naturalness against synthesis latency.
type PerformanceMode string

const (
	ModeFast     PerformanceMode = "fast"
	ModeBalanced PerformanceMode = "balanced"
	ModeQuality  PerformanceMode = "quality"
)

// Voice is the process-wide voice configuration.
type Voice struct {
	Gender      Gender
	Performance PerformanceMode
}

func ParseGender(s string) (Gender, error) {
	switch Gender(s) {
	case GenderMale, GenderFemale:
		return Gender(s), nil
	}
	return "", fmt.Errorf("unknown gender %q", s)
}

func ParsePerformanceMode(s string) (PerformanceMode, error) {
	switch PerformanceMode(s) {
	case ModeFast, ModeBalanced, ModeQuality:
		return PerformanceMode(s), nil
	}
	return "", fmt.Errorf("unknown performance mode %q", s)
}
