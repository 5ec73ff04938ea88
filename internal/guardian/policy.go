// Package guardian scans the artifact table for corrupt or suspicious
// records, quarantines them and purges them.
package guardian

import (
	"bytes"
	"slices"
	"strings"

	"github.com/maruel/memlake/internal/artifact"
)

// Verdict is the outcome of a [Policy] on one artifact.
type Verdict struct {
	Corrupt bool   `json:"corrupt"`
	Suspect bool   `json:"suspect"`
	Reason  string `json:"reason"`
}

// Signal reports whether the verdict flags the artifact.
func (v Verdict) Signal() bool {
	return v.Corrupt || v.Suspect
}

// Label returns the metrics label of the verdict.
func (v Verdict) Label() string {
	switch {
	case v.Corrupt:
		return "corrupt"
	case v.Suspect:
		return "suspect"
	default:
		return "none"
	}
}

// Policy classifies one artifact. Implementations must be pure and safe for
// concurrent use.
type Policy interface {
	Evaluate(a *artifact.Artifact) Verdict
}

// Heuristic defaults.
const (
	CorruptionMarker       = "CORRUPTED_SECTOR_DATA"
	LargeAbsentThreshold   = 256 * 1024
	ReasonMarker           = "Corrupted sector marker detected"
	ReasonOffloaded        = "Offloaded external reference"
	ReasonBrokenReference  = "Large file has null content (possible broken reference)"
	ReasonUnusualExtension = "Code category with unusual extension"
	ReasonNoSignal         = "No signal"
)

// DefaultCodeExtensions is the extension allow-list of the code category.
var DefaultCodeExtensions = []string{"js", "ts", "tsx", "json"}

// HeuristicPolicy is the string-search corruption heuristic. Rules apply in
// order and the first match wins:
//
//  1. inline content contains Marker: corrupt
//  2. offloaded: valid external reference, no signal
//  3. no content while SizeBytes exceeds Threshold: suspect
//  4. code category with an extension outside CodeExtensions: suspect
type HeuristicPolicy struct {
	Marker         string
	Threshold      int64
	CodeExtensions []string
}

// NewHeuristicPolicy returns the heuristic with its default constants.
func NewHeuristicPolicy() *HeuristicPolicy {
	return &HeuristicPolicy{
		Marker:         CorruptionMarker,
		Threshold:      LargeAbsentThreshold,
		CodeExtensions: DefaultCodeExtensions,
	}
}

// Evaluate implements [Policy].
func (p *HeuristicPolicy) Evaluate(a *artifact.Artifact) Verdict {
	data, inline := a.Content.Bytes()
	if inline && p.Marker != "" {
		// Compressed payloads are checked once decoded; undecodable ones as
		// stored.
		if decoded, _, err := a.Decoded(); err == nil {
			data = decoded
		}
		if bytes.Contains(data, []byte(p.Marker)) {
			return Verdict{Corrupt: true, Reason: ReasonMarker}
		}
	}
	if a.Status == artifact.StatusOffloaded {
		return Verdict{Reason: ReasonOffloaded}
	}
	if len(data) == 0 && a.SizeBytes > p.Threshold {
		return Verdict{Suspect: true, Reason: ReasonBrokenReference}
	}
	if a.Category == artifact.CategoryCode && !slices.Contains(p.CodeExtensions, strings.ToLower(a.Extension)) {
		return Verdict{Suspect: true, Reason: ReasonUnusualExtension}
	}
	return Verdict{Reason: ReasonNoSignal}
}

type chain []Policy

// Chain returns a policy that asks each policy in turn and returns the first
// verdict with a signal.
func Chain(policies ...Policy) Policy {
	return chain(slices.Clone(policies))
}

func (c chain) Evaluate(a *artifact.Artifact) Verdict {
	v := Verdict{Reason: ReasonNoSignal}
	for i, p := range c {
		got := p.Evaluate(a)
		if got.Signal() {
			return got
		}
		if i == 0 {
			v = got
		}
	}
	return v
}
