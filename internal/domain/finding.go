package domain

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Rank orders severities from most (0) to least severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	default:
		return 5
	}
}

type Finding struct {
	ID                string   `json:"id"`
	Title             string   `json:"title"`
	Severity          Severity `json:"severity"`
	VulnerabilityType string   `json:"vulnerability_type,omitempty"`
	Description       string   `json:"description,omitempty"`
	FilePath          string   `json:"file_path,omitempty"`
	LineNumber        int      `json:"line_number,omitempty"`
	CodeSnippet       string   `json:"code_snippet,omitempty"`
	Remediation       string   `json:"remediation,omitempty"`
	Confidence        float64  `json:"confidence,omitempty"`
	Verified          bool     `json:"verified"`
}

type FindingPatch struct {
	Title       *string   `json:"title,omitempty"`
	Severity    *Severity `json:"severity,omitempty"`
	Description *string   `json:"description,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Verified    *bool     `json:"verified,omitempty"`
}

func (f Finding) Apply(p FindingPatch) Finding {
	if p.Title != nil {
		f.Title = *p.Title
	}
	if p.Severity != nil {
		f.Severity = *p.Severity
	}
	if p.Description != nil {
		f.Description = *p.Description
	}
	if p.Confidence != nil {
		f.Confidence = *p.Confidence
	}
	if p.Verified != nil {
		f.Verified = *p.Verified
	}
	return f
}
