package ticket

import (
	"math"
	"sort"
	"strings"

	"github.com/liamcoop/automation/tenant"
)

const (
	skillWeight       = 0.45
	loadWeight        = 0.35
	performanceWeight = 0.2
	regionalBonus     = 10.0
	maxScore          = 100
)

// EngineerProfile is read by the scorer; load is maintained by assignment.
type EngineerProfile struct {
	ID               string    `json:"id"`
	TenantID         tenant.ID `json:"tenantId"`
	Name             string    `json:"name,omitempty"`
	Skills           []string  `json:"skills"`
	Region           string    `json:"region"`
	OnDuty           bool      `json:"onDuty"`
	CurrentLoad      int       `json:"currentLoad"`
	MaxLoad          int       `json:"maxLoad"`
	PerformanceScore float64   `json:"performanceScore"`
}

// Requirement is what a ticket asks of an engineer.
type Requirement struct {
	Skills []string
	Region string
}

// RequirementFor derives the scoring requirement from a ticket.
func RequirementFor(t *Ticket) Requirement {
	return Requirement{Skills: t.RequiredSkills, Region: t.Region}
}

// Candidate is one scored engineer.
type Candidate struct {
	Engineer      EngineerProfile `json:"engineer"`
	SkillMatch    float64         `json:"skillMatch"`
	LoadScore     float64         `json:"loadScore"`
	RegionalBonus float64         `json:"regionalBonus"`
	Total         int             `json:"total"`
}

// Ranking is the scorer output. Backup is nil with fewer than two eligible
// candidates; Primary is nil with none.
type Ranking struct {
	Primary *Candidate  `json:"primary,omitempty"`
	Backup  *Candidate  `json:"backup,omitempty"`
	Ranked  []Candidate `json:"ranked"`
}

// Score ranks on-duty candidates for req. Equal totals keep input order.
func Score(req Requirement, candidates []EngineerProfile) Ranking {
	ranked := make([]Candidate, 0, len(candidates))
	for _, e := range candidates {
		if !e.OnDuty {
			continue
		}
		ranked = append(ranked, scoreOne(req, e))
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Total > ranked[j].Total
	})

	r := Ranking{Ranked: ranked}
	if len(ranked) > 0 {
		r.Primary = &ranked[0]
	}
	if len(ranked) > 1 {
		r.Backup = &ranked[1]
	}
	return r
}

func scoreOne(req Requirement, e EngineerProfile) Candidate {
	c := Candidate{
		Engineer:   e,
		SkillMatch: skillMatch(req.Skills, e.Skills),
	}
	if e.MaxLoad > 0 {
		c.LoadScore = math.Max(0, 100*(1-float64(e.CurrentLoad)/float64(e.MaxLoad)))
	}
	if req.Region != "" && req.Region == e.Region {
		c.RegionalBonus = regionalBonus
	}

	total := c.SkillMatch*skillWeight + c.LoadScore*loadWeight + e.PerformanceScore*performanceWeight + c.RegionalBonus
	c.Total = int(math.Round(total))
	if c.Total > maxScore {
		c.Total = maxScore
	}
	return c
}

// skillMatch is the percentage of distinct required skills the engineer has.
func skillMatch(required, have []string) float64 {
	want := make(map[string]struct{}, len(required))
	for _, s := range required {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			want[s] = struct{}{}
		}
	}
	if len(want) == 0 {
		return 100
	}
	matched := 0
	seen := make(map[string]struct{}, len(have))
	for _, s := range have {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := want[s]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want)) * 100
}
