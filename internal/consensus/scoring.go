package consensus

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

const (
	weightConfidence   = 0.4
	weightPlausibility = 0.4
	weightAgreement    = 0.2

	plausibleExtracted = 0.5
	plausibleValid     = 1.0
)

type candidate struct {
	index        int
	text         string
	key          string
	confidence   float64
	plausibility float64
	score        float64
}

type agreementGroup struct {
	key     string
	members []candidate
	score   float64
}

func (c *Coordinator) score(req Request, r response) candidate {
	cand := candidate{
		index:      r.index,
		text:       strings.TrimSpace(r.result.Text),
		confidence: clamp(r.result.Confidence),
	}
	cand.key = normalizeText(cand.text)
	if p := req.Primitive; p != nil {
		if v, ok := p.Extract(cand.text); ok {
			cand.plausibility = plausibleExtracted
			locale := req.Locale
			if locale == language.Und {
				locale = language.AmericanEnglish
			}
			if p.Validate(v, locale) == nil {
				cand.plausibility = plausibleValid
			}
			cand.key = string(p.Type()) + ":" + p.Normalize(v)
		}
	}
	cand.score = weightConfidence*cand.confidence + weightPlausibility*cand.plausibility
	return cand
}

// group merges candidates that carry the same value and orders the groups
// best first. Ties keep configured provider order.
func group(candidates []candidate) []*agreementGroup {
	byKey := make(map[string]*agreementGroup)
	var groups []*agreementGroup
	for _, c := range candidates {
		g, ok := byKey[c.key]
		if !ok {
			g = &agreementGroup{key: c.key}
			byKey[c.key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, c)
	}
	total := float64(len(candidates))
	for _, g := range groups {
		sort.SliceStable(g.members, func(i, j int) bool {
			if g.members[i].score != g.members[j].score {
				return g.members[i].score > g.members[j].score
			}
			return g.members[i].index < g.members[j].index
		})
		g.score = g.members[0].score + weightAgreement*float64(len(g.members))/total
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].score != groups[j].score {
			return groups[i].score > groups[j].score
		}
		return groups[i].firstIndex() < groups[j].firstIndex()
	})
	return groups
}

func (g *agreementGroup) best() candidate { return g.members[0] }

func (g *agreementGroup) firstIndex() int {
	first := g.members[0].index
	for _, m := range g.members[1:] {
		first = min(first, m.index)
	}
	return first
}

func (g *agreementGroup) meanConfidence() float64 {
	var sum float64
	for _, m := range g.members {
		sum += m.confidence
	}
	return sum / float64(len(g.members))
}

func normalizeText(text string) string {
	text = norm.NFKC.String(text)
	text = cases.Fold().String(text)
	text = strings.Map(func(r rune) rune {
		switch r {
		case '.', ',', '!', '?', ';', ':':
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
