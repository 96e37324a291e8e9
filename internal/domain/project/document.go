package project

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Document is the assembled Product Requirements Document.
type Document struct {
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Objectives  []string  `json:"objectives"`
	TargetUsers []string  `json:"target_users,omitempty"`
	Goals       []string  `json:"goals,omitempty"`
	Features    []Feature `json:"features"`
	Research    []Finding `json:"research,omitempty"`
	Status      Status    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
}

// BuildDocument assembles a PRD from the validated features of c.
// Features are ordered by priority, then by name.
func BuildDocument(c *Context, now time.Time) Document {
	features := make([]Feature, 0, len(c.Features))
	for name, f := range c.Features {
		if c.FeaturesStatus[name] != FeatureValidated {
			continue
		}
		features = append(features, f.Clone())
	}
	sort.Slice(features, func(i, j int) bool {
		ri, rj := priorityRank(features[i].Priority), priorityRank(features[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return features[i].Name < features[j].Name
	})

	research := make([]Finding, len(c.Findings))
	copy(research, c.Findings)

	return Document{
		ProjectID:   c.ID,
		Title:       c.Title,
		Description: c.Description,
		Objectives:  append([]string(nil), c.Objectives...),
		TargetUsers: append([]string(nil), c.TargetUsers...),
		Goals:       append([]string(nil), c.Goals...),
		Features:    features,
		Research:    research,
		Status:      c.Status,
		GeneratedAt: now,
	}
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Markdown renders the document as Markdown.
func (d Document) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	if d.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", d.Description)
	}

	writeList(&b, "Objectives", d.Objectives)
	writeList(&b, "Target Users", d.TargetUsers)
	writeList(&b, "Goals", d.Goals)

	b.WriteString("## Features\n\n")
	if len(d.Features) == 0 {
		b.WriteString("_No validated features yet._\n\n")
	}
	for _, f := range d.Features {
		fmt.Fprintf(&b, "### %s (%s)\n\n%s\n\n", f.Name, f.Priority, f.Description)
		if len(f.Requirements) > 0 {
			b.WriteString("**Requirements**\n\n")
			for _, r := range f.Requirements {
				fmt.Fprintf(&b, "- %s\n", r)
			}
			b.WriteString("\n")
		}
		if len(f.Dependencies) > 0 {
			b.WriteString("**Dependencies**\n\n")
			for _, dep := range f.Dependencies {
				fmt.Fprintf(&b, "- %s\n", dep)
			}
			b.WriteString("\n")
		}
	}

	if len(d.Research) > 0 {
		b.WriteString("## Research\n\n")
		for _, r := range d.Research {
			fmt.Fprintf(&b, "### %s\n\n", r.Query)
			for _, f := range r.Findings {
				fmt.Fprintf(&b, "- %s\n", f)
			}
			for _, s := range r.Sources {
				fmt.Fprintf(&b, "- <%s>\n", s)
			}
			b.WriteString("\n")
		}
	}

	fmt.Fprintf(&b, "---\nGenerated %s\n", d.GeneratedAt.UTC().Format(time.RFC3339))
	return b.String()
}

func writeList(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}
