// Package template implements the Template Team Spawner: parse a
// text-format team template (a "## Team Metadata" / "## Team Members"
// heading structure, `key: value` metadata lines, and "### <name>" /
// "Role: <role>" member entries) and spawn a supervisor plus its children
// with correct parent edges. A template may also name the supervisor by a
// "Technical Lead" / "Research Lead" / "Security Lead" / "Data
// Engineering Lead" section heading instead of an explicit
// `supervisor_role:` line.
package template

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/barkain/madrox/internal/orchestrator/lifecycle"
	"github.com/barkain/madrox/internal/orchestrator/orcherr"
	"github.com/barkain/madrox/internal/orchestrator/registry"
)

// Defaults applied when a template omits the corresponding field.
const (
	DefaultTeamSize       = 6
	DefaultDuration       = "2–4 hours"
	DefaultSupervisorRole = "general"
)

// headingRoles maps the fixed supervisor-role section headings to the
// canonical role strings prompts.Loader understands.
var headingRoles = map[string]string{
	"technical lead":        "technical_lead",
	"research lead":         "research_lead",
	"security lead":         "security_lead",
	"data engineering lead": "data_engineering_lead",
}

// Member is one parsed "### <name>" team-member entry.
type Member struct {
	Name string
	Role string
}

// Parsed is a team template's extracted metadata.
type Parsed struct {
	TeamSize       int
	Duration       string
	SupervisorRole string
	Members        []Member
}

// Parse extracts a team template's metadata and member list. Absent
// fields fall back to their documented defaults; a template with no "##
// Team Members" section parses to zero members (the caller decides
// whether that is an error).
func Parse(templateText string) Parsed {
	p := Parsed{TeamSize: DefaultTeamSize, Duration: DefaultDuration, SupervisorRole: DefaultSupervisorRole}

	lines := strings.Split(templateText, "\n")
	inMembers := false
	var current *Member

	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if heading, ok := sectionHeading(line); ok {
			lower := strings.ToLower(heading)
			if role, ok := headingRoles[lower]; ok {
				p.SupervisorRole = role
			}
			inMembers = strings.Contains(lower, "team members")
			current = nil
			continue
		}

		if memberName, ok := memberHeading(line); ok {
			if current != nil {
				p.Members = append(p.Members, *current)
			}
			current = &Member{Name: memberName}
			continue
		}

		key, value, ok := metadataLine(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "team_size":
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				p.TeamSize = n
			}
		case "estimated_duration", "duration":
			p.Duration = value
		case "supervisor_role":
			p.SupervisorRole = value
		case "role":
			if inMembers && current != nil {
				current.Role = value
			}
		}
	}
	if current != nil {
		p.Members = append(p.Members, *current)
	}

	for i := range p.Members {
		if p.Members[i].Role == "" {
			p.Members[i].Role = DefaultSupervisorRole
		}
	}
	return p
}

// sectionHeading reports whether line is a "## ..." markdown heading at
// the top (non-member) level; memberHeading handles "### " member
// entries, so this only recognizes "## " level-2 headings.
func sectionHeading(line string) (string, bool) {
	if strings.HasPrefix(line, "### ") {
		return "", false
	}
	if strings.HasPrefix(line, "## ") {
		return strings.TrimSpace(strings.TrimPrefix(line, "## ")), true
	}
	return "", false
}

// memberHeading reports whether line introduces a new team member.
func memberHeading(line string) (string, bool) {
	if strings.HasPrefix(line, "### ") {
		return strings.TrimSpace(strings.TrimPrefix(line, "### ")), true
	}
	return "", false
}

// metadataLine splits a "key: value" line, the shape both the top-level
// metadata block and each member's "Role: ..."/"Responsibilities: ..."
// lines use.
func metadataLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

// Spawner spawns a supervisor and its children from a parsed template,
// wired through the already-built lifecycle.Manager.
type Spawner struct {
	lifecycle *lifecycle.Manager
}

// New builds a Spawner over an existing lifecycle.Manager.
func New(mgr *lifecycle.Manager) *Spawner {
	return &Spawner{lifecycle: mgr}
}

// SpawnTeam spawns the supervisor, then every parsed member with the
// supervisor as parent, and returns a rendered instruction string naming
// the supervisor's id. callerID is the instance
// invoking the team-spawn tool (empty when the root orchestrator itself
// calls it, in which case the supervisor's parent falls back to
// lifecycle.Manager's usual auto-detection).
func (s *Spawner) SpawnTeam(ctx context.Context, callerID, templateText, taskDescription string) (string, error) {
	parsed := Parse(templateText)
	if len(parsed.Members) == 0 {
		return "", fmt.Errorf("%w: template declares no team members", orcherr.ErrTemplateMalformed)
	}

	supervisorPrompt := fmt.Sprintf(
		"You are leading a team of %d on the following task (estimated duration %s):\n\n%s\n\nCoordinate your team members to complete it.",
		parsed.TeamSize, parsed.Duration, taskDescription,
	)
	// WaitForReady is left false: a team spawn only needs to hand back ids
	// and a rendered instruction, the same fire-and-continue semantics the
	// tool-server's plain spawn operation uses.
	supervisorID, err := s.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
		Role:          parsed.SupervisorRole,
		Kind:          registry.KindCodex,
		ParentID:      callerID,
		InitialPrompt: supervisorPrompt,
	})
	if err != nil {
		return "", fmt.Errorf("spawn team supervisor: %w", err)
	}

	var childIDs []string
	for _, member := range parsed.Members {
		childPrompt := fmt.Sprintf("You are %s on this team, reporting to supervisor %s. Your responsibility: %s", member.Name, supervisorID, taskDescription)
		childID, err := s.lifecycle.Spawn(ctx, lifecycle.SpawnRequest{
			Name:          member.Name,
			Role:          member.Role,
			Kind:          registry.KindCodex,
			ParentID:      supervisorID,
			InitialPrompt: childPrompt,
		})
		if err != nil {
			return "", fmt.Errorf("spawn team member %s: %w", member.Name, err)
		}
		childIDs = append(childIDs, childID)
	}

	return fmt.Sprintf(
		"Team spawned for task: %s\nSupervisor ID: %s\nTeam size: %d (%d members spawned)\nEstimated duration: %s\nMember instance IDs: %s",
		taskDescription, supervisorID, parsed.TeamSize, len(childIDs), parsed.Duration, strings.Join(childIDs, ", "),
	), nil
}
