package workflow

import (
	"fmt"
	"strings"
)

// buildCreationPrompt constructs the prompt for a story-creation agent.
func buildCreationPrompt(deps Deps, p CreationParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are writing a story artifact for work item %s.

TITLE:
%s

DESCRIPTION:
%s

Write a story file under %s whose filename starts with %q. The story must
contain a goal statement, acceptance criteria, and a "## Tasks" section
listing the implementation tasks as markdown checkboxes ("- [ ] ...").
`, p.Key, orUnspecified(p.Title), orUnspecified(p.Description), deps.StoriesDir, p.Key)

	appendDecisions(&b, deps, p.Key)

	b.WriteString(`
End your response with a fenced yaml block:

` + "```yaml" + `
result: success | failed
story_path: <path to the story file you wrote>
` + "```" + `
`)
	return b.String()
}

// buildDevelopmentPrompt constructs the prompt for an implementation agent.
func buildDevelopmentPrompt(deps Deps, p DevParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are implementing work item %s.

STORY FILE:
%s

Read the story file and implement it.
`, p.Key, p.StoryPath)

	if len(p.BatchTasks) > 0 {
		fmt.Fprintf(&b, "\nThis is batch %d of %d. Implement ONLY these tasks:\n", p.BatchIndex+1, p.BatchCount)
		for _, task := range p.BatchTasks {
			fmt.Fprintf(&b, "- %s\n", task)
		}
	}

	if len(p.PriorFiles) > 0 {
		b.WriteString("\nEarlier batches already modified these files; build on them, do not rewrite them from scratch:\n")
		for _, f := range p.PriorFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	appendDecisions(&b, deps, p.Key)

	b.WriteString(`
End your response with a fenced yaml block:

` + "```yaml" + `
result: success | failed
files_modified:
  - <each file you created or changed>
` + "```" + `
`)
	return b.String()
}

// buildReviewPrompt constructs the prompt for a review agent.
func buildReviewPrompt(deps Deps, p ReviewParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are reviewing the implementation of work item %s.

STORY FILE:
%s
`, p.Key, p.StoryPath)

	if len(p.FilesModified) > 0 {
		b.WriteString("\nFILES MODIFIED:\n")
		for _, f := range p.FilesModified {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if len(p.PriorIssues) > 0 {
		fmt.Fprintf(&b, "\nThis is re-review cycle %d. Check ONLY whether these previously reported issues are resolved:\n", p.Cycle)
		for _, issue := range p.PriorIssues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	} else {
		b.WriteString(`
Review the implementation against the story's acceptance criteria. Check
correctness, error handling, and test coverage.
`)
	}

	b.WriteString(`
End your response with a fenced yaml block:

` + "```yaml" + `
verdict: SHIP_IT | MINOR_FIX | MAJOR_REWORK
issues:
  - <each concrete issue that must be addressed, empty for SHIP_IT>
` + "```" + `
`)
	return b.String()
}

// buildFixPrompt constructs the prompt for a fix agent. When the review
// supplied no issue list the agent gets a generic rework instruction.
func buildFixPrompt(deps Deps, p FixParams) string {
	var b strings.Builder

	fmt.Fprintf(&b, `You are fixing review findings for work item %s.

STORY FILE:
%s

REVIEW VERDICT: %s
`, p.Key, p.StoryPath, p.Verdict)

	if len(p.Issues) > 0 {
		b.WriteString("\nAddress every one of these issues:\n")
		for _, issue := range p.Issues {
			fmt.Fprintf(&b, "- %s\n", issue)
		}
	} else {
		b.WriteString(`
The reviewer did not itemize issues. Re-read the story file, compare the
implementation against its acceptance criteria, and fix whatever falls
short.
`)
	}

	appendDecisions(&b, deps, p.Key)

	b.WriteString(`
End your response with a fenced yaml block:

` + "```yaml" + `
result: success | failed
` + "```" + `
`)
	return b.String()
}

// appendDecisions adds architecture constraints from the decision store
// when one is configured. Read failures are silently skipped; prompts
// degrade rather than fail.
func appendDecisions(b *strings.Builder, deps Deps, key string) {
	if deps.Decisions == nil {
		return
	}
	text, err := deps.Decisions.Decisions(key)
	if err != nil || strings.TrimSpace(text) == "" {
		return
	}
	b.WriteString("\nARCHITECTURE CONSTRAINTS:\n")
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
}

func orUnspecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(not specified)"
	}
	return s
}
