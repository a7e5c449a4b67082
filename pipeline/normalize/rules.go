package normalize

import (
	"strings"
	"unicode"

	"github.com/medscribe/notegraph/pipeline/stage"
)

// poaTag marks a problem as present on admission.
const poaTag = "(POA)"

// ExamBullets rewrites each line of the exam narrative as a bullet. Lines
// that are already bulleted ("- " or "* "), heading lines ("#"), and blank
// lines pass through untouched.
func ExamBullets(out *stage.Output) []string {
	if out.Exam == nil || out.Exam.Narrative == "" {
		return nil
	}

	var issues []string
	lines := strings.Split(out.Exam.Narrative, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			continue
		}
		cleaned := strings.TrimLeft(trimmed, "-•* \t")
		lines[i] = "- " + cleaned
		issues = append(issues, note("exam line %d rewritten as bullet", i+1))
	}
	if len(issues) > 0 {
		out.Exam.Narrative = strings.Join(lines, "\n")
	}
	return issues
}

// ProblemHeadings repairs the orchestrator problem list headings: title
// casing, the provenance tag, and numeric suffixes for duplicate headings.
func ProblemHeadings(out *stage.Output) []string {
	if out.Plan == nil {
		return nil
	}

	var issues []string
	problems := out.Plan.Problems

	for i := range problems {
		titled := titleCase(problems[i].Heading)
		if titled != problems[i].Heading {
			issues = append(issues, note("problem %d heading title-cased", i+1))
			problems[i].Heading = titled
		}
		if !strings.Contains(problems[i].Heading, poaTag) {
			problems[i].Heading += " " + poaTag
			issues = append(issues, note("problem %d tagged %s", i+1, poaTag))
		}
	}

	// Duplicate headings get " #2", " #3" suffixes in list order.
	seen := make(map[string]int)
	for i := range problems {
		key := strings.ToLower(problems[i].Heading)
		seen[key]++
		if n := seen[key]; n > 1 {
			problems[i].Heading = note("%s #%d", problems[i].Heading, n)
			issues = append(issues, note("problem %d heading deduplicated", i+1))
		}
	}
	return issues
}

// ProblemPlanItems gives every plan item a checkbox prefix and terminal
// punctuation.
func ProblemPlanItems(out *stage.Output) []string {
	if out.Plan == nil {
		return nil
	}

	var issues []string
	for i := range out.Plan.Problems {
		for j, item := range out.Plan.Problems[i].Plan {
			fixed := strings.TrimSpace(item)
			if !strings.HasPrefix(fixed, "[] ") {
				fixed = "[] " + strings.TrimLeft(fixed, "[] ")
			}
			if !strings.HasSuffix(fixed, ".") {
				fixed += "."
			}
			if fixed != item {
				out.Plan.Problems[i].Plan[j] = fixed
				issues = append(issues, note("problem %d plan item %d reformatted", i+1, j+1))
			}
		}
	}
	return issues
}

// titleCase capitalizes lowercase words and leaves anything containing an
// uppercase rune alone, so acronyms, the provenance tag, and dedup suffixes
// survive renormalization.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, word := range words {
		if strings.IndexFunc(word, unicode.IsUpper) >= 0 {
			continue
		}
		runes := []rune(word)
		for j, r := range runes {
			if unicode.IsLetter(r) {
				runes[j] = unicode.ToUpper(r)
				break
			}
		}
		words[i] = string(runes)
	}
	return strings.Join(words, " ")
}
