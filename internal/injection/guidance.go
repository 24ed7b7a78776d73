package injection

import (
	"fmt"
	"strings"
)

var sectionGuidance = map[string]string{
	SectionIntroduction: "Review the Introduction section below. Please provide:\n" +
		"1. Domain-specific context or terminology clarifications\n" +
		"2. Suggestions to strengthen the novelty or contribution claims\n" +
		"3. Any factual corrections or nuanced interpretations",
	SectionResults: "Review the Results section below. Please provide:\n" +
		"1. Alternative interpretations of the findings\n" +
		"2. Statistical or methodological nuances to highlight\n" +
		"3. Suggestions for clearer data presentation",
	SectionDiscussion: "Review the Discussion section below. Please provide:\n" +
		"1. Additional implications or broader context\n" +
		"2. Limitations or caveats to acknowledge\n" +
		"3. Connections to related work or alternative viewpoints",
	SectionConclusion: "Review the Conclusion section below. Please provide:\n" +
		"1. Future research directions to suggest\n" +
		"2. Broader impact or practical applications\n" +
		"3. Final thoughts on significance or relevance",
}

const defaultGuidance = "Review the text below and provide any improvements, clarifications, or additions:"

// Guidance builds the prompt shown to the person asked for input.
func Guidance(section, before, after string) string {
	base, ok := sectionGuidance[section]
	if !ok {
		base = defaultGuidance
	}
	rule := strings.Repeat("=", 60)
	return fmt.Sprintf("%s\n\n%s\nCONTEXT:\n%s\n\n[INJECTION POINT HERE]\n\n%s\n%s", base, rule, before, after, rule)
}

// Format renders p for display, including the reply options.
func Format(p Point) string {
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nHUMAN INJECTION POINT - %s\nPriority: %s (%d/5)\n%s\n",
		rule, strings.ToUpper(p.Section), strings.Repeat("*", p.Priority), p.Priority, rule)
	b.WriteString(p.Guidance)
	fmt.Fprintf(&b, "\n%s\nOPTIONS:\n", rule)
	b.WriteString("1. Provide your input (write your response)\n")
	fmt.Fprintf(&b, "2. Skip this injection point (reply %q)\n", ReplySkip)
	fmt.Fprintf(&b, "3. Skip all remaining injection points (reply %q)\n", ReplySkipAll)
	b.WriteString(rule + "\n")
	return b.String()
}
