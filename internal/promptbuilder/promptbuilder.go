// Package promptbuilder implements C5: assembling the messages[] array from
// persona template, recent-history callback, optional cognitive-memory
// block, end-summary recap, and the XML-wrapped current turn. The template
// placeholder syntax ({var}, {var?}) is adapted from the teacher's
// pkg/instruction package, generalized off agent.ReadonlyContext onto a
// plain key/value map since this spec has no session-state service.
package promptbuilder

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z0-9_]+)(\??)\}`)

// RenderPersona resolves {var}/{var?} placeholders in a persona template
// against vars. A required placeholder ({var}, no '?') missing from vars is
// an error; an optional one ({var?}) resolves to empty string.
func RenderPersona(template string, vars map[string]string) (string, error) {
	var outerErr error
	out := placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		sub := placeholderRegex.FindStringSubmatch(match)
		name, optional := sub[1], sub[2] == "?"
		if v, ok := vars[name]; ok {
			return v
		}
		if optional {
			return ""
		}
		outerErr = fmt.Errorf("promptbuilder: required placeholder %q not supplied", name)
		return match
	})
	if outerErr != nil {
		return "", outerErr
	}
	return out, nil
}

// HistoryFetcher supplies the recent-history block; callers provide their
// own history accessor (e.g. backed by internal/storage.HistoryStore) so
// this package stays free of a storage dependency.
type HistoryFetcher func() (string, error)

// CognitiveBlock is the optional memory section: a profile plus top-K
// relevant events, already rendered to text by the historian/vector layer.
type CognitiveBlock struct {
	ProfileText string
	EventsText  string
}

func (c *CognitiveBlock) render() string {
	if c == nil || (c.ProfileText == "" && c.EventsText == "") {
		return ""
	}
	var b strings.Builder
	b.WriteString("<cognitive_memory>\n")
	if c.ProfileText != "" {
		fmt.Fprintf(&b, "<profile>%s</profile>\n", escape(c.ProfileText))
	}
	if c.EventsText != "" {
		fmt.Fprintf(&b, "<events>%s</events>\n", escape(c.EventsText))
	}
	b.WriteString("</cognitive_memory>")
	return b.String()
}

// Turn is the current inbound message, wrapped in XML per §4.5(e). Every
// field is escaped; no caller-controlled string is interpolated unescaped.
type Turn struct {
	Sender    string
	SenderID  string
	GroupID   string
	GroupName string
	Location  string
	Role      string
	Title     string
	Time      string
	Body      string
}

func (t Turn) render() string {
	var attrs strings.Builder
	writeAttr(&attrs, "sender", t.Sender)
	writeAttr(&attrs, "sender_id", t.SenderID)
	if t.GroupID != "" {
		writeAttr(&attrs, "group_id", t.GroupID)
	}
	if t.GroupName != "" {
		writeAttr(&attrs, "group_name", t.GroupName)
	}
	writeAttr(&attrs, "location", t.Location)
	if t.Role != "" {
		writeAttr(&attrs, "role", t.Role)
	}
	if t.Title != "" {
		writeAttr(&attrs, "title", t.Title)
	}
	writeAttr(&attrs, "time", t.Time)

	return fmt.Sprintf("<message%s>%s</message>", attrs.String(), escape(t.Body))
}

func writeAttr(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, " %s=%q", name, xmlAttrEscape(value))
}

// escape applies XML text escaping.
func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

// xmlAttrEscape escapes a string for use inside a double-quoted XML
// attribute value; encoding/xml only exposes text escaping, so attribute
// quotes need one extra pass.
func xmlAttrEscape(s string) string {
	escaped := escape(s)
	return strings.ReplaceAll(escaped, `"`, "&quot;")
}

// Build assembles the two-role messages[] array: one system message (persona
// + cognitive memory + end-summary recap) and one user message (history
// block, if any, followed by the XML-wrapped current turn). Tool/assistant
// roles are appended later by the loop, per §4.5's invariant.
func Build(persona string, history HistoryFetcher, cognitive *CognitiveBlock, endSummaries []string, turn Turn) (system string, user string, err error) {
	var sys strings.Builder
	sys.WriteString(persona)
	if block := cognitive.render(); block != "" {
		sys.WriteString("\n\n")
		sys.WriteString(block)
	}
	if len(endSummaries) > 0 {
		sys.WriteString("\n\n<recent_actions>\n")
		for _, s := range endSummaries {
			fmt.Fprintf(&sys, "- %s\n", escape(s))
		}
		sys.WriteString("</recent_actions>")
	}

	var usr strings.Builder
	if history != nil {
		block, herr := history()
		if herr != nil {
			return "", "", fmt.Errorf("promptbuilder: history callback: %w", herr)
		}
		if block != "" {
			usr.WriteString(block)
			usr.WriteString("\n")
		}
	}
	usr.WriteString(turn.render())

	return sys.String(), usr.String(), nil
}
