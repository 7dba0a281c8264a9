// Package bbcode renders a configurable subset of BBCode to HTML on top of
// github.com/frustra/bbcode. Everything that is not an accepted, balanced tag
// is escaped and kept as literal text.
package bbcode

import (
	"fmt"
	"strings"

	bb "github.com/frustra/bbcode"
)

// DefaultTags are the tags accepted when no list is configured.
var DefaultTags = []string{"b", "i", "sup", "sub", "u", "s"}

// renderable maps an accepted BBCode tag to the HTML element it becomes.
var renderable = map[string]string{
	"b":      "b",
	"i":      "i",
	"u":      "u",
	"s":      "s",
	"sup":    "sup",
	"sub":    "sub",
	"em":     "em",
	"strong": "strong",
	"code":   "code",
	"small":  "small",
}

type Config struct {
	AcceptedTags []string `yaml:"accepted_tags" json:"accepted_tags"`
}

// Renderer is immutable after New and safe for concurrent use.
type Renderer struct {
	tags     map[string]string
	compiler bb.Compiler
}

func New(cfg Config) (*Renderer, error) {
	tags := cfg.AcceptedTags
	if tags == nil {
		tags = DefaultTags
	}
	r := &Renderer{
		tags:     make(map[string]string, len(tags)),
		compiler: bb.NewCompiler(false, false),
	}
	// Start from an empty tag set; anything without a compiler is echoed back
	// as text.
	for name := range bb.DefaultTagCompilers {
		r.compiler.SetTag(name, nil)
	}
	for _, raw := range tags {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || !isTagName(name) {
			return nil, fmt.Errorf("bbcode: malformed tag %q", raw)
		}
		el, ok := renderable[name]
		if !ok {
			return nil, fmt.Errorf("bbcode: tag %q is not renderable", raw)
		}
		if _, dup := r.tags[name]; dup {
			return nil, fmt.Errorf("bbcode: duplicate tag %q", raw)
		}
		r.tags[name] = el
		r.compiler.SetTag(name, element(el))
	}
	return r, nil
}

// element renders a balanced tag as a bare HTML element. Tag arguments are
// dropped.
func element(name string) bb.TagCompilerFunc {
	return func(*bb.BBCodeNode) (*bb.HTMLTag, bool) {
		out := bb.NewHTMLTag("")
		out.Name = name
		return out, true
	}
}

// Tags returns the accepted tag names in no particular order.
func (r *Renderer) Tags() []string {
	out := make([]string, 0, len(r.tags))
	for t := range r.tags {
		out = append(out, t)
	}
	return out
}

// Render returns s as HTML. Accepted tags render only when properly opened and
// closed; stray or unknown tags stay as escaped text. Newlines become <br>.
func (r *Renderer) Render(s string) string {
	return r.compiler.Compile(s)
}

func isTagName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < 'a' || c > 'z') && (i == 0 || c < '0' || c > '9') {
			return false
		}
	}
	return true
}
