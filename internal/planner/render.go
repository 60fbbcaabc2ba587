package planner

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/fact"
)

// OriginLinkID is replaced with the link's own id once it joins a chain.
const OriginLinkID = "origin_link_id"

var placeholder = regexp.MustCompile(`#\{(.*?)\}`)

// Env carries the operation context used for special traits.
type Env struct {
	Server string
	Group  string
	// Visibility caps the ability visibility score; zero means no cap.
	Visibility int
}

// Rendered is the result of substituting a command template.
type Rendered struct {
	Command string
	Used    []fact.Fact
	Missing []string
	Score   int
}

// Variables returns the distinct placeholder names in template, in order of
// first appearance.
func Variables(template string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// special resolves traits that come from agent or operation context.
func special(trait string, ag agent.Agent, env Env) (string, bool) {
	switch trait {
	case "server":
		return env.Server, true
	case "group":
		if env.Group != "" {
			return env.Group, true
		}
		return ag.Group, true
	case "location":
		return ag.Location, true
	case "paw":
		return ag.Paw, true
	}
	return "", false
}

// Render substitutes every #{trait} in template. Special traits come from
// env and ag; the rest take the preferred fact from facts. origin_link_id is
// left in place.
func Render(template string, ag agent.Agent, env Env, facts *fact.Store) Rendered {
	var r Rendered
	values := make(map[string]string)
	for _, v := range Variables(template) {
		if v == OriginLinkID {
			continue
		}
		if val, ok := special(v, ag, env); ok {
			values[v] = val
			continue
		}
		f, ok := facts.Best(v, ag.Paw)
		if !ok {
			r.Missing = append(r.Missing, v)
			continue
		}
		values[v] = f.Value
		r.Used = append(r.Used, f)
		r.Score += f.Score
	}
	sort.Strings(r.Missing)
	r.Command = placeholder.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		if val, ok := values[name]; ok {
			return val
		}
		return m
	})
	return r
}

// ReplaceOrigin substitutes #{origin_link_id} with id.
func ReplaceOrigin(command, id string) string {
	return strings.ReplaceAll(command, "#{"+OriginLinkID+"}", id)
}
