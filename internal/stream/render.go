package stream

import "strings"

type segment struct {
	text string
	open bool
}

// join concatenates non-empty segments with sep. With stopAtOpen it stops
// after the first open segment, which yields the part of the output that
// later tokens can only extend.
func join(segs []segment, sep string, stopAtOpen bool) string {
	var sb strings.Builder
	wrote := false
	for _, s := range segs {
		if s.text != "" {
			if wrote {
				sb.WriteString(sep)
			}
			sb.WriteString(s.text)
			wrote = true
		}
		if stopAtOpen && s.open {
			break
		}
	}
	return sb.String()
}

// indent prefixes every line of s. A buffer that only grows at its end
// indents to a string that only grows at its end.
func indent(s, prefix string) string {
	if s == "" {
		return ""
	}
	return prefix + strings.ReplaceAll(s, "\n", "\n"+prefix)
}

func (a *Aggregator) segmentsLocked(ordered []*entry) []segment {
	segs := make([]segment, 0, len(ordered))
	switch a.strategy {
	case StrategyParallel:
		for _, e := range ordered {
			body := e.buf.String()
			text := ""
			if body != "" {
				text = "[" + e.label() + "] " + body
			}
			segs = append(segs, segment{text: text, open: !e.terminal()})
		}
	case StrategyPriority:
		if len(ordered) > 0 {
			top := ordered[0]
			segs = append(segs, segment{text: top.buf.String(), open: !top.terminal()})
		}
	case StrategyLeaderFollower:
		for i, e := range ordered {
			body := e.buf.String()
			if i > 0 {
				body = indent(body, e.opts.Indent)
			}
			segs = append(segs, segment{text: body, open: !e.terminal()})
		}
	default: // sequential, combined
		for _, e := range ordered {
			segs = append(segs, segment{text: e.buf.String(), open: !e.terminal()})
		}
	}
	return segs
}

// renderLocked returns the merged text. With stable it returns only the
// prefix that later tokens cannot change; once every stream has ended the
// stable render is the final text.
func (a *Aggregator) renderLocked(stable bool) string {
	return join(a.segmentsLocked(a.orderedLocked()), a.sep, stable)
}

// viewLocked renders the live view of the active strategy.
func (a *Aggregator) viewLocked() string {
	ordered := a.orderedLocked()
	switch a.strategy {
	case StrategySequential:
		var shown []*entry
		var firstOpen *entry
		for _, e := range ordered {
			if e.terminal() {
				shown = append(shown, e)
			} else if firstOpen == nil {
				firstOpen = e
			}
		}
		if firstOpen != nil {
			shown = append(shown, firstOpen)
		}
		return join(a.segmentsLocked(shown), a.sep, false)
	case StrategyPriority:
		for _, e := range ordered {
			if !e.terminal() {
				return e.buf.String()
			}
		}
		if len(ordered) > 0 {
			return ordered[0].buf.String()
		}
		return ""
	case StrategyLeaderFollower:
		if len(ordered) == 0 {
			return ""
		}
		if !ordered[0].terminal() {
			return ordered[0].buf.String()
		}
		return join(a.segmentsLocked(ordered), a.sep, false)
	default:
		return join(a.segmentsLocked(ordered), a.sep, false)
	}
}
