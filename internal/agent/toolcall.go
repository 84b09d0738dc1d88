package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// toolCall is one parsed viewer invocation. The LLM emits calls as Python-ish
// code strings ("plot_window(100, 200, True)"); they are parsed into a name
// plus positional and keyword arguments and dispatched through a fixed
// command table, never evaluated.
type toolCall struct {
	Name   string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
}

func parseToolCall(s string) (*toolCall, error) {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "(")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("not a function call: %q", s)
	}
	name := strings.TrimSpace(s[:open])
	if name == "" {
		return nil, fmt.Errorf("missing function name: %q", s)
	}
	c := &toolCall{Name: name, Kwargs: map[string]json.RawMessage{}}

	inner := strings.TrimSpace(s[open+1 : len(s)-1])
	if inner == "" {
		return c, nil
	}
	for _, arg := range splitArgs(inner) {
		arg = strings.TrimSpace(arg)
		if key, val, ok := splitKwarg(arg); ok {
			raw, err := pythonLiteralToJSON(val)
			if err != nil {
				return nil, err
			}
			c.Kwargs[key] = raw
			continue
		}
		raw, err := pythonLiteralToJSON(arg)
		if err != nil {
			return nil, err
		}
		c.Args = append(c.Args, raw)
	}
	return c, nil
}

// splitArgs splits on top-level commas, respecting brackets and quotes.
func splitArgs(s string) []string {
	var out []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func splitKwarg(arg string) (key, val string, ok bool) {
	eq := strings.Index(arg, "=")
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(arg[:eq])
	for _, r := range key {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return "", "", false
		}
	}
	// "==" is a comparison, not a kwarg.
	if eq+1 < len(arg) && arg[eq+1] == '=' {
		return "", "", false
	}
	return key, strings.TrimSpace(arg[eq+1:]), true
}

// pythonLiteralToJSON rewrites Python literal syntax (True/False/None,
// single-quoted strings) into JSON and validates it.
func pythonLiteralToJSON(s string) (json.RawMessage, error) {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			if ch == '\\' && i+1 < len(s) {
				b.WriteByte(ch)
				i++
				b.WriteByte(s[i])
				continue
			}
			if ch == quote {
				quote = 0
				b.WriteByte('"')
				continue
			}
			if ch == '"' && quote == '\'' {
				b.WriteString(`\"`)
				continue
			}
			b.WriteByte(ch)
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			b.WriteByte('"')
		case hasWordAt(s, i, "True"):
			b.WriteString("true")
			i += 3
		case hasWordAt(s, i, "False"):
			b.WriteString("false")
			i += 4
		case hasWordAt(s, i, "None"):
			b.WriteString("null")
			i += 3
		case ch == '(':
			b.WriteByte('[')
		case ch == ')':
			b.WriteByte(']')
		default:
			b.WriteByte(ch)
		}
	}
	raw := json.RawMessage(b.String())
	if !json.Valid(raw) {
		return nil, fmt.Errorf("cannot parse argument %q", s)
	}
	return raw, nil
}

func hasWordAt(s string, i int, word string) bool {
	if !strings.HasPrefix(s[i:], word) {
		return false
	}
	end := i + len(word)
	if end < len(s) {
		next := s[end]
		if next == '_' || next >= 'a' && next <= 'z' || next >= 'A' && next <= 'Z' || next >= '0' && next <= '9' {
			return false
		}
	}
	if i > 0 {
		prev := s[i-1]
		if prev == '_' || prev >= 'a' && prev <= 'z' || prev >= 'A' && prev <= 'Z' || prev >= '0' && prev <= '9' {
			return false
		}
	}
	return true
}

// arg returns the value at the positional index or under the keyword name.
func (c *toolCall) arg(pos int, name string) (json.RawMessage, bool) {
	if pos < len(c.Args) {
		return c.Args[pos], true
	}
	raw, ok := c.Kwargs[name]
	return raw, ok
}

func (c *toolCall) intArg(pos int, name string) (int, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return 0, fmt.Errorf("missing argument %q", name)
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("argument %q must be an integer", name)
	}
	return v, nil
}

func (c *toolCall) boolArg(pos int, name string) (bool, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return false, fmt.Errorf("missing argument %q", name)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("argument %q must be a boolean", name)
	}
	return v, nil
}

func (c *toolCall) stringArg(pos int, name string) (string, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("argument %q must be a string", name)
	}
	return v, nil
}

func (c *toolCall) stringListArg(pos int, name string) ([]string, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	var v []string
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("argument %q must be a list of strings", name)
	}
	return v, nil
}

func (c *toolCall) intListArg(pos int, name string) ([]int, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	var v []int
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("argument %q must be a list of integers", name)
	}
	return v, nil
}

func (c *toolCall) floatListArg(pos int, name string) ([]float64, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	var v []float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("argument %q must be a list of numbers", name)
	}
	return v, nil
}

func (c *toolCall) rangesArg(pos int, name string) (map[string][2]float64, error) {
	raw, ok := c.arg(pos, name)
	if !ok {
		return nil, fmt.Errorf("missing argument %q", name)
	}
	var v map[string][2]float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("argument %q must map channel names to [ymin, ymax]", name)
	}
	return v, nil
}

// Dispatch parses and runs one tool-call string against the viewer. Errors
// are folded into the result text so the LLM can read them and self-correct.
func (v *Viewer) Dispatch(call string) *ToolResult {
	res, err := v.dispatch(call)
	if err != nil {
		return &ToolResult{Desc: fmt.Sprintf(
			"There is error calling the function: %s. The message of error is: %s. Please revise your tool calling string.",
			call, err)}
	}
	return res
}

func (v *Viewer) dispatch(call string) (*ToolResult, error) {
	c, err := parseToolCall(call)
	if err != nil {
		return nil, err
	}
	switch c.Name {
	case "plot_all":
		return v.PlotAll()
	case "plot_window":
		start, err := c.intArg(0, "start")
		if err != nil {
			return nil, err
		}
		end, err := c.intArg(1, "end")
		if err != nil {
			return nil, err
		}
		zoomed, err := c.boolArg(2, "y_zoomed")
		if err != nil {
			return nil, err
		}
		return v.PlotWindow(start, end, zoomed)
	case "plot_window_with_window_size":
		mid, err := c.intArg(0, "mid_idx")
		if err != nil {
			return nil, err
		}
		size, err := c.intArg(1, "window_size")
		if err != nil {
			return nil, err
		}
		zoomed, err := c.boolArg(2, "y_zoomed")
		if err != nil {
			return nil, err
		}
		return v.PlotWindowWithSize(mid, size, zoomed)
	case "plot_left":
		return v.Left()
	case "plot_right":
		return v.Right()
	case "plot_zoom_in_x":
		return v.ZoomInX()
	case "plot_zoom_out_x":
		return v.ZoomOutX()
	case "plot_zoom_in_y":
		return v.ZoomInY()
	case "plot_zoom_out_y":
		return v.ZoomOutY()
	case "plot_derivative":
		channels, err := c.stringListArg(0, "channels")
		if err != nil {
			return nil, err
		}
		return v.PlotDerivative(channels)
	case "plot_second_derivative":
		channels, err := c.stringListArg(0, "channels")
		if err != nil {
			return nil, err
		}
		return v.PlotSecondDerivative(channels)
	case "plot_with_y_range", "plot_with_y_ranges":
		ranges, err := c.rangesArg(0, "y_ranges")
		if err != nil {
			return nil, err
		}
		return v.PlotWithYRanges(ranges)
	case "lookup_x":
		idxs, err := c.intListArg(0, "x_list")
		if err != nil {
			return nil, err
		}
		return v.LookupX(idxs)
	case "lookup_y":
		col, err := c.stringArg(0, "col")
		if err != nil {
			return nil, err
		}
		ys, err := c.floatListArg(1, "y_value")
		if err != nil {
			return nil, err
		}
		return v.LookupY(col, ys)
	case "get_value":
		return v.GetValue()
	default:
		return nil, fmt.Errorf("unknown tool %q", c.Name)
	}
}
