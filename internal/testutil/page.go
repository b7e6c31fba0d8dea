package testutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

const argsPrefix = "const __cmux = "

// FakeElement is one node of a FakePage. Elements are flat; Depth only feeds
// snapshot indentation.
type FakeElement struct {
	ID       string
	Tag      string
	Role     string
	Text     string
	Value    string
	Class    string
	Attrs    map[string]string
	Hidden   bool
	Disabled bool
	Checked  bool
	Options  []string
	Frame    string
	Depth    int
	// Href makes a click load that URL into the page.
	Href string

	appearAt time.Time
	events   []string
}

// FakePage is a scripted page that answers the automation engine's scripts
// by their op header instead of running JavaScript.
type FakePage struct {
	mu sync.Mutex

	url        string
	title      string
	readyState string
	elements   []*FakeElement
	frames     map[string]bool

	globals        map[string]bool
	consoleWraps   int
	dialogHooked   bool
	console        []map[string]any
	errors         []map[string]any
	dialogQueue    []map[string]any
	dialogDefaults map[string]map[string]any
	local          map[string]string
	session        map[string]string

	evalResults map[string]any
	ops         []string
	args        []map[string]any
}

func NewFakePage(url, title string) *FakePage {
	return &FakePage{
		url:            url,
		title:          title,
		readyState:     "complete",
		frames:         make(map[string]bool),
		globals:        make(map[string]bool),
		dialogDefaults: make(map[string]map[string]any),
		local:          make(map[string]string),
		session:        make(map[string]string),
		evalResults:    make(map[string]any),
	}
}

func (p *FakePage) Add(el *FakeElement) *FakeElement {
	p.mu.Lock()
	defer p.mu.Unlock()
	if el.Attrs == nil {
		el.Attrs = make(map[string]string)
	}
	p.elements = append(p.elements, el)
	return el
}

// AddAfter inserts el into the DOM once delay has passed.
func (p *FakePage) AddAfter(delay time.Duration, el *FakeElement) *FakeElement {
	el.appearAt = time.Now().Add(delay)
	return p.Add(el)
}

func (p *FakePage) AddFrame(selector string, crossOrigin bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames[selector] = crossOrigin
}

func (p *FakePage) SetReadyState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyState = state
}

func (p *FakePage) SetTitle(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.title = title
}

// SetEvalResult makes eval(script) return value.
func (p *FakePage) SetEvalResult(script string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evalResults[script] = value
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FakePage) Title() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// Load replaces the document: page globals, hooks and buffers are gone.
func (p *FakePage) Load(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadLocked(url)
}

func (p *FakePage) loadLocked(url string) {
	p.url = url
	p.globals = make(map[string]bool)
	p.consoleWraps = 0
	p.dialogHooked = false
	p.console = nil
	p.errors = nil
	p.dialogQueue = nil
	p.dialogDefaults = make(map[string]map[string]any)
}

// ConsoleLog simulates page script calling console[level]. Each installed
// wrapper layer records the call once.
func (p *FakePage) ConsoleLog(level, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.consoleWraps {
		p.console = append(p.console, map[string]any{"level": level, "text": text, "at": time.Now().UnixMilli()})
	}
}

// PageError simulates an uncaught error event.
func (p *FakePage) PageError(message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consoleWraps > 0 {
		p.errors = append(p.errors, map[string]any{"kind": "error", "message": message, "at": time.Now().UnixMilli()})
	}
}

// RaiseDialog simulates page script calling alert, confirm or prompt and
// returns what the page would get back.
func (p *FakePage) RaiseDialog(typ, message string, defaultText *string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dialogHooked {
		return nil
	}
	entry := map[string]any{"type": typ, "message": message, "default_text": nil}
	if defaultText != nil {
		entry["default_text"] = *defaultText
	}
	p.dialogQueue = append(p.dialogQueue, entry)
	d := p.dialogDefaults[typ]
	switch typ {
	case "confirm":
		return d != nil && d["accept"] == true
	case "prompt":
		if d == nil || d["accept"] != true {
			return nil
		}
		if text, ok := d["text"].(string); ok {
			return text
		}
		if defaultText != nil {
			return *defaultText
		}
		return ""
	default:
		return nil
	}
}

// Ops returns the script ops evaluated so far.
func (p *FakePage) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func (p *FakePage) CountOp(op string) int {
	n := 0
	for _, o := range p.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

// LastArgs returns the argument header of the most recent script with op.
func (p *FakePage) LastArgs(op string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.ops) - 1; i >= 0; i-- {
		if p.ops[i] == op {
			return p.args[i]
		}
	}
	return nil
}

// Events returns the actions performed on the element with id.
func (p *FakePage) Events(id string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements {
		if el.ID == id {
			return append([]string(nil), el.events...)
		}
	}
	return nil
}

// Element returns a copy of the element with id.
func (p *FakePage) Element(id string) (FakeElement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.elements {
		if el.ID == id {
			return *el, true
		}
	}
	return FakeElement{}, false
}

func (p *FakePage) Storage(kind string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.local
	if kind == "session" {
		src = p.session
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// errScript marks an evaluation that throws.
type errScript struct{ msg string }

func (e errScript) Error() string { return e.msg }

// evaluate interprets one engine script and returns its JSON result.
func (p *FakePage) evaluate(script string) ([]byte, error) {
	args, err := parseArgs(script)
	if err != nil {
		return nil, errScript{msg: err.Error()}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	op, _ := args["op"].(string)
	p.ops = append(p.ops, op)
	p.args = append(p.args, args)

	res, err := p.run(op, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func parseArgs(script string) (map[string]any, error) {
	for _, line := range strings.Split(script, "\n") {
		if rest, ok := strings.CutPrefix(line, argsPrefix); ok {
			var args map[string]any
			if err := json.Unmarshal([]byte(strings.TrimSuffix(rest, ";")), &args); err != nil {
				return nil, fmt.Errorf("bad script header: %v", err)
			}
			return args, nil
		}
	}
	return nil, fmt.Errorf("script without argument header")
}

type obj = map[string]any

func fail(reason, msg string) obj {
	return obj{"ok": false, "error": reason, "message": msg}
}

func (p *FakePage) run(op string, args obj) (obj, error) {
	frame, _ := args["frame"].(string)
	if frame != "" {
		cross, ok := p.frames[frame]
		if !ok {
			return fail("frame_not_found", "frame not found: "+frame), nil
		}
		if cross {
			return fail("frame_cross_origin", "frame is not same-origin: "+frame), nil
		}
	}
	str := func(k string) string { s, _ := args[k].(string); return s }

	switch op {
	case "hooks.install":
		out := obj{"ok": true, "console": false, "dialogs": false}
		tg, dg := str("telemetry_guard"), str("dialog_guard")
		if tg == "" || !p.globals[tg] {
			p.globals[tg] = true
			p.consoleWraps++
			out["console"] = true
		}
		if dg == "" || !p.globals[dg] {
			p.globals[dg] = true
			p.dialogHooked = true
			out["dialogs"] = true
		}
		return out, nil
	case "telemetry.drain":
		out := obj{"ok": true, "console": nonNil(p.console), "errors": nonNil(p.errors)}
		p.console, p.errors = nil, nil
		return out, nil
	case "dialog.drain":
		out := obj{"ok": true, "dialogs": nonNil(p.dialogQueue)}
		p.dialogQueue = nil
		return out, nil
	case "dialog.respond":
		p.dialogDefaults[str("type")] = obj{"accept": args["accept"], "text": args["text"]}
		return obj{"ok": true}, nil
	case "action":
		return p.action(frame, args)
	case "query":
		return p.query(frame, args)
	case "find":
		return p.find(frame, args)
	case "diagnose":
		return p.diagnose(frame, args)
	case "snapshot":
		return p.snapshot(frame, args)
	case "wait.check":
		return p.waitCheck(frame, args)
	case "storage":
		return p.storage(args), nil
	case "eval":
		return p.eval(str("script"))
	case "frame.check":
		target := str("target")
		cross, ok := p.frames[target]
		if !ok {
			return fail("not_found", "frame not found: "+target), nil
		}
		if cross {
			return fail("frame_cross_origin", "frame is not same-origin: "+target), nil
		}
		return obj{"ok": true, "url": p.url}, nil
	}
	return nil, errScript{msg: "unknown op " + op}
}

func nonNil(in []map[string]any) []map[string]any {
	if in == nil {
		return []map[string]any{}
	}
	return in
}

func (p *FakePage) present(el *FakeElement, frame string) bool {
	return el.Frame == frame && (el.appearAt.IsZero() || !time.Now().Before(el.appearAt))
}

func visible(el *FakeElement) bool { return !el.Hidden }

var (
	nthRe  = regexp.MustCompile(`^([a-z0-9]+):nth-of-type\((\d+)\)$`)
	attrRe = regexp.MustCompile(`^([a-z0-9]*)\[([a-zA-Z0-9_-]+)(?:=["']?([^"'\]]*)["']?)?\]$`)
	simple = regexp.MustCompile(`^([a-z0-9]*)(?:#([A-Za-z0-9_-]+))?(?:\.([A-Za-z0-9_-]+))?$`)
)

// query matches a small CSS subset: tag, #id, .class, tag#id, tag.class,
// [attr], [attr=value], tag:nth-of-type(n), * and comma lists.
func (p *FakePage) query(frame string, args obj) (obj, error) {
	sel, _ := args["selector"].(string)
	els, err := p.match(sel, frame)
	if err != nil {
		return fail("invalid_selector", err.Error()), nil
	}
	field, _ := args["field"].(string)
	if field == "count" {
		return obj{"ok": true, "value": len(els)}, nil
	}
	if len(els) == 0 {
		if field == "visible" {
			return obj{"ok": true, "value": false}, nil
		}
		return fail("not_found", "no element matches "+sel), nil
	}
	el := els[0]
	var v any
	switch field {
	case "text":
		v = el.Text
	case "html":
		v = fmt.Sprintf("<%s id=%q>%s</%s>", el.Tag, el.ID, el.Text, el.Tag)
	case "value":
		v = el.Value
	case "attr":
		name, _ := args["name"].(string)
		if a, ok := el.Attrs[name]; ok {
			v = a
		}
	case "box":
		v = obj{"x": 0, "y": 0, "width": 100, "height": 20}
	case "visible":
		v = visible(el)
	case "enabled":
		v = !el.Disabled
	case "checked":
		v = el.Checked
	default:
		return fail("invalid", "unknown field "+field), nil
	}
	return obj{"ok": true, "value": v}, nil
}

func (p *FakePage) match(sel, frame string) ([]*FakeElement, error) {
	var out []*FakeElement
	for _, part := range strings.Split(sel, ",") {
		part = strings.TrimSpace(part)
		if part == "" || strings.ContainsAny(part, "=") && !strings.Contains(part, "[") {
			return nil, fmt.Errorf("'%s' is not a valid selector", sel)
		}
		for _, el := range p.elements {
			if !p.present(el, frame) || contains(out, el) {
				continue
			}
			if p.matchOne(part, el, frame) {
				out = append(out, el)
			}
		}
	}
	return out, nil
}

func contains(list []*FakeElement, el *FakeElement) bool {
	for _, x := range list {
		if x == el {
			return true
		}
	}
	return false
}

func (p *FakePage) matchOne(part string, el *FakeElement, frame string) bool {
	if part == "*" {
		return true
	}
	if m := nthRe.FindStringSubmatch(part); m != nil {
		n, _ := strconv.Atoi(m[2])
		k := 0
		for _, x := range p.elements {
			if p.present(x, frame) && x.Tag == m[1] {
				k++
				if x == el {
					return k == n
				}
			}
		}
		return false
	}
	if m := attrRe.FindStringSubmatch(part); m != nil {
		if m[1] != "" && m[1] != el.Tag {
			return false
		}
		val, ok := el.Attrs[m[2]]
		if m[2] == "role" {
			val, ok = el.Role, el.Role != ""
		}
		if !ok {
			return false
		}
		return !strings.Contains(part, "=") || val == m[3]
	}
	if m := simple.FindStringSubmatch(part); m != nil {
		if m[1] != "" && m[1] != el.Tag {
			return false
		}
		if m[2] != "" && m[2] != el.ID {
			return false
		}
		if m[3] != "" && !strings.Contains(" "+el.Class+" ", " "+m[3]+" ") {
			return false
		}
		return m[1] != "" || m[2] != "" || m[3] != ""
	}
	return false
}

func (p *FakePage) path(el *FakeElement) string {
	if el.ID != "" {
		return "#" + el.ID
	}
	k := 0
	for _, x := range p.elements {
		if x.Frame == el.Frame && x.Tag == el.Tag {
			k++
		}
		if x == el {
			break
		}
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", el.Tag, k)
}

var implicitRoles = map[string]string{
	"a": "link", "button": "button", "select": "combobox", "textarea": "textbox", "img": "img",
	"h1": "heading", "h2": "heading", "h3": "heading", "nav": "navigation", "main": "main",
	"ul": "list", "li": "listitem", "form": "form", "dialog": "dialog", "p": "paragraph",
}

func role(el *FakeElement) string {
	if el.Role != "" {
		return el.Role
	}
	if el.Tag == "input" {
		switch el.Attrs["type"] {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button":
			return "button"
		}
		return "textbox"
	}
	if r, ok := implicitRoles[el.Tag]; ok {
		return r
	}
	return "generic"
}

func (p *FakePage) action(frame string, args obj) (obj, error) {
	action, _ := args["action"].(string)
	sel, _ := args["selector"].(string)
	text, _ := args["text"].(string)
	if action == "scroll" && sel == "" {
		return obj{"ok": true, "action": action, "target": "window"}, nil
	}
	var els []*FakeElement
	if action == "press" && sel == "" {
		for _, el := range p.elements {
			if p.present(el, frame) {
				els = []*FakeElement{el}
				break
			}
		}
	} else {
		var err error
		if els, err = p.match(sel, frame); err != nil {
			return fail("invalid_selector", err.Error()), nil
		}
	}
	if len(els) == 0 {
		return fail("not_found", "no element matches "+sel), nil
	}
	el := els[0]
	switch action {
	case "click", "dblclick", "hover", "focus", "scroll", "scroll_into_view", "highlight":
		if action == "click" && el.Tag == "input" && (el.Attrs["type"] == "checkbox" || el.Attrs["type"] == "radio") {
			el.Checked = !el.Checked
		}
		if action == "click" && el.Href != "" {
			el.events = append(el.events, action)
			p.loadLocked(el.Href)
			return obj{"ok": true, "action": action, "tag": el.Tag, "match_count": len(els)}, nil
		}
	case "type":
		el.Value += text
	case "fill":
		if el.Tag != "input" && el.Tag != "textarea" && el.Attrs["contenteditable"] == "" {
			return fail("invalid_state", "element is not fillable"), nil
		}
		el.Value = text
	case "select":
		if el.Tag != "select" {
			return fail("invalid_state", "element is not a <select>"), nil
		}
		wanted, _ := args["values"].([]any)
		for _, w := range wanted {
			for _, o := range el.Options {
				if o == w {
					el.Value = o
					el.events = append(el.events, action)
					return obj{"ok": true, "action": action, "tag": el.Tag, "match_count": len(els)}, nil
				}
			}
		}
		return fail("invalid", "no option matches"), nil
	case "check", "uncheck":
		el.Checked = action == "check"
	case "press":
		key, _ := args["key"].(string)
		action = "press:" + key
	default:
		return fail("invalid", "unknown action "+action), nil
	}
	el.events = append(el.events, action)
	return obj{"ok": true, "action": action, "tag": el.Tag, "match_count": len(els)}, nil
}

func (p *FakePage) find(frame string, args obj) (obj, error) {
	by, _ := args["by"].(string)
	var candidates []*FakeElement
	switch by {
	case "selector":
		sel, _ := args["selector"].(string)
		var err error
		if candidates, err = p.match(sel, frame); err != nil {
			return fail("invalid_selector", err.Error()), nil
		}
	case "role":
		want, _ := args["role"].(string)
		name, _ := args["name"].(string)
		for _, el := range p.elements {
			if p.present(el, frame) && role(el) == want && strings.Contains(strings.ToLower(el.Text), strings.ToLower(name)) {
				candidates = append(candidates, el)
			}
		}
	default:
		want, _ := args["text"].(string)
		exact, _ := args["exact"].(bool)
		for _, el := range p.elements {
			if !p.present(el, frame) {
				continue
			}
			t := strings.ToLower(el.Text)
			if exact && t == strings.ToLower(want) || !exact && strings.Contains(t, strings.ToLower(want)) {
				candidates = append(candidates, el)
			}
		}
	}
	var pick *FakeElement
	for _, el := range candidates {
		if visible(el) {
			pick = el
			break
		}
	}
	if pick == nil && len(candidates) > 0 {
		pick = candidates[0]
	}
	if pick == nil {
		return fail("not_found", "no matching element"), nil
	}
	return obj{
		"ok": true, "selector": p.path(pick), "tag": pick.Tag, "role": role(pick),
		"text": pick.Text, "visible": visible(pick), "match_count": len(candidates),
	}, nil
}

func (p *FakePage) diagnose(frame string, args obj) (obj, error) {
	sel, _ := args["selector"].(string)
	limit := 6
	if l, ok := args["limit"].(float64); ok {
		limit = int(l)
	}
	els, _ := p.match(sel, frame)
	pool := els
	from := "matches"
	if len(els) == 0 {
		from = "page"
		for _, el := range p.elements {
			if p.present(el, frame) && visible(el) {
				pool = append(pool, el)
			}
		}
	}
	samples := []obj{}
	for _, el := range pool {
		if len(samples) == limit {
			break
		}
		samples = append(samples, obj{"tag": el.Tag, "role": role(el), "text": el.Text, "visible": visible(el)})
	}
	vis := 0
	for _, el := range els {
		if visible(el) {
			vis++
		}
	}
	return obj{
		"ok": true, "match_count": len(els), "visible_count": vis, "samples": samples,
		"samples_from": from, "title": p.title, "url": p.url,
	}, nil
}

func (p *FakePage) snapshot(frame string, args obj) (obj, error) {
	maxNodes := 400
	if m, ok := args["max_nodes"].(float64); ok && m > 0 {
		maxNodes = int(m)
	}
	scope := p.elements
	if sel, _ := args["selector"].(string); sel != "" {
		els, err := p.match(sel, frame)
		if err != nil {
			return fail("invalid_selector", err.Error()), nil
		}
		if len(els) == 0 {
			return fail("not_found", "snapshot root not found: "+sel), nil
		}
		scope = els
	}
	nodes := []obj{}
	var texts []string
	for _, el := range scope {
		if !p.present(el, frame) || !visible(el) {
			continue
		}
		texts = append(texts, el.Text)
		if len(nodes) >= maxNodes {
			continue
		}
		nodes = append(nodes, obj{
			"depth": el.Depth, "tag": el.Tag, "role": role(el), "name": el.Text,
			"selector": p.path(el), "visible": true,
		})
	}
	out := obj{"ok": true, "nodes": nodes, "truncated": len(nodes) >= maxNodes, "title": p.title, "url": p.url}
	if b, _ := args["include_text"].(bool); b {
		out["text"] = strings.Join(texts, " ")
	}
	if b, _ := args["include_html"].(bool); b {
		out["html"] = "<html><body>" + strings.Join(texts, "") + "</body></html>"
	}
	return out, nil
}

func (p *FakePage) waitCheck(frame string, args obj) (obj, error) {
	kind, _ := args["kind"].(string)
	value, _ := args["value"].(string)
	switch kind {
	case "selector":
		els, err := p.match(value, frame)
		if err != nil {
			return fail("invalid_selector", err.Error()), nil
		}
		met := len(els) > 0
		if v, _ := args["visible"].(bool); v {
			met = false
			for _, el := range els {
				met = met || visible(el)
			}
		}
		return obj{"ok": true, "met": met}, nil
	case "url_contains":
		return obj{"ok": true, "met": strings.Contains(p.url, value)}, nil
	case "text_contains":
		for _, el := range p.elements {
			if p.present(el, frame) && strings.Contains(el.Text, value) {
				return obj{"ok": true, "met": true}, nil
			}
		}
		return obj{"ok": true, "met": false}, nil
	case "load_state":
		order := map[string]int{"loading": 0, "interactive": 1, "complete": 2}
		return obj{"ok": true, "met": order[p.readyState] >= order[value]}, nil
	case "function":
		res, err := p.eval(value)
		if err != nil {
			return nil, err
		}
		return obj{"ok": true, "met": truthy(res["value"])}, nil
	}
	return fail("invalid", "unknown wait condition "+kind), nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func (p *FakePage) storage(args obj) obj {
	store := p.local
	if args["kind"] == "session" {
		store = p.session
	}
	key, _ := args["key"].(string)
	switch args["action"] {
	case "get":
		if key != "" {
			if v, ok := store[key]; ok {
				return obj{"ok": true, "value": v}
			}
			return obj{"ok": true, "value": nil}
		}
		entries := obj{}
		for k, v := range store {
			entries[k] = v
		}
		return obj{"ok": true, "entries": entries}
	case "set":
		store[key] = fmt.Sprint(args["value"])
		return obj{"ok": true}
	case "clear":
		if key != "" {
			delete(store, key)
		} else {
			for k := range store {
				delete(store, k)
			}
		}
		return obj{"ok": true}
	case "restore":
		entries, _ := args["entries"].(map[string]any)
		for k, v := range entries {
			store[k] = fmt.Sprint(v)
		}
		return obj{"ok": true}
	}
	return fail("invalid", "unknown storage action")
}

func (p *FakePage) eval(script string) (obj, error) {
	script = strings.TrimSpace(script)
	if v, ok := p.evalResults[script]; ok {
		return obj{"ok": true, "value": v}, nil
	}
	switch {
	case strings.HasSuffix(script, "=>") || strings.Count(script, "(") != strings.Count(script, ")"):
		return nil, errScript{msg: "SyntaxError: Unexpected end of input"}
	case strings.HasPrefix(script, "throw "):
		return nil, errScript{msg: "Uncaught " + strings.Trim(strings.TrimPrefix(script, "throw "), "'\"")}
	case script == "undefined" || script == "void 0":
		return obj{"ok": true, "undefined": true, "value": nil}, nil
	case script == "document.title":
		return obj{"ok": true, "value": p.title}, nil
	case script == "location.href" || script == "window.location.href":
		return obj{"ok": true, "value": p.url}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(script), &v); err == nil {
		return obj{"ok": true, "value": v}, nil
	}
	return nil, errScript{msg: "ReferenceError: cannot evaluate " + script}
}
