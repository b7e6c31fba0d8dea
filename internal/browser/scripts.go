package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Script ops. The op name travels in the argument header so every script is
// self-describing.
const (
	opHooks     = "hooks.install"
	opTelemetry = "telemetry.drain"
	opDialogs   = "dialog.drain"
	opRespond   = "dialog.respond"
	opAction    = "action"
	opQuery     = "query"
	opFind      = "find"
	opDiagnose  = "diagnose"
	opSnapshot  = "snapshot"
	opWait      = "wait.check"
	opStorage   = "storage"
	opEval      = "eval"
	opFrame     = "frame.check"
)

const (
	telemetryGuard = "__cmuxTelemetryHooked"
	dialogGuard    = "__cmuxDialogHooked"
	// selectorFlag marks errors thrown by querySelector(All) on a
	// caller-supplied selector. Other script errors surface as js_error.
	selectorFlag = "__cmuxSelector"
)

// ArgsPrefix starts the line that carries a script's JSON arguments.
const ArgsPrefix = "const __cmux = "

// buildScript wraps body into an async IIFE with the argument header, the
// frame-scoping prelude and the shared DOM helpers.
func buildScript(op, frame string, args map[string]any) (string, error) {
	body, ok := scriptBodies[op]
	if !ok {
		return "", fmt.Errorf("unknown script op %q", op)
	}
	header := make(map[string]any, len(args)+2)
	for k, v := range args {
		header[k] = v
	}
	header["op"] = op
	header["frame"] = frame
	encoded, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("encode script args: %w", err)
	}

	var b strings.Builder
	b.WriteString("(async () => {\n")
	b.WriteString(ArgsPrefix)
	b.Write(encoded)
	b.WriteString(";\n")
	b.WriteString("try {\n")
	b.WriteString(framePrelude)
	b.WriteString(helpers)
	b.WriteString(body)
	b.WriteString("\n} catch (e) {\n")
	b.WriteString("  if (e && e." + selectorFlag + ") {\n")
	b.WriteString("    return {ok: false, error: 'invalid_selector', message: String(e.message)};\n")
	b.WriteString("  }\n  throw e;\n}\n})()")
	return b.String(), nil
}

const framePrelude = `
let __doc = document, __win = window;
if (__cmux.frame) {
  let __f = null;
  try { __f = document.querySelector(__cmux.frame); } catch (e) {
    return {ok: false, error: 'invalid_selector', message: 'invalid frame selector: ' + __cmux.frame};
  }
  if (!__f) return {ok: false, error: 'frame_not_found', message: 'frame not found: ' + __cmux.frame};
  let __fd = null;
  try { __fd = __f.contentDocument; } catch (e) { __fd = null; }
  if (!__fd) return {ok: false, error: 'frame_cross_origin', message: 'frame is not same-origin: ' + __cmux.frame};
  __doc = __fd;
  __win = __f.contentWindow;
}
`

const helpers = `
const __skipTags = {script: 1, style: 1, noscript: 1, template: 1, head: 1, meta: 1, link: 1};
const __implicitRoles = {
  a: 'link', button: 'button', select: 'combobox', textarea: 'textbox', img: 'img',
  h1: 'heading', h2: 'heading', h3: 'heading', h4: 'heading', h5: 'heading', h6: 'heading',
  nav: 'navigation', main: 'main', header: 'banner', footer: 'contentinfo', aside: 'complementary',
  ul: 'list', ol: 'list', li: 'listitem', table: 'table', tr: 'row', td: 'cell', th: 'columnheader',
  form: 'form', dialog: 'dialog', option: 'option', progress: 'progressbar', label: 'label',
  iframe: 'iframe', p: 'paragraph', summary: 'button', details: 'group'
};
const __visible = (el) => {
  if (!el || !el.isConnected) return false;
  const st = __win.getComputedStyle(el);
  if (st.display === 'none' || st.visibility === 'hidden' || st.visibility === 'collapse') return false;
  if (Number(st.opacity) === 0) return false;
  const r = el.getBoundingClientRect();
  return r.width > 0 && r.height > 0;
};
const __role = (el) => {
  const explicit = el.getAttribute && el.getAttribute('role');
  if (explicit && explicit.trim()) return explicit.trim().split(/\s+/)[0];
  const tag = el.tagName.toLowerCase();
  if (tag === 'input') {
    const t = (el.getAttribute('type') || 'text').toLowerCase();
    return ({checkbox: 'checkbox', radio: 'radio', button: 'button', submit: 'button', reset: 'button',
      range: 'slider', search: 'searchbox', hidden: 'none'})[t] || 'textbox';
  }
  if (tag === 'a' && !el.hasAttribute('href')) return 'generic';
  return __implicitRoles[tag] || 'generic';
};
const __text = (el) => String((el.innerText !== undefined ? el.innerText : el.textContent) || '').replace(/\s+/g, ' ').trim();
const __name = (el) => String(el.getAttribute('aria-label') || el.getAttribute('alt') || el.getAttribute('title') ||
  el.getAttribute('placeholder') || __text(el) || el.value || '').slice(0, 80);
const __path = (el) => {
  if (el.id && __doc.querySelectorAll('#' + CSS.escape(el.id)).length === 1) return '#' + CSS.escape(el.id);
  const parts = [];
  let node = el;
  while (node && node.nodeType === 1 && node !== __doc.documentElement) {
    let part = node.tagName.toLowerCase();
    const parent = node.parentElement;
    if (parent) {
      const same = Array.from(parent.children).filter((c) => c.tagName === node.tagName);
      if (same.length > 1) part += ':nth-of-type(' + (same.indexOf(node) + 1) + ')';
    }
    parts.unshift(part);
    node = parent;
  }
  return parts.join(' > ');
};
const __badSelector = (sel, e) => {
  const err = new Error('invalid selector ' + JSON.stringify(sel) + ': ' + String(e && e.message));
  err.__cmuxSelector = true;
  return err;
};
const __query = (sel) => {
  try { return Array.from(__doc.querySelectorAll(sel)); } catch (e) { throw __badSelector(sel, e); }
};
const __queryOne = (sel) => {
  try { return __doc.querySelector(sel); } catch (e) { throw __badSelector(sel, e); }
};
`

var scriptBodies = map[string]string{
	opHooks: `
const out = {ok: true, console: false, dialogs: false};
const limit = __cmux.limit;
const push = (buf, entry) => { buf.push(entry); if (buf.length > limit) buf.splice(0, buf.length - limit); };
if (!__win[__cmux.telemetry_guard]) {
  __win[__cmux.telemetry_guard] = true;
  __win.__cmuxConsole = __win.__cmuxConsole || [];
  __win.__cmuxErrors = __win.__cmuxErrors || [];
  const fmt = (args) => args.map((a) => {
    if (typeof a === 'string') return a;
    try { return JSON.stringify(a); } catch (e) { return String(a); }
  }).join(' ');
  for (const level of ['log', 'info', 'warn', 'error', 'debug']) {
    const orig = __win.console[level];
    __win.console[level] = function (...args) {
      push(__win.__cmuxConsole, {level, text: fmt(args), at: Date.now()});
      return orig.apply(this, args);
    };
  }
  __win.addEventListener('error', (ev) => push(__win.__cmuxErrors, {
    kind: 'error', message: String(ev.message), source: ev.filename || '', line: ev.lineno || 0, at: Date.now()
  }));
  __win.addEventListener('unhandledrejection', (ev) => push(__win.__cmuxErrors, {
    kind: 'unhandledrejection', message: String((ev.reason && ev.reason.message) || ev.reason), at: Date.now()
  }));
  out.console = true;
}
if (!__win[__cmux.dialog_guard]) {
  __win[__cmux.dialog_guard] = true;
  __win.__cmuxDialogQueue = __win.__cmuxDialogQueue || [];
  __win.__cmuxDialogDefaults = __win.__cmuxDialogDefaults || {};
  const record = (type, message, def) => push(__win.__cmuxDialogQueue, {
    type, message: String(message === undefined ? '' : message), default_text: def === undefined ? null : String(def)
  });
  __win.alert = (message) => { record('alert', message); };
  __win.confirm = (message) => {
    record('confirm', message);
    const d = __win.__cmuxDialogDefaults.confirm;
    return d ? !!d.accept : false;
  };
  __win.prompt = (message, def) => {
    record('prompt', message, def);
    const d = __win.__cmuxDialogDefaults.prompt;
    if (!d || !d.accept) return null;
    if (d.text !== null && d.text !== undefined) return String(d.text);
    return def === undefined ? '' : String(def);
  };
  out.dialogs = true;
}
return out;`,

	opTelemetry: `
const console_ = __win.__cmuxConsole || [];
const errors = __win.__cmuxErrors || [];
__win.__cmuxConsole = [];
__win.__cmuxErrors = [];
return {ok: true, console: console_, errors};`,

	opDialogs: `
const queue = __win.__cmuxDialogQueue || [];
__win.__cmuxDialogQueue = [];
return {ok: true, dialogs: queue};`,

	opRespond: `
__win.__cmuxDialogDefaults = __win.__cmuxDialogDefaults || {};
__win.__cmuxDialogDefaults[__cmux.type] = {accept: !!__cmux.accept, text: __cmux.text === undefined ? null : __cmux.text};
return {ok: true};`,

	opAction: `
const a = __cmux.action;
if (a === 'scroll' && !__cmux.selector) {
  __win.scrollBy(__cmux.dx || 0, __cmux.dy || 0);
  return {ok: true, action: a, target: 'window', x: __win.scrollX, y: __win.scrollY};
}
let els = [];
let el = null;
if (a === 'press' && !__cmux.selector) {
  el = __doc.activeElement || __doc.body;
} else {
  els = __query(__cmux.selector);
  el = els[0];
}
if (!el) return {ok: false, error: 'not_found', message: 'no element matches ' + __cmux.selector};
const mouse = (type, init) => el.dispatchEvent(new __win.MouseEvent(type, Object.assign({bubbles: true, cancelable: true, view: __win}, init || {})));
const key = (type, k) => el.dispatchEvent(new __win.KeyboardEvent(type, {key: k, bubbles: true, cancelable: true}));
const setValue = (v) => {
  const desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), 'value');
  if (desc && desc.set) desc.set.call(el, v); else el.value = v;
};
switch (a) {
  case 'click':
    el.scrollIntoView({block: 'center', inline: 'center'});
    mouse('mousedown'); mouse('mouseup'); el.click();
    break;
  case 'dblclick':
    el.scrollIntoView({block: 'center', inline: 'center'});
    mouse('mousedown'); mouse('mouseup'); el.click();
    mouse('mousedown', {detail: 2}); mouse('mouseup', {detail: 2}); el.click();
    mouse('dblclick', {detail: 2});
    break;
  case 'hover':
    mouse('mouseover'); mouse('mouseenter', {bubbles: false}); mouse('mousemove');
    break;
  case 'focus':
    el.focus();
    break;
  case 'type':
    el.focus();
    for (const ch of String(__cmux.text)) {
      key('keydown', ch);
      if ('value' in el) setValue(String(el.value) + ch);
      else if (el.isContentEditable) el.textContent += ch;
      el.dispatchEvent(new __win.InputEvent('input', {bubbles: true, data: ch, inputType: 'insertText'}));
      key('keyup', ch);
    }
    break;
  case 'fill':
    el.focus();
    if ('value' in el) setValue(String(__cmux.text));
    else if (el.isContentEditable) el.textContent = String(__cmux.text);
    else return {ok: false, error: 'invalid_state', message: 'element is not fillable'};
    el.dispatchEvent(new __win.Event('input', {bubbles: true}));
    el.dispatchEvent(new __win.Event('change', {bubbles: true}));
    break;
  case 'select': {
    if (el.tagName !== 'SELECT') return {ok: false, error: 'invalid_state', message: 'element is not a <select>'};
    const wanted = __cmux.values || [];
    let matched = 0;
    for (const o of el.options) {
      const hit = wanted.includes(o.value) || wanted.includes(o.label) || wanted.includes(o.text);
      o.selected = hit;
      if (hit) matched++;
    }
    if (!matched) return {ok: false, error: 'invalid', message: 'no option matches ' + JSON.stringify(wanted)};
    el.dispatchEvent(new __win.Event('input', {bubbles: true}));
    el.dispatchEvent(new __win.Event('change', {bubbles: true}));
    break;
  }
  case 'check':
  case 'uncheck': {
    if (!('checked' in el)) return {ok: false, error: 'invalid_state', message: 'element is not checkable'};
    const want = a === 'check';
    if (el.checked !== want) el.click();
    break;
  }
  case 'scroll':
    el.scrollBy(__cmux.dx || 0, __cmux.dy || 0);
    break;
  case 'scroll_into_view':
    el.scrollIntoView({block: 'center', inline: 'center'});
    break;
  case 'press':
    el.focus();
    key('keydown', __cmux.key); key('keypress', __cmux.key); key('keyup', __cmux.key);
    if (__cmux.key === 'Enter' && el.form && typeof el.form.requestSubmit === 'function') el.form.requestSubmit();
    break;
  case 'highlight':
    el.style.outline = '2px solid #ff3b30';
    el.style.outlineOffset = '2px';
    break;
  default:
    return {ok: false, error: 'invalid', message: 'unknown action ' + a};
}
return {ok: true, action: a, tag: el.tagName.toLowerCase(), match_count: els.length};`,

	opQuery: `
const els = __query(__cmux.selector);
if (__cmux.field === 'count') return {ok: true, value: els.length};
const el = els[0];
if (!el) {
  if (__cmux.field === 'visible') return {ok: true, value: false};
  return {ok: false, error: 'not_found', message: 'no element matches ' + __cmux.selector};
}
switch (__cmux.field) {
  case 'text': return {ok: true, value: __text(el)};
  case 'html': return {ok: true, value: el.outerHTML};
  case 'value': return {ok: true, value: ('value' in el) ? String(el.value) : null};
  case 'attr': return {ok: true, value: el.getAttribute(__cmux.name)};
  case 'box': {
    const r = el.getBoundingClientRect();
    return {ok: true, value: {x: r.x, y: r.y, width: r.width, height: r.height}};
  }
  case 'visible': return {ok: true, value: __visible(el)};
  case 'enabled': return {ok: true, value: !el.disabled && !el.closest('fieldset[disabled]')};
  case 'checked': return {ok: true, value: !!el.checked};
}
return {ok: false, error: 'invalid', message: 'unknown field ' + __cmux.field};`,

	opFind: `
let candidates = [];
if (__cmux.by === 'selector') {
  candidates = __query(__cmux.selector);
} else if (__cmux.by === 'role') {
  const wantName = String(__cmux.name || '').toLowerCase();
  candidates = Array.from(__doc.querySelectorAll('*')).filter((el) =>
    __role(el) === __cmux.role && (!wantName || __name(el).toLowerCase().includes(wantName)));
} else {
  const want = String(__cmux.text || '').toLowerCase();
  const all = Array.from(__doc.body ? __doc.body.querySelectorAll('*') : []).filter((el) => !__skipTags[el.tagName.toLowerCase()]);
  candidates = all.filter((el) => {
    const t = __text(el).toLowerCase();
    return __cmux.exact ? t === want : t.includes(want);
  });
  candidates = candidates.filter((el) => !candidates.some((o) => o !== el && el.contains(o)));
}
const visible = candidates.filter(__visible);
const pick = visible[0] || candidates[0];
if (!pick) return {ok: false, error: 'not_found', message: 'no matching element'};
return {ok: true, selector: __path(pick), tag: pick.tagName.toLowerCase(), role: __role(pick),
  text: __text(pick).slice(0, 120), visible: __visible(pick), match_count: candidates.length};`,

	opDiagnose: `
let els = [];
if (__cmux.selector) {
  try { els = __query(__cmux.selector); } catch (e) { els = []; }
}
const fromMatches = els.length > 0;
const pool = fromMatches ? els : Array.from(__doc.querySelectorAll(
  'a,button,input,select,textarea,label,h1,h2,h3,[role],[onclick],[data-testid]')).filter(__visible);
const samples = pool.slice(0, __cmux.limit).map((el) => ({
  tag: el.tagName.toLowerCase(), role: __role(el), text: __text(el).slice(0, 80), visible: __visible(el)
}));
return {ok: true, match_count: els.length, visible_count: els.filter(__visible).length,
  samples, samples_from: fromMatches ? 'matches' : 'page', title: __doc.title, url: String(__win.location.href)};`,

	opSnapshot: `
const root = __cmux.selector ? __queryOne(__cmux.selector) : (__doc.body || __doc.documentElement);
if (!root) return {ok: false, error: 'not_found', message: 'snapshot root not found: ' + __cmux.selector};
const nodes = [];
const interesting = (el) => __role(el) !== 'generic' || (el.childElementCount === 0 && __text(el) !== '');
const walk = (el, depth) => {
  if (nodes.length >= __cmux.max_nodes) return;
  if (__skipTags[el.tagName.toLowerCase()]) return;
  if (__win.getComputedStyle(el).display === 'none') return;
  const vis = __visible(el);
  let next = depth;
  if (vis && interesting(el)) {
    nodes.push({depth, tag: el.tagName.toLowerCase(), role: __role(el), name: __name(el), selector: __path(el), visible: vis});
    next = depth + 1;
  }
  for (const child of el.children) walk(child, next);
};
walk(root, 0);
const out = {ok: true, nodes, truncated: nodes.length >= __cmux.max_nodes, title: __doc.title, url: String(__win.location.href)};
if (__cmux.include_text) out.text = __text(__doc.body || __doc.documentElement);
if (__cmux.include_html) out.html = __doc.documentElement.outerHTML;
return out;`,

	opWait: `
switch (__cmux.kind) {
  case 'selector': {
    const els = __query(__cmux.value);
    return {ok: true, met: __cmux.visible ? els.some(__visible) : els.length > 0};
  }
  case 'url_contains':
    return {ok: true, met: String(__win.location.href).includes(__cmux.value)};
  case 'text_contains':
    return {ok: true, met: __text(__doc.body || __doc.documentElement).includes(__cmux.value)};
  case 'load_state': {
    const order = ['loading', 'interactive', 'complete'];
    return {ok: true, met: order.indexOf(__doc.readyState) >= order.indexOf(__cmux.value)};
  }
  case 'function': {
    let v = await ((document, window) => eval(__cmux.value))(__doc, __win);
    if (typeof v === 'function') v = await v();
    return {ok: true, met: !!v};
  }
}
return {ok: false, error: 'invalid', message: 'unknown wait condition ' + __cmux.kind};`,

	opStorage: `
const store = __cmux.kind === 'session' ? __win.sessionStorage : __win.localStorage;
switch (__cmux.action) {
  case 'get': {
    if (__cmux.key) return {ok: true, value: store.getItem(__cmux.key)};
    const entries = {};
    for (let i = 0; i < store.length; i++) { const k = store.key(i); entries[k] = store.getItem(k); }
    return {ok: true, entries};
  }
  case 'set':
    store.setItem(__cmux.key, String(__cmux.value));
    return {ok: true};
  case 'clear':
    if (__cmux.key) store.removeItem(__cmux.key); else store.clear();
    return {ok: true};
  case 'restore':
    for (const [k, v] of Object.entries(__cmux.entries || {})) store.setItem(k, String(v));
    return {ok: true};
}
return {ok: false, error: 'invalid', message: 'unknown storage action ' + __cmux.action};`,

	opEval: `
const __r = await ((document, window) => eval(__cmux.script))(__doc, __win);
if (__r === undefined) return {ok: true, undefined: true, value: null};
let v;
try { v = JSON.parse(JSON.stringify(__r)); } catch (e) { v = undefined; }
if (v === undefined) v = String(__r);
return {ok: true, value: v};`,

	opFrame: `
const f = __queryOne(__cmux.target);
if (!f) return {ok: false, error: 'not_found', message: 'frame not found: ' + __cmux.target};
if (!/^(IFRAME|FRAME)$/.test(f.tagName)) return {ok: false, error: 'invalid', message: 'element is not a frame: ' + __cmux.target};
let d = null;
try { d = f.contentDocument; } catch (e) { d = null; }
if (!d) return {ok: false, error: 'frame_cross_origin', message: 'frame is not same-origin: ' + __cmux.target};
return {ok: true, url: String(f.contentWindow.location.href)};`,
}
