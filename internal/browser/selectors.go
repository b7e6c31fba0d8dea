package browser

import (
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/g960059/cmuxctl/internal/model"
)

type elementRef struct {
	surface  uuid.UUID
	selector string
}

// ElementRef formats the token for ordinal n.
func ElementRef(n int) string {
	return "@e" + strconv.Itoa(n)
}

// allocate hands out a fresh element ref. Identical selectors get distinct
// refs; nothing is deduplicated.
func (e *Engine) allocate(surface uuid.UUID, selector string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextElem++
	e.elements[e.nextElem] = elementRef{surface: surface, selector: selector}
	return ElementRef(e.nextElem)
}

// parseElementRef accepts "@eN" and the bare numeric alias "N".
func parseElementRef(raw string) (int, bool) {
	s, isRef := strings.CutPrefix(raw, "@e")
	if !isRef {
		s = raw
	}
	if !isDigits(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Resolve normalizes a CSS selector, element ref or numeric alias to a CSS
// selector for surface.
func (e *Engine) Resolve(surface uuid.UUID, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", model.InvalidParams("selector or element_ref is required")
	}
	n, ok := parseElementRef(raw)
	if !ok {
		return raw, nil
	}
	e.mu.Lock()
	ref, found := e.elements[n]
	e.mu.Unlock()
	if !found {
		return "", model.NotFound("element ref %s not found", ElementRef(n))
	}
	if ref.surface != surface {
		return "", model.NotFound("element ref %s belongs to another surface", ElementRef(n))
	}
	return ref.selector, nil
}
