package prompt

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Renderer executes prompt templates.
type Renderer struct {
	// Clock returns the current time for the now helper. Nil means
	// time.Now.
	Clock func() time.Time
}

// Render executes templateText against ctx. An empty template renders
// [DefaultTemplate]. Any parse or execution failure is returned as a
// *RenderError.
//
// Besides the fields of [Context], templates may call:
//
//	areas                  all areas of the snapshot
//	area_name ID           display name of an area ("" if unknown)
//	area_entities ID       entities in an area
//	entity ID              an entity; fails the render if not exposed
//	state ID               an entity's state, "unknown" if not exposed
//	is_state ID VALUE      whether an entity is in the given state
//	join SEP LIST          strings.Join
//	lower, upper, title    case conversion
//	default DEF VALUE      VALUE, or DEF when VALUE is empty
//	now                    the current time
//	format_time LAYOUT T   T formatted with a Go time layout
func (r *Renderer) Render(templateText string, ctx Context) (string, error) {
	if strings.TrimSpace(templateText) == "" {
		templateText = DefaultTemplate
	}

	tpl, err := template.New("prompt").
		Option("missingkey=error").
		Funcs(r.funcs(ctx)).
		Parse(templateText)
	if err != nil {
		return "", &RenderError{Stage: "parse", Err: err}
	}

	var sb strings.Builder
	if err := tpl.Execute(&sb, ctx); err != nil {
		return "", &RenderError{Stage: "execute", Err: err}
	}
	return strings.TrimSpace(sb.String()), nil
}

func (r *Renderer) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}

func (r *Renderer) funcs(ctx Context) template.FuncMap {
	snap := ctx.Snapshot
	tag := language.Make(ctx.Language)

	return template.FuncMap{
		"areas": func() []Area { return snap.Areas },
		"area_name": func(id string) string {
			a, _ := snap.Area(id)
			return a.Name
		},
		"area_entities": func(id string) []Entity {
			a, _ := snap.Area(id)
			return a.Entities
		},
		"entity": func(id string) (Entity, error) {
			e, ok := snap.Entity(id)
			if !ok {
				return Entity{}, fmt.Errorf("entity %q is not exposed", id)
			}
			return e, nil
		},
		"state": func(id string) string {
			if e, ok := snap.Entity(id); ok {
				return e.State
			}
			return "unknown"
		},
		"is_state": func(id, value string) bool {
			e, ok := snap.Entity(id)
			return ok && e.State == value
		},
		"join": func(sep string, items []string) string {
			return strings.Join(items, sep)
		},
		"lower": func(s string) string { return cases.Lower(tag).String(s) },
		"upper": func(s string) string { return cases.Upper(tag).String(s) },
		"title": func(s string) string { return cases.Title(tag).String(s) },
		"default": func(def, value any) any {
			if isEmpty(value) {
				return def
			}
			return value
		},
		"now": r.now,
		"format_time": func(layout string, t time.Time) string {
			return t.Format(layout)
		},
	}
}

// isEmpty reports whether v is nil or the zero value of its type, or an
// empty collection.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() == 0
	}
	return rv.IsZero()
}

// IsRenderError reports whether err is, or wraps, a *RenderError.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}
