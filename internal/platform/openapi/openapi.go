// Package openapi builds an OpenAPI 3.0 document from the routes registered
// on an echo instance and the operations each handler describes.
package openapi

import (
	"net/http"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/pkg/civildate"
)

// Operation documents one route. Request and Response are zero values of the
// payload types; their schemas are derived from the JSON tags.
type Operation struct {
	Method   string
	Path     string
	Tag      string
	Summary  string
	Query    []string
	Request  interface{}
	Response interface{}
	List     bool
	Status   int
}

// Describer is implemented by handlers that document their routes.
type Describer interface {
	Operations() []Operation
}

type Generator struct {
	mu      sync.Mutex
	title   string
	version string
	ops     map[string]Operation
	schemas map[string]interface{}
}

func NewGenerator(title, version string) *Generator {
	return &Generator{
		title:   title,
		version: version,
		ops:     make(map[string]Operation),
		schemas: map[string]interface{}{"Error": errorSchema()},
	}
}

// Add records the operations of d, whose paths are relative to prefix.
func (g *Generator) Add(prefix string, d Describer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, op := range d.Operations() {
		op.Path = prefix + op.Path
		g.ops[op.Method+" "+op.Path] = op
	}
}

// Build renders the document for routes. Routes without an Operation are
// listed with a generic response.
func (g *Generator) Build(routes []*echo.Route) map[string]interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	paths := make(map[string]map[string]interface{})
	for _, r := range routes {
		if strings.HasPrefix(r.Method, "echo_route") {
			continue
		}
		p := toOpenAPIPath(r.Path)
		if paths[p] == nil {
			paths[p] = make(map[string]interface{})
		}
		op, ok := g.ops[r.Method+" "+r.Path]
		if !ok {
			op = Operation{Method: r.Method, Path: r.Path, Tag: "System"}
		}
		paths[p][strings.ToLower(r.Method)] = g.operation(op)
	}

	out := make(map[string]interface{}, len(paths))
	for p, methods := range paths {
		out[p] = methods
	}
	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":   g.title,
			"version": g.version,
		},
		"paths": out,
		"components": map[string]interface{}{
			"schemas": g.schemas,
		},
	}
}

// Handler serves the document for every route registered on e at call time.
func (g *Generator) Handler(e *echo.Echo) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.Build(e.Routes()))
	}
}

func (g *Generator) operation(op Operation) map[string]interface{} {
	status := op.Status
	if status == 0 {
		status = http.StatusOK
	}
	out := map[string]interface{}{
		"tags": []string{op.Tag},
	}
	if op.Summary != "" {
		out["summary"] = op.Summary
	}

	var params []map[string]interface{}
	for _, name := range pathParams(op.Path) {
		params = append(params, map[string]interface{}{
			"name": name, "in": "path", "required": true,
			"schema": map[string]interface{}{"type": "integer", "format": "int64"},
		})
	}
	for _, name := range op.Query {
		params = append(params, map[string]interface{}{
			"name": name, "in": "query", "required": false,
			"schema": map[string]interface{}{"type": "string"},
		})
	}
	if len(params) > 0 {
		out["parameters"] = params
	}

	if op.Request != nil {
		out["requestBody"] = map[string]interface{}{
			"required": true,
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": g.ref(op.Request)},
			},
		}
	}

	responses := map[string]interface{}{
		"default": map[string]interface{}{
			"description": "Error",
			"content": map[string]interface{}{
				"application/json": map[string]interface{}{"schema": map[string]interface{}{"$ref": "#/components/schemas/Error"}},
			},
		},
	}
	success := map[string]interface{}{"description": http.StatusText(status)}
	if op.Response != nil {
		schema := g.ref(op.Response)
		if op.List {
			schema = pageSchema(schema)
		}
		success["content"] = map[string]interface{}{
			"application/json": map[string]interface{}{"schema": schema},
		}
	}
	responses[strconv.Itoa(status)] = success
	out["responses"] = responses
	return out
}

// ref registers the schema of v's type and returns a $ref to it. Maps are
// inlined.
func (g *Generator) ref(v interface{}) map[string]interface{} {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct || t.Name() == "" {
		return g.schemaFor(t)
	}
	if _, ok := g.schemas[t.Name()]; !ok {
		// Placeholder first so self-referencing types terminate.
		g.schemas[t.Name()] = map[string]interface{}{}
		g.schemas[t.Name()] = g.structSchema(t)
	}
	return map[string]interface{}{"$ref": "#/components/schemas/" + t.Name()}
}

var (
	timeType      = reflect.TypeOf(time.Time{})
	civilDateType = reflect.TypeOf(civildate.Date{})
)

func (g *Generator) schemaFor(t reflect.Type) map[string]interface{} {
	nullable := false
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
		nullable = true
	}
	var s map[string]interface{}
	switch {
	case t == timeType:
		s = map[string]interface{}{"type": "string", "format": "date-time"}
	case t == civilDateType:
		s = map[string]interface{}{"type": "string", "format": "date"}
	default:
		switch t.Kind() {
		case reflect.String:
			s = map[string]interface{}{"type": "string"}
		case reflect.Bool:
			s = map[string]interface{}{"type": "boolean"}
		case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
			s = map[string]interface{}{"type": "integer"}
		case reflect.Float32, reflect.Float64:
			s = map[string]interface{}{"type": "number"}
		case reflect.Slice, reflect.Array:
			s = map[string]interface{}{"type": "array", "items": g.schemaFor(t.Elem())}
		case reflect.Map:
			s = map[string]interface{}{"type": "object", "additionalProperties": g.schemaFor(t.Elem())}
		case reflect.Struct:
			s = g.ref(reflect.Zero(t).Interface())
		default:
			s = map[string]interface{}{}
		}
	}
	if nullable {
		if _, isRef := s["$ref"]; isRef {
			return map[string]interface{}{"allOf": []interface{}{s}, "nullable": true}
		}
		s["nullable"] = true
	}
	return s
}

func (g *Generator) structSchema(t reflect.Type) map[string]interface{} {
	props := make(map[string]interface{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if f.Anonymous && name == "" && f.Type.Kind() == reflect.Struct {
			// encoding/json promotes embedded fields
			embedded := g.structSchema(f.Type)["properties"].(map[string]interface{})
			for k, v := range embedded {
				if _, ok := props[k]; !ok {
					props[k] = v
				}
			}
			continue
		}
		if name == "" {
			name = f.Name
		}
		props[name] = g.schemaFor(f.Type)
	}
	return map[string]interface{}{"type": "object", "properties": props}
}

func pageSchema(items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"data":     map[string]interface{}{"type": "array", "items": items},
			"total":    map[string]interface{}{"type": "integer"},
			"limit":    map[string]interface{}{"type": "integer"},
			"offset":   map[string]interface{}{"type": "integer"},
			"has_more": map[string]interface{}{"type": "boolean"},
		},
	}
}

func errorSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"status":  map[string]interface{}{"type": "integer"},
			"error":   map[string]interface{}{"type": "string"},
			"message": map[string]interface{}{"type": "string"},
			"path":    map[string]interface{}{"type": "string"},
		},
	}
}

// toOpenAPIPath rewrites /orders/:id to /orders/{id}.
func toOpenAPIPath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		if strings.HasPrefix(part, ":") {
			parts[i] = "{" + part[1:] + "}"
		}
	}
	return strings.Join(parts, "/")
}

func pathParams(p string) []string {
	var names []string
	for _, part := range strings.Split(p, "/") {
		if strings.HasPrefix(part, ":") {
			names = append(names, part[1:])
		}
	}
	sort.Strings(names)
	return names
}
