// Package web is the switchboard HTTP surface: a fasthttp event gateway
// with bearer/API-key auth and a websocket transition feed.
package web

import (
	"strings"

	"github.com/valyala/fasthttp"
)

// Handler handles one gateway request. params holds the :name path
// segments.
type Handler func(ctx *fasthttp.RequestCtx, params map[string]string)

// Middleware wraps a handler.
type Middleware func(next Handler) Handler

type route struct {
	method  string
	path    string
	handler Handler
}

// Router matches method plus path patterns with :param segments. Routes are
// registered at startup; matching takes no lock.
type Router struct {
	routes     []route
	middleware []Middleware
}

func NewRouter() *Router {
	return &Router{}
}

// Use appends a middleware applied to every route registered afterwards.
func (r *Router) Use(mw Middleware) {
	r.middleware = append(r.middleware, mw)
}

// Handle registers a handler for a method and path pattern.
func (r *Router) Handle(method, path string, handler Handler) {
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	r.routes = append(r.routes, route{method: method, path: path, handler: handler})
}

func (r *Router) GET(path string, handler Handler)  { r.Handle(fasthttp.MethodGet, path, handler) }
func (r *Router) POST(path string, handler Handler) { r.Handle(fasthttp.MethodPost, path, handler) }

// ServeFastHTTP is the fasthttp entry point.
func (r *Router) ServeFastHTTP(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	path := string(ctx.Path())

	for _, rt := range r.routes {
		if rt.method != method {
			continue
		}
		params, ok := matchPath(rt.path, path)
		if !ok {
			continue
		}
		rt.handler(ctx, params)
		return
	}
	writeError(ctx, fasthttp.StatusNotFound, "not found")
}

func matchPath(pattern, path string) (map[string]string, bool) {
	patternParts := strings.Split(pattern, "/")
	pathParts := strings.Split(path, "/")
	if len(patternParts) != len(pathParts) {
		return nil, false
	}

	var params map[string]string
	for i, part := range patternParts {
		if strings.HasPrefix(part, ":") {
			if pathParts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 2)
			}
			params[part[1:]] = pathParts[i]
			continue
		}
		if part != pathParts[i] {
			return nil, false
		}
	}
	return params, true
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, body []byte) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"error":"` + message + `"}`)
}
