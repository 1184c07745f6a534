// Package route resolves requested filenames to data-producing handlers.
//
// A Table is an ordered, append-only list of (filter, handler) pairs. The first
// route whose filter matches runs; its handler either responds with the file
// content, defers to the next matching route, or fails the request.
package route

import (
	"net"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

// Filter decides whether a route applies to a filename. *regexp.Regexp
// satisfies it directly; Exact matches one name.
type Filter interface {
	MatchString(filename string) bool
}

type Exact string

func (e Exact) MatchString(filename string) bool {
	return string(e) == filename
}

func (e Exact) String() string {
	return string(e)
}

// Pattern compiles expr into a Filter.
func Pattern(expr string) (Filter, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return re, nil
}

type Request struct {
	Filename   string
	Mode       string
	SessionKey string
	RemoteAddr net.Addr
}

type RespondFunc func(data []byte)

// NextFunc with a nil error passes the request to the next matching route; a
// non-nil error stops resolution.
type NextFunc func(err error)

// Handler must call exactly one of respond or next exactly once.
type Handler func(req *Request, respond RespondFunc, next NextFunc)

type Route struct {
	Filter  Filter
	Handler Handler
}

func (r *Route) matches(filename string) bool {
	return r.Filter == nil || r.Filter.MatchString(filename)
}

type Handle int

type Table struct {
	mu     sync.RWMutex
	routes []*Route
}

func NewTable() *Table {
	return &Table{}
}

// Register appends a route. A nil filter matches every filename.
func (t *Table) Register(filter Filter, h Handler) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes = append(t.routes, &Route{Filter: filter, Handler: h})
	return Handle(len(t.routes) - 1)
}

// Unregister empties the slot behind h. The table never shrinks so other
// handles stay valid.
func (t *Table) Unregister(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(h) < 0 || int(h) >= len(t.routes) {
		return
	}
	t.routes[h] = nil
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// At returns the route in slot i, or nil for an unregistered or missing slot.
func (t *Table) At(i int) *Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.routes) {
		return nil
	}
	return t.routes[i]
}

// Resolve walks the table from the first slot. onData receives the content of
// the first route that responds; onReject receives tftpwire.ErrFileNotFound
// when no route accepts, or the error a handler failed with. Exactly one of
// them is called. Handlers run without the table lock held, so they may
// register and unregister routes themselves.
func (t *Table) Resolve(req *Request, onData func([]byte), onReject func(error)) {
	t.tryRoute(0, req, onData, onReject)
}

func (t *Table) tryRoute(i int, req *Request, onData func([]byte), onReject func(error)) {
	for {
		t.mu.RLock()
		if i >= len(t.routes) {
			t.mu.RUnlock()
			onReject(tftpwire.ErrFileNotFound)
			return
		}
		r := t.routes[i]
		t.mu.RUnlock()

		if r == nil || !r.matches(req.Filename) {
			i++
			continue
		}

		idx := i
		var answered atomic.Bool
		claim := func(kind string) bool {
			if answered.CompareAndSwap(false, true) {
				return true
			}
			internal.Warn("route handler answered more than once", internal.Fields{
				internal.FieldRoute: idx,
				internal.FieldFile:  req.Filename,
				internal.FieldMsg:   kind,
			})
			return false
		}
		r.Handler(req, func(data []byte) {
			if claim("respond") {
				onData(data)
			}
		}, func(err error) {
			if !claim("next") {
				return
			}
			if err != nil {
				onReject(err)
				return
			}
			t.tryRoute(idx+1, req, onData, onReject)
		})
		return
	}
}
