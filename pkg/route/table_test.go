package route

import (
	"errors"
	"io"
	"regexp"
	"testing"

	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/tftpwire"
)

func init() {
	internal.SetLogOutput(io.Discard)
}

type outcome struct {
	data     []byte
	err      error
	answered int
}

func resolve(t *testing.T, tbl *Table, filename string) *outcome {
	t.Helper()
	out := &outcome{}
	tbl.Resolve(&Request{Filename: filename, Mode: "octet"}, func(b []byte) {
		out.answered++
		out.data = b
	}, func(err error) {
		out.answered++
		out.err = err
	})
	if out.answered != 1 {
		t.Fatalf("expected exactly one answer, got %d", out.answered)
	}
	return out
}

func TestResolveFirstMatchWins(t *testing.T) {
	tbl := NewTable()
	fired := make([]string, 0, 3)
	record := func(name string) Handler {
		return func(req *Request, respond RespondFunc, next NextFunc) {
			fired = append(fired, name)
			respond([]byte(name))
		}
	}
	tbl.Register(regexp.MustCompile("nope"), record("h0"))
	tbl.Register(Exact("file"), record("h1"))
	tbl.Register(regexp.MustCompile("file"), record("h2"))

	out := resolve(t, tbl, "file")
	if string(out.data) != "h1" {
		t.Fatalf("unexpected data %q", out.data)
	}
	if len(fired) != 1 || fired[0] != "h1" {
		t.Fatalf("unexpected handlers fired: %v", fired)
	}
}

func TestResolveSkipRunsNextMatch(t *testing.T) {
	tbl := NewTable()
	var order []string
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		order = append(order, "wildcard")
		next(nil)
	})
	tbl.Register(Exact("other"), func(req *Request, respond RespondFunc, next NextFunc) {
		order = append(order, "other")
		respond(nil)
	})
	tbl.Register(Exact("boot.img"), func(req *Request, respond RespondFunc, next NextFunc) {
		order = append(order, "boot")
		respond([]byte("kernel"))
	})

	out := resolve(t, tbl, "boot.img")
	if string(out.data) != "kernel" || out.err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(order) != 2 || order[0] != "wildcard" || order[1] != "boot" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestResolveErrorStopsIteration(t *testing.T) {
	tbl := NewTable()
	later := false
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		next(errors.New("Custom failure"))
	})
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		later = true
		respond([]byte("x"))
	})

	out := resolve(t, tbl, "a")
	if out.err == nil || out.err.Error() != "Custom failure" {
		t.Fatalf("expected propagated error, got %v", out.err)
	}
	if later {
		t.Fatal("route after failing handler should not run")
	}
}

func TestResolveNoMatchIsFileNotFound(t *testing.T) {
	tbl := NewTable()
	out := resolve(t, tbl, "missing")
	if !errors.Is(out.err, tftpwire.ErrFileNotFound) {
		t.Fatalf("empty table: expected file not found, got %v", out.err)
	}

	tbl.Register(Exact("x"), func(req *Request, respond RespondFunc, next NextFunc) { respond(nil) })
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) { next(nil) })
	out = resolve(t, tbl, "missing")
	if !errors.Is(out.err, tftpwire.ErrFileNotFound) {
		t.Fatalf("all skipped: expected file not found, got %v", out.err)
	}
}

func TestUnregisterLeavesHole(t *testing.T) {
	tbl := NewTable()
	noop := func(req *Request, respond RespondFunc, next NextFunc) { respond([]byte("a")) }
	h0 := tbl.Register(Exact("a"), noop)
	h1 := tbl.Register(Exact("b"), noop)

	tbl.Unregister(h0)
	if tbl.Len() != 2 {
		t.Fatalf("table shrank to %d", tbl.Len())
	}
	if tbl.At(int(h0)) != nil {
		t.Fatal("unregistered slot should be empty")
	}
	if tbl.At(int(h1)) == nil {
		t.Fatal("other slot should survive")
	}

	h2 := tbl.Register(Exact("c"), noop)
	if h2 == h0 {
		t.Fatal("cleared slot reused")
	}
	if tbl.At(int(h0)) != nil {
		t.Fatal("cleared slot got a filter back")
	}

	// idempotent and bounds-safe
	tbl.Unregister(h0)
	tbl.Unregister(Handle(99))
	tbl.Unregister(Handle(-1))
	if tbl.Len() != 3 {
		t.Fatalf("unexpected length %d", tbl.Len())
	}

	if out := resolve(t, tbl, "a"); !errors.Is(out.err, tftpwire.ErrFileNotFound) {
		t.Fatalf("unregistered route still answered: %+v", out)
	}
}

func TestResolveIgnoresSecondAnswer(t *testing.T) {
	tbl := NewTable()
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		respond([]byte("first"))
		next(errors.New("late"))
		respond([]byte("second"))
	})
	out := resolve(t, tbl, "x")
	if string(out.data) != "first" || out.err != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestResolveAsyncHandler(t *testing.T) {
	tbl := NewTable()
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		go next(nil)
	})
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		go respond([]byte(req.Filename))
	})

	done := make(chan []byte, 1)
	tbl.Resolve(&Request{Filename: "async"}, func(b []byte) { done <- b }, func(err error) {
		t.Errorf("unexpected reject %v", err)
		done <- nil
	})
	if got := <-done; string(got) != "async" {
		t.Fatalf("unexpected data %q", got)
	}
}

func TestHandlerMayRegisterDuringResolve(t *testing.T) {
	tbl := NewTable()
	tbl.Register(nil, func(req *Request, respond RespondFunc, next NextFunc) {
		tbl.Register(Exact(req.Filename), func(req *Request, respond RespondFunc, next NextFunc) {
			respond([]byte("late"))
		})
		next(nil)
	})
	out := resolve(t, tbl, "dyn")
	if string(out.data) != "late" {
		t.Fatalf("route registered mid-resolve not consulted: %+v", out)
	}
}

func TestPattern(t *testing.T) {
	f, err := Pattern(`^pxe/.*\.cfg$`)
	if err != nil {
		t.Fatalf("Pattern failed: %v", err)
	}
	if !f.MatchString("pxe/default.cfg") || f.MatchString("default.cfg") {
		t.Fatal("pattern matched unexpectedly")
	}
	if _, err := Pattern("("); err == nil {
		t.Fatal("expected compile error")
	}
}
