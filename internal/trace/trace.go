// Package trace extends golang.org/x/net/trace, and mirrors the events to
// the log.
package trace

import (
	"fmt"
	"strconv"

	"blitiri.com.ar/go/log"
	"github.com/oklog/ulid/v2"

	nettrace "golang.org/x/net/trace"
)

// A Trace represents an active request.
type Trace struct {
	family string
	title  string
	t      nettrace.Trace
}

// New trace. If the title is empty, a new unique ID is used, so concurrent
// requests of the same family can be told apart in the log.
func New(family, title string) *Trace {
	if title == "" {
		title = ulid.Make().String()
	}
	t := &Trace{family, title, nettrace.New(family, title)}

	// The default for max events is 10, which is too short for a
	// verification, which traces every step. Expand it to 30 which should
	// be large enough to keep most of the traces.
	t.t.SetMaxEvents(30)
	return t
}

// Title of the trace.
func (t *Trace) Title() string {
	return t.title
}

// Printf adds this message to the trace's log.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)

	log.Log(log.Info, 1, "%s %s: %s", t.family, t.title,
		quote(fmt.Sprintf(format, a...)))
}

// Debugf adds this message to the trace's log, with a debugging level.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.t.LazyPrintf(format, a...)

	log.Log(log.Debug, 1, "%s %s: %s",
		t.family, t.title, quote(fmt.Sprintf(format, a...)))
}

// Errorf adds this message to the trace's log, with an error level.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	// Note we can't just call t.Error here, as it breaks caller logging.
	err := fmt.Errorf(format, a...)
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)

	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title,
		quote(err.Error()))
	return err
}

// Error marks the trace as having seen an error, and also logs it to the
// trace's log.
func (t *Trace) Error(err error) error {
	t.t.SetError()
	t.t.LazyPrintf("error: %v", err)

	log.Log(log.Info, 1, "%s %s: error: %s", t.family, t.title,
		quote(err.Error()))

	return err
}

// Finish the trace. It should not be changed after this is called.
func (t *Trace) Finish() {
	t.t.Finish()
}

func quote(s string) string {
	qs := strconv.Quote(s)
	return qs[1 : len(qs)-1]
}
