// Package reqid generates correlation identifiers for control-plane requests.
package reqid

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// suffixLen is the number of random hex characters appended to each id.
const suffixLen = 12

// Generator produces identifiers of the form "<unix-millis>-<random hex>".
//
// The millisecond component is strictly increasing per generator, even when
// several ids are requested within the same millisecond or the wall clock
// steps backwards, so ids from one generator sort in issue order.
//
// Thread Safety:
//   - Next is safe for concurrent use.
type Generator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// New returns a Generator reading the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator using now as its time source.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns a new request id.
func (g *Generator) Next() string {
	g.mu.Lock()
	ms := g.now().UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	g.mu.Unlock()

	return strconv.FormatInt(ms, 10) + "-" + randomSuffix()
}

// Timestamp extracts the millisecond component of an id produced by Next.
func Timestamp(id string) (time.Time, bool) {
	head, _, found := strings.Cut(id, "-")
	if !found {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func randomSuffix() string {
	u := uuid.New()
	return strings.ReplaceAll(u.String(), "-", "")[:suffixLen]
}
