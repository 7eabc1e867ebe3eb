package gateway

import (
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// idGenerator produces correlation ids that are unique for the life of the
// process: a monotonically increasing counter plus a ULID.
type idGenerator struct {
	counter atomic.Uint64

	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func newIDGenerator() *idGenerator {
	now := time.Now()
	return &idGenerator{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
		now:     time.Now,
	}
}

func (g *idGenerator) ulid() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// next returns a request id of the form req-<counter>-<ulid>.
func (g *idGenerator) next() string {
	n := g.counter.Add(1)
	return fmt.Sprintf("req-%d-%s", n, g.ulid())
}

// handshake returns an id for a connect request.
func (g *idGenerator) handshake() string {
	return "handshake-" + g.ulid().String()
}
