package manager

import (
	"math/rand"
	"sync"
	"time"
)

const (
	namePrefix       = "cloudslave-"
	nameSuffixLength = 8
	nameAlphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// RandSource supplies random indexes. *rand.Rand satisfies it.
type RandSource interface {
	Intn(n int) int
}

// NameAllocator generates "cloudslave-XXXXXXXX" names that do not collide
// with a live name set.
type NameAllocator struct {
	Rand RandSource
	// Alphabet defaults to [a-zA-Z0-9].
	Alphabet string
}

// NewNameAllocator returns an allocator drawing from r, or from a time seeded
// source safe for concurrent use when r is nil.
func NewNameAllocator(r RandSource) *NameAllocator {
	if r == nil {
		r = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	return &NameAllocator{Rand: r}
}

// Generate returns a random name without checking for collisions.
func (a *NameAllocator) Generate() string {
	alphabet := a.Alphabet
	if alphabet == "" {
		alphabet = nameAlphabet
	}
	suffix := make([]byte, nameSuffixLength)
	for i := range suffix {
		suffix[i] = alphabet[a.Rand.Intn(len(alphabet))]
	}
	return namePrefix + string(suffix)
}

// Lower returns an allocator sharing a's source that draws only [a-z0-9],
// for providers that lower-case instance names.
func (a *NameAllocator) Lower() *NameAllocator {
	return &NameAllocator{Rand: a.Rand, Alphabet: lowerAlphabet}
}

// Unique draws names until one is not in existing. There is no retry bound;
// with 62^8 suffixes a collision streak is not a practical concern.
func (a *NameAllocator) Unique(existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[name] = struct{}{}
	}
	for {
		name := a.Generate()
		if _, ok := taken[name]; !ok {
			return name
		}
	}
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}
