// Package hasher computes container digests for a configurable set of
// algorithms in a single streaming pass.
package hasher

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"slices"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/koromodako/datashark/internal/container"
	"github.com/koromodako/datashark/internal/repository"
)

// Index is the record index hashes are persisted under.
const Index = "hash"

const chunkSize = 10240

// ErrUnknownAlgorithm is returned for an algorithm name Hasher does not support.
var ErrUnknownAlgorithm = errors.New("hasher: unknown algorithm")

var factories = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha224":   sha256.New224,
	"sha256":   sha256.New,
	"sha384":   sha512.New384,
	"sha512":   sha512.New,
	"sha3-224": sha3.New224,
	"sha3-256": sha3.New256,
	"sha3-384": sha3.New384,
	"sha3-512": sha3.New512,
}

// DefaultAlgorithms is used when no algorithm is configured.
var DefaultAlgorithms = []string{"md5", "sha1", "sha256", "sha3-256"}

// Algorithms returns the supported algorithm names, sorted.
func Algorithms() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hash holds the digests of one container, hex-encoded and keyed by algorithm.
type Hash struct {
	ContainerID string
	Size        int64
	Digests     map[string]string
}

// FieldName maps an algorithm name to its record field name.
func FieldName(algo string) string {
	return strings.ReplaceAll(algo, "-", "_")
}

// Record implements repository.Object.
func (h *Hash) Record() repository.Record {
	algos := make([]string, 0, len(h.Digests))
	for a := range h.Digests {
		algos = append(algos, a)
	}
	sort.Strings(algos)

	rec := repository.Record{
		Index:   Index,
		Primary: "container",
		Fields: []repository.Field{
			{Name: "container", Type: repository.TypeString},
			{Name: "size", Type: repository.TypeInt},
		},
		Source: map[string]any{
			"container": h.ContainerID,
			"size":      h.Size,
		},
	}
	for _, a := range algos {
		rec.Fields = append(rec.Fields, repository.Field{Name: FieldName(a), Type: repository.TypeString})
		rec.Source[FieldName(a)] = h.Digests[a]
	}
	return rec
}

// Hasher computes digests for a fixed set of algorithms.
type Hasher struct {
	algos []string
}

// New validates algos and returns a Hasher. An empty list selects
// DefaultAlgorithms.
func New(algos []string) (*Hasher, error) {
	if len(algos) == 0 {
		algos = DefaultAlgorithms
	}
	seen := make(map[string]bool, len(algos))
	out := make([]string, 0, len(algos))
	for _, a := range algos {
		a = strings.ToLower(strings.TrimSpace(a))
		if _, ok := factories[a]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a)
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	return &Hasher{algos: out}, nil
}

// Algorithms returns the configured algorithm names.
func (h *Hasher) Algorithms() []string {
	return slices.Clone(h.algos)
}

// Sum streams r through every configured digest once.
func (h *Hasher) Sum(ctx context.Context, r io.Reader) (map[string]string, int64, error) {
	hashes := make([]hash.Hash, len(h.algos))
	writers := make([]io.Writer, len(h.algos))
	for i, a := range h.algos {
		hashes[i] = factories[a]()
		writers[i] = hashes[i]
	}
	w := io.MultiWriter(writers...)

	buf := make([]byte, chunkSize)
	var size int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, size, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			size += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, size, fmt.Errorf("hasher: read: %w", err)
		}
	}

	digests := make(map[string]string, len(h.algos))
	for i, a := range h.algos {
		digests[a] = hex.EncodeToString(hashes[i].Sum(nil))
	}
	return digests, size, nil
}

// Hash computes the digests of c.
func (h *Hasher) Hash(ctx context.Context, c *container.Container) (*Hash, error) {
	f, err := c.Open()
	if err != nil {
		return nil, fmt.Errorf("hasher: %w", err)
	}
	defer f.Close()

	digests, size, err := h.Sum(ctx, f)
	if err != nil {
		return nil, err
	}
	return &Hash{ContainerID: c.ID().String(), Size: size, Digests: digests}, nil
}
