package match

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/andresmejia3/watchtower/internal/codec"
	"github.com/andresmejia3/watchtower/internal/store"
	"github.com/coder/hnsw"
)

const (
	// hnswMaxNeighbors is the M parameter of each graph.
	hnswMaxNeighbors = 16
	// hnswCandidates is how many approximate neighbors get an exact
	// distance check before the best one is picked.
	hnswCandidates = 8
)

type indexedEntry struct {
	name string
	vec  []float64
}

// Indexed keeps an HNSW graph per embedding dimension and feeds it
// incrementally from the gallery, so each Identify only reads rows enrolled
// since the previous call. Answers follow the same threshold rule as
// Scanner, but the neighbor search is approximate.
type Indexed struct {
	gallery Gallery
	log     *slog.Logger

	mu      sync.Mutex
	graphs  map[int]*hnsw.Graph[int64]
	entries map[int64]indexedEntry
	lastID  int64
	last    store.Record // the record lastID points at, to detect a reset gallery
}

// NewIndexed returns an HNSW-backed matcher over gallery. The graphs are
// empty until the first Identify or Refresh.
func NewIndexed(gallery Gallery, logger *slog.Logger) *Indexed {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Indexed{
		gallery: gallery,
		log:     logger,
		graphs:  make(map[int]*hnsw.Graph[int64]),
		entries: make(map[int64]indexedEntry),
	}
}

// Len returns the number of indexed embeddings.
func (m *Indexed) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Refresh pulls records enrolled since the last refresh into the graphs.
func (m *Indexed) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Indexed) refreshLocked(ctx context.Context) error {
	ok, err := m.anchored(ctx)
	if err != nil {
		return err
	}
	if !ok {
		// The gallery was reset and IDs restarted; start over.
		m.log.Info("gallery changed underneath the hnsw index, rebuilding", "last_id", m.lastID)
		m.graphs = make(map[int]*hnsw.Graph[int64])
		m.entries = make(map[int64]indexedEntry)
		m.lastID = 0
		m.last = store.Record{}
	}

	added := 0
	for rec, err := range m.gallery.ScanAfter(ctx, m.lastID) {
		if err != nil {
			return err
		}
		m.lastID = rec.ID
		m.last = rec

		vec, err := codec.DecodeVector(rec.Embedding)
		if err != nil {
			m.log.Warn("skipping undecodable embedding", "id", rec.ID, "name", rec.Name, "err", err)
			continue
		}
		if len(vec) == 0 || norm(vec) == 0 {
			// Zero vectors have no direction and never match.
			continue
		}

		g, ok := m.graphs[len(vec)]
		if !ok {
			g = hnsw.NewGraph[int64]()
			g.M = hnswMaxNeighbors
			g.Ml = 1.0 / float64(hnswMaxNeighbors)
			g.Distance = hnsw.CosineDistance
			m.graphs[len(vec)] = g
		}
		g.Add(hnsw.MakeNode(rec.ID, toFloat32(vec)))
		m.entries[rec.ID] = indexedEntry{name: rec.Name, vec: vec}
		added++
	}
	if added > 0 {
		m.log.Debug("hnsw index refreshed", "added", added, "total", len(m.entries), "last_id", m.lastID)
	}
	return nil
}

// anchored reports whether the last indexed record is still stored
// unchanged. Rows are immutable, so a mismatch means the gallery was reset.
func (m *Indexed) anchored(ctx context.Context) (bool, error) {
	if m.lastID == 0 {
		return true, nil
	}
	for rec, err := range m.gallery.ScanAfter(ctx, m.lastID-1) {
		if err != nil {
			return false, err
		}
		return rec.ID == m.lastID && rec.Name == m.last.Name && rec.Embedding == m.last.Embedding, nil
	}
	return false, nil
}

// Identify refreshes the index, searches the graph matching the query's
// dimension and re-ranks the candidates by exact cosine distance. Ties keep
// the lower record ID, matching Scanner's scan order.
func (m *Indexed) Identify(ctx context.Context, query []float64, threshold float64) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.refreshLocked(ctx); err != nil {
		return Unknown, err
	}
	if norm(query) == 0 {
		return Unknown, nil
	}
	g, ok := m.graphs[len(query)]
	if !ok || g.Len() == 0 {
		return Unknown, nil
	}

	k := hnswCandidates
	if n := g.Len(); n < k {
		k = n
	}
	best := Result{Distance: math.Inf(1)}
	for _, node := range g.Search(toFloat32(query), k) {
		entry, ok := m.entries[node.Key]
		if !ok {
			continue
		}
		d := CosineDistance(query, entry.vec)
		if d < best.Distance || (d == best.Distance && best.Known && node.Key < best.RecordID) {
			best = Result{Name: entry.name, Distance: d, RecordID: node.Key, Known: true}
		}
	}
	return decide(best, threshold), nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
