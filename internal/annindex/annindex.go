// Package annindex holds the authoritative in-memory nearest-neighbour
// vector index: one brute-force cosine-distance search per tenant,
// guarded by a single writer lock with atomic snapshot publication so
// concurrent queries never observe a partially-applied insert or remove.
// No library in the available dependency set implements vector ANN
// search, so this is a from-scratch implementation per the design's own
// allowance that the algorithm is an implementation choice; see the
// module's design notes for why brute force suffices at the target scale.
package annindex

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"sentinelcam/internal/metrics"
	"sentinelcam/internal/model"
)

// Match is one query result: a candidate PersonFace and its cosine
// distance from the query vector.
type Match struct {
	PersonFaceID string
	Distance     float32
}

// Stats reports aggregate index size and the cost of the last rebuild.
type Stats struct {
	TotalFaces int
	Tenants    int
	BuildMs    int64
}

type entry struct {
	personFaceID string
	personID     string
	tenantID     string
	vector       []float32
}

// snapshot is an immutable view of the index, grouped by tenant for query
// isolation. Replacing the atomic pointer is the only way callers observe
// a new state; existing holders keep reading the old one.
type snapshot struct {
	byTenant map[string][]entry
	total    int
}

// Source is the narrow persistence contract the index rebuilds from.
type Source interface {
	ListActiveFaceVectors(tenantID string) ([]model.FaceVector, error)
}

// Index is the process-wide ANN Face Index. Zero value is not usable; use
// New.
type Index struct {
	mu       sync.Mutex // serializes writers (insert/remove/rebuild)
	snap     atomic.Pointer[snapshot]
	buildMs  atomic.Int64
}

// New creates an empty Index. Call Initialize to load it from persistence.
func New() *Index {
	idx := &Index{}
	idx.snap.Store(&snapshot{byTenant: make(map[string][]entry)})
	return idx
}

// Initialize loads every currently active FaceVector across all known
// tenants from src and builds the first snapshot. tenantIDs enumerates the
// tenants to load, since the Source contract is scoped per-tenant.
func (idx *Index) Initialize(src Source, tenantIDs []string) error {
	start := time.Now()

	byTenant := make(map[string][]entry)
	total := 0
	for _, tenantID := range tenantIDs {
		vectors, err := src.ListActiveFaceVectors(tenantID)
		if err != nil {
			return err
		}
		entries := make([]entry, 0, len(vectors))
		for _, v := range vectors {
			entries = append(entries, entry{
				personFaceID: v.PersonFaceID,
				personID:     v.PersonID,
				tenantID:     v.TenantID,
				vector:       v.Vector,
			})
		}
		byTenant[tenantID] = entries
		total += len(entries)
	}

	idx.mu.Lock()
	idx.snap.Store(&snapshot{byTenant: byTenant, total: total})
	idx.mu.Unlock()

	buildMs := time.Since(start).Milliseconds()
	idx.buildMs.Store(buildMs)

	metrics.AnnIndexBuildMs.Set(float64(buildMs))
	for tenantID, entries := range byTenant {
		metrics.AnnIndexFaces.WithLabelValues(tenantID).Set(float64(len(entries)))
	}
	return nil
}

// Insert validates vector is unit-norm and adds it to the index under
// tenantID, publishing a new snapshot. Replacing an existing
// personFaceID first removes the prior entry.
func (idx *Index) Insert(personFaceID, personID, tenantID string, vector []float32) error {
	if !isUnitNorm(vector) {
		return model.ErrIndexBadVector
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	next := cloneSnapshot(cur)

	entries := next.byTenant[tenantID]
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.personFaceID != personFaceID {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) != len(entries) {
		next.total--
	}
	filtered = append(filtered, entry{
		personFaceID: personFaceID,
		personID:     personID,
		tenantID:     tenantID,
		vector:       vector,
	})
	next.byTenant[tenantID] = filtered
	next.total++

	idx.snap.Store(next)
	metrics.AnnIndexFaces.WithLabelValues(tenantID).Set(float64(len(filtered)))
	return nil
}

// Remove deletes personFaceID from tenantID's set, if present.
func (idx *Index) Remove(tenantID, personFaceID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cur := idx.snap.Load()
	entries, ok := cur.byTenant[tenantID]
	if !ok {
		return
	}

	found := false
	filtered := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.personFaceID == personFaceID {
			found = true
			continue
		}
		filtered = append(filtered, e)
	}
	if !found {
		return
	}

	next := cloneSnapshot(cur)
	next.byTenant[tenantID] = filtered
	next.total--
	idx.snap.Store(next)
	metrics.AnnIndexFaces.WithLabelValues(tenantID).Set(float64(len(filtered)))
}

// Query returns the k nearest FaceVectors to vector among tenantID's
// entries only; cross-tenant matches are structurally impossible since
// the search never iterates another tenant's slice.
func (idx *Index) Query(tenantID string, vector []float32, k int) []Match {
	if k <= 0 {
		k = 1
	}
	snap := idx.snap.Load()
	entries := snap.byTenant[tenantID]
	if len(entries) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, Match{
			PersonFaceID: e.personFaceID,
			Distance:     cosineDistance(vector, e.vector),
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// Stats reports the current index size and last rebuild cost.
func (idx *Index) Stats() Stats {
	snap := idx.snap.Load()
	return Stats{
		TotalFaces: snap.total,
		Tenants:    len(snap.byTenant),
		BuildMs:    idx.buildMs.Load(),
	}
}

func cloneSnapshot(s *snapshot) *snapshot {
	next := &snapshot{byTenant: make(map[string][]entry, len(s.byTenant)), total: s.total}
	for tenant, entries := range s.byTenant {
		cp := make([]entry, len(entries))
		copy(cp, entries)
		next.byTenant[tenant] = cp
	}
	return next
}

func cosineDistance(a, b []float32) float32 {
	var dot float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
	}
	return 1 - dot
}

func isUnitNorm(v []float32) bool {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	return norm >= 0.99 && norm <= 1.01
}
