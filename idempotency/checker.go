// Package idempotency decides whether a completed stage can be skipped.
//
// A stage run is fingerprinted by hashing the context fields that affect
// its output. The hash is stored in a completion marker after a
// successful run; before the next run the stored hash is compared with
// the current one to pick skip, rerun, or rerun-with-cleanup.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"krai.services/engine/common"
	"krai.services/engine/db"
)

// Fingerprint is the hashed subset of a processing context. All eight
// fields are always serialized so the hash stays stable across runs
// regardless of which optional fields are set.
type Fingerprint struct {
	DocumentID   string
	FilePath     string
	FileHash     string
	FileSize     int64
	Manufacturer string
	Model        string
	Series       string
	Version      string
}

// Hash returns the 64-hex SHA-256 over the key-sorted JSON encoding of
// the fingerprint.
func (f Fingerprint) Hash() string {
	fields := map[string]interface{}{
		"document_id":  f.DocumentID,
		"file_path":    f.FilePath,
		"file_hash":    f.FileHash,
		"file_size":    f.FileSize,
		"manufacturer": f.Manufacturer,
		"model":        f.Model,
		"series":       f.Series,
		"version":      f.Version,
	}
	// encoding/json sorts map keys, which pins the byte layout.
	encoded, _ := json.Marshal(fields)
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// Decision is the outcome of comparing a marker with the current hash.
type Decision int

const (
	// Run means no marker exists; the stage runs normally.
	Run Decision = iota

	// Skip means the marker matches the current hash; reuse prior output.
	Skip

	// Rerun means the marker is stale; delete it, clean artifacts if the
	// stage supports cleanup, then run.
	Rerun
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Rerun:
		return "rerun"
	default:
		return "run"
	}
}

// Decide applies the marker comparison rule.
func Decide(marker *db.CompletionMarker, currentHash string) Decision {
	switch {
	case marker == nil:
		return Run
	case marker.DataHash == currentHash:
		return Skip
	default:
		return Rerun
	}
}

// Checker reads and writes completion markers through the store port.
type Checker struct {
	store  db.TrackingStore
	logger *logrus.Entry
}

// NewChecker returns a checker bound to the given tracking store.
func NewChecker(store db.TrackingStore) *Checker {
	return &Checker{
		store:  store,
		logger: common.ComponentLogger("idempotency"),
	}
}

// Get returns the marker for (document, stage) or nil when none exists.
func (c *Checker) Get(ctx context.Context, documentID, stageName string) (*db.CompletionMarker, error) {
	marker, err := c.store.GetMarker(ctx, documentID, stageName)
	if err != nil {
		return nil, fmt.Errorf("failed to read completion marker: %w", err)
	}
	return marker, nil
}

// Upsert records a completed stage run. Concurrent completions converge
// on one row through the store's natural-key conflict policy.
func (c *Checker) Upsert(ctx context.Context, documentID, stageName, dataHash string, metadata db.JSONB) error {
	marker := &db.CompletionMarker{
		DocumentID: documentID,
		StageName:  stageName,
		DataHash:   dataHash,
		Metadata:   metadata,
	}
	if err := c.store.UpsertMarker(ctx, marker); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	c.logger.WithFields(logrus.Fields{
		"document_id": documentID,
		"stage":       stageName,
	}).Debug("Completion marker written")
	return nil
}

// Delete removes a stale marker before a rerun. Deleting a missing
// marker is not an error.
func (c *Checker) Delete(ctx context.Context, documentID, stageName string) error {
	if err := c.store.DeleteMarker(ctx, documentID, stageName); err != nil {
		return fmt.Errorf("failed to delete completion marker: %w", err)
	}
	return nil
}
