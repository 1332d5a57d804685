package azstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	qwormhole "github.com/qwormhole/qwormhole"
)

// MaxBlobBlockSize and MaxBlocksPerBlob are the append-blob limits the
// teacher's azblob.go rotates against (4 MiB, 50,000 blocks).
const (
	MaxBlobBlockSize  = 4 * 1024 * 1024
	MaxBlocksPerBlob  = 50000
	rotateMargin      = 10
)

// BlobSnapshotSink is an azblob-backed qwormhole trust-snapshot sink
// (spec.md §4.H): it appends one JSON line per TrustSnapshot to a
// rotating append blob. The line carries direction, reason, timestamp,
// remote, peer ID, handshake tags, entropy metrics and policy trust
// level; the snapshot's flow diagnostics and batch stats are not
// written. Grounded on the teacher's azblob.go
// blobTransport/Rotator (ShouldRotate/RotateTX), repointed at snapshot
// records instead of opaque transport bytes — the rotation accounting
// (block count, rollover to a new blob) is kept almost verbatim.
type BlobSnapshotSink struct {
	mu            sync.Mutex
	client        *appendblob.Client
	container     string
	blobPrefix    string
	seq           int
	blocksWritten int64

	svc *azblob.Client
	ctx context.Context
	w   *ThrottledWriter
}

// NewBlobSnapshotSink builds a sink appending newline-delimited JSON
// snapshots to container/blobPrefix-N append blobs, throttled to
// bytesPerSec (0 = unthrottled) via the same ThrottledWriter used for
// the telemetry sink's queue posts.
func NewBlobSnapshotSink(serviceURL, container, blobPrefix string, bytesPerSec int) (*BlobSnapshotSink, error) {
	ep, err := NewEndpoint(serviceURL)
	if err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("azstore: snapshot credential: %w", err)
	}
	svc, err := azblob.NewClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azstore: snapshot client: %w", err)
	}

	ctx := context.Background()
	if _, err := svc.CreateContainer(ctx, container, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return nil, fmt.Errorf("azstore: create snapshot container: %w", err)
	}

	s := &BlobSnapshotSink{container: container, blobPrefix: blobPrefix, svc: svc, ctx: ctx}
	s.w = NewThrottledWriter(ctx, writerFunc(s.appendBytes), bytesPerSec)
	if err := s.openBlobLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (s *BlobSnapshotSink) blobName() string {
	return fmt.Sprintf("%s-%d", s.blobPrefix, s.seq)
}

func (s *BlobSnapshotSink) openBlobLocked() error {
	s.client = s.svc.ServiceClient().NewContainerClient(s.container).NewAppendBlobClient(s.blobName())
	_, err := s.client.Create(s.ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
		return fmt.Errorf("azstore: create snapshot blob: %w", err)
	}
	s.blocksWritten = 0
	return nil
}

// shouldRotate mirrors the teacher's blobTransport.ShouldRotate: rotate
// a few blocks before the hard 50,000-block ceiling.
func (s *BlobSnapshotSink) shouldRotate() bool {
	return s.blocksWritten >= MaxBlocksPerBlob-rotateMargin
}

func (s *BlobSnapshotSink) appendBytes(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shouldRotate() {
		s.seq++
		if err := s.openBlobLocked(); err != nil {
			return 0, err
		}
	}
	_, err := s.client.AppendBlock(s.ctx, streaming.NopCloser(bytes.NewReader(p)), nil)
	if err != nil {
		return 0, err
	}
	s.blocksWritten++
	return len(p), nil
}

// Sink is a qwormhole TrustSnapshotSink: `func(qwormhole.TrustSnapshot)`.
// Wire it with qwormhole.WithTrustSnapshotSink(sink.Sink).
func (s *BlobSnapshotSink) Sink(snap qwormhole.TrustSnapshot) {
	line, err := json.Marshal(snapshotRecord{
		Direction:        snap.Direction,
		Reason:           string(snap.Reason),
		Timestamp:        snap.Timestamp,
		Remote:           snap.Remote,
		PeerID:           snap.PeerID,
		HandshakeTags:    snap.HandshakeTags,
		EntropyMetrics:   snap.EntropyMetrics,
		PolicyTrustLevel: snap.PolicyTrustLevel,
	})
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = s.w.Write(line)
}

type snapshotRecord struct {
	Direction        string                     `json:"direction"`
	Reason           string                     `json:"reason"`
	Timestamp        time.Time                  `json:"timestamp"`
	Remote           string                     `json:"remote"`
	PeerID           string                     `json:"peerId"`
	HandshakeTags    map[string]any             `json:"handshakeTags,omitempty"`
	EntropyMetrics   qwormhole.EntropyMetrics   `json:"entropyMetrics"`
	PolicyTrustLevel float64                    `json:"policyTrustLevel"`
}
