package azstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	qwormhole "github.com/qwormhole/qwormhole"
)

// MaxQueueTextMessageSize is the base64-encoded message-size ceiling the
// teacher's azqueue.go enforces on queue messages (64 KiB).
const MaxQueueTextMessageSize = 64 * 1024

// QueueTelemetrySink is an azqueue-backed destination for periodic
// flow-controller diagnostics snapshots, posting one base64-encoded JSON
// message per report. Grounded on the teacher's azqueue.go
// queueTransport.WriteRaw, which base64-encodes arbitrary payloads onto
// an azqueue message the same way; the session/token queue bootstrap
// machinery around it doesn't apply here since this sink owns one fixed
// queue for the life of the process.
type QueueTelemetrySink struct {
	client *azqueue.QueueClient
	ctx    context.Context
	w      *ThrottledWriter
}

// NewQueueTelemetrySink builds a sink posting to queueName on
// serviceURL, throttled to bytesPerSec (0 = unthrottled).
func NewQueueTelemetrySink(serviceURL, queueName string, bytesPerSec int) (*QueueTelemetrySink, error) {
	ep, err := NewEndpoint(serviceURL)
	if err != nil {
		return nil, err
	}
	cred, err := azqueue.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("azstore: telemetry credential: %w", err)
	}
	svc, err := azqueue.NewServiceClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azstore: telemetry client: %w", err)
	}
	client := svc.NewQueueClient(queueName)

	ctx := context.Background()
	if _, err := client.Create(ctx, nil); err != nil {
		if ce, ok := err.(interface{ ErrorCode() string }); !ok || ce.ErrorCode() != "QueueAlreadyExists" {
			return nil, fmt.Errorf("azstore: create telemetry queue: %w", err)
		}
	}

	s := &QueueTelemetrySink{client: client, ctx: ctx}
	s.w = NewThrottledWriter(ctx, writerFunc(s.enqueue), bytesPerSec)
	return s, nil
}

func (s *QueueTelemetrySink) enqueue(p []byte) (int, error) {
	txt := base64.StdEncoding.EncodeToString(p)
	if len(txt) > MaxQueueTextMessageSize {
		return 0, fmt.Errorf("azstore: telemetry message exceeds %d bytes", MaxQueueTextMessageSize)
	}
	if _, err := s.client.EnqueueMessage(s.ctx, txt, nil); err != nil {
		return 0, err
	}
	return len(p), nil
}

// telemetryRecord is what Report posts: a connection's diagnostics plus
// batch stats, timestamped on the sender side.
type telemetryRecord struct {
	Timestamp   time.Time             `json:"timestamp"`
	Remote      string                `json:"remote"`
	Diagnostics qwormhole.Diagnostics `json:"diagnostics"`
	BatchStats  qwormhole.FramerStats `json:"batchStats"`
}

// Report posts one telemetry record for remote's current diagnostics and
// batch stats. It is called by the application, e.g. from an
// OnDrain/OnBackpressure callback as cmd/qwormhole-echo/server does;
// the transport itself never calls it.
func (s *QueueTelemetrySink) Report(remote string, diag qwormhole.Diagnostics, stats qwormhole.FramerStats) {
	rec := telemetryRecord{Timestamp: time.Now(), Remote: remote, Diagnostics: diag, BatchStats: stats}
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	_, _ = s.w.Write(raw)
}
