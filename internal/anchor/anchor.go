// Package anchor publishes audit chain heads to external object storage.
//
// A checkpoint written outside the partition lets an auditor detect a chain
// that was rewritten wholesale, which in-chain verification alone cannot.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/custodia-cl/custodia/internal/metrics"
	"github.com/custodia-cl/custodia/internal/models"
	"github.com/rs/zerolog"
)

// ErrNoCheckpoint means no checkpoint has been published for the tenant.
var ErrNoCheckpoint = errors.New("no checkpoint published")

// ObjectStore is the subset of the S3 API used for checkpoints.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ChainHeads returns the latest record of a tenant chain, or nil when empty.
type ChainHeads interface {
	Head(ctx context.Context, tenantID string) (*models.AuditRecord, error)
}

// Tenants lists the tenants whose chains are anchored.
type Tenants interface {
	ActiveTenants(ctx context.Context) ([]*models.Tenant, error)
}

// Checkpoint is the published form of a chain head.
type Checkpoint struct {
	models.ChainHead
	AnchoredAt time.Time `json:"anchored_at"`
}

// Publisher writes chain head checkpoints to a bucket.
type Publisher struct {
	store   ObjectStore
	bucket  string
	prefix  string
	heads   ChainHeads
	tenants Tenants
	metrics *metrics.PrometheusMetrics
	now     func() time.Time
	logger  zerolog.Logger

	mu        sync.Mutex
	published map[string]int64
}

// NewPublisher creates a Publisher. m may be nil.
func NewPublisher(store ObjectStore, bucket, prefix string, heads ChainHeads, tenants Tenants, m *metrics.PrometheusMetrics, logger zerolog.Logger) *Publisher {
	return &Publisher{
		store:     store,
		bucket:    bucket,
		prefix:    prefix,
		heads:     heads,
		tenants:   tenants,
		metrics:   m,
		now:       time.Now,
		logger:    logger.With().Str("component", "chain_anchor").Logger(),
		published: make(map[string]int64),
	}
}

func (p *Publisher) key(tenantID, name string) string {
	return path.Join(p.prefix, tenantID, name)
}

// Publish writes the tenant's current chain head. It returns nil without
// writing when the chain is empty or the head was already published by this
// Publisher.
func (p *Publisher) Publish(ctx context.Context, tenantID string) (*Checkpoint, error) {
	head, err := p.heads.Head(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	if head == nil {
		return nil, nil
	}

	p.mu.Lock()
	last, seen := p.published[tenantID]
	p.mu.Unlock()
	if seen && last == head.Seq {
		return nil, nil
	}

	cp := &Checkpoint{
		ChainHead: models.ChainHead{
			TenantID:  tenantID,
			Seq:       head.Seq,
			ThisHash:  head.ThisHash,
			Timestamp: head.Timestamp,
		},
		AnchoredAt: p.now().UTC(),
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}

	// The numbered object is the permanent witness; latest.json is a pointer.
	for _, name := range []string{fmt.Sprintf("%020d.json", head.Seq), "latest.json"} {
		_, err := p.store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(p.key(tenantID, name)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			p.metrics.RecordAnchor(err)
			return nil, fmt.Errorf("put checkpoint %s: %w", name, err)
		}
	}
	p.metrics.RecordAnchor(nil)

	p.mu.Lock()
	p.published[tenantID] = head.Seq
	p.mu.Unlock()

	p.logger.Debug().
		Str("tenant_id", tenantID).
		Int64("seq", head.Seq).
		Msg("chain head anchored")
	return cp, nil
}

// PublishAll anchors every active tenant and returns how many checkpoints
// were written. A failure for one tenant does not stop the others.
func (p *Publisher) PublishAll(ctx context.Context) (int, error) {
	tenants, err := p.tenants.ActiveTenants(ctx)
	if err != nil {
		return 0, err
	}

	var written int
	var errs []error
	for _, t := range tenants {
		cp, err := p.Publish(ctx, t.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			continue
		}
		if cp != nil {
			written++
		}
	}
	if written > 0 {
		p.logger.Info().Int("checkpoints", written).Msg("chain heads anchored")
	}
	return written, errors.Join(errs...)
}

// Latest reads the most recent checkpoint published for the tenant.
func (p *Publisher) Latest(ctx context.Context, tenantID string) (*Checkpoint, error) {
	out, err := p.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.key(tenantID, "latest.json")),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &cp, nil
}
