// Package lifecycle drives the publish and unpublish state machine of
// certificate volumes on one node.
//
// Publish resolves the certificate subject from live pod metadata, issues
// the certificate at the authority, writes it into the target path and
// records a binding for the renewal monitor. A failed publish rolls back
// every side effect it committed. Unpublish is idempotent.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	authgrpc "github.com/vyrodovalexey/cacsi/internal/authority/grpc"
	"github.com/vyrodovalexey/cacsi/internal/node/binding"
	"github.com/vyrodovalexey/cacsi/internal/observability"
	"github.com/vyrodovalexey/cacsi/internal/podinfo"
	"github.com/vyrodovalexey/cacsi/internal/template"
)

// DefaultRollbackTimeout bounds the cleanup calls of a failed publish.
const DefaultRollbackTimeout = 10 * time.Second

const tracerName = "cacsi-lifecycle"

// Authority issues and forgets certificates. *authgrpc.Client implements it.
type Authority interface {
	Issue(ctx context.Context, req *authgrpc.IssueCertificateRequest) (*authgrpc.CertificateResponse, error)
	Revoke(ctx context.Context, id string) error
}

// Files writes and removes the certificate files of a target path.
type Files interface {
	Write(dir string, certPEM, keyPEM []byte) error
	Remove(dir string) error
}

// PublishRequest describes a volume to publish.
type PublishRequest struct {
	VolumeID     string
	PodNamespace string
	PodName      string
	NodeID       string
	TargetPath   string
	Attributes   map[string]string
}

// UnpublishRequest describes a volume to unpublish.
type UnpublishRequest struct {
	VolumeID   string
	TargetPath string
}

type volume struct {
	state         State
	targetPath    string
	certificateID string
}

// Controller is the volume lifecycle controller of one node.
type Controller struct {
	table     *binding.Table
	pods      podinfo.Source
	resolver  *template.Resolver
	authority Authority
	files     Files

	defaultValidityDays int
	rollbackTimeout     time.Duration

	logger  observability.Logger
	tracer  trace.Tracer
	metrics *lifecycleMetrics

	mu      sync.Mutex
	volumes map[string]*volume
}

// Option is a functional option for the Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) {
		c.tracer = tracer
	}
}

// WithDefaultValidityDays sets the validity used when a volume sets none.
func WithDefaultValidityDays(days int) Option {
	return func(c *Controller) {
		if days > 0 {
			c.defaultValidityDays = days
		}
	}
}

// WithRollbackTimeout bounds cleanup after a failed publish.
func WithRollbackTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.rollbackTimeout = d
		}
	}
}

// New creates a controller.
func New(
	table *binding.Table,
	pods podinfo.Source,
	resolver *template.Resolver,
	authority Authority,
	files Files,
	opts ...Option,
) *Controller {
	c := &Controller{
		table:               table,
		pods:                pods,
		resolver:            resolver,
		authority:           authority,
		files:               files,
		defaultValidityDays: DefaultValidityDays,
		rollbackTimeout:     DefaultRollbackTimeout,
		logger:              observability.NopLogger(),
		metrics:             getLifecycleMetrics(),
		volumes:             make(map[string]*volume),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c
}

// State returns the state of volumeID.
func (c *Controller) State(volumeID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.volumes[volumeID]; ok {
		return v.state
	}
	return StateUnpublished
}

// Publish publishes a volume and returns its binding. Publishing a volume
// that is already published at the same target path returns the existing
// binding.
func (c *Controller) Publish(ctx context.Context, req PublishRequest) (b binding.Binding, err error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Publish",
		trace.WithAttributes(
			attribute.String("volume.id", req.VolumeID),
			attribute.String("pod.namespace", req.PodNamespace),
			attribute.String("pod.name", req.PodName),
		),
	)
	start := time.Now()
	defer func() { c.finish(span, EventPublish, start, err) }()

	existing, proceed, err := c.beginPublish(req)
	if err != nil || !proceed {
		return existing, err
	}

	b, err = c.publish(ctx, req)
	c.endPublish(req, err)
	return b, err
}

func (c *Controller) beginPublish(req PublishRequest) (binding.Binding, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[req.VolumeID]
	if !ok {
		v = &volume{}
		c.volumes[req.VolumeID] = v
	}

	switch v.state {
	case StateUnpublished:
		v.state = StatePublishing
		v.targetPath = req.TargetPath
		c.updateGauges()
		return binding.Binding{}, true, nil
	case StatePublished:
		if v.targetPath == req.TargetPath {
			if existing, found := c.table.Get(req.VolumeID); found {
				return existing, false, nil
			}
		}
		return binding.Binding{}, false, &TransitionError{
			VolumeID: req.VolumeID, From: v.state, Event: EventPublish,
			Reason: fmt.Sprintf("already published at %s", v.targetPath),
		}
	default:
		return binding.Binding{}, false, &TransitionError{VolumeID: req.VolumeID, From: v.state, Event: EventPublish}
	}
}

func (c *Controller) endPublish(req PublishRequest, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.volumes[req.VolumeID]
	if err != nil {
		if v.certificateID == "" {
			delete(c.volumes, req.VolumeID)
		} else {
			v.state = StateUnpublished
		}
	} else {
		v.state = StatePublished
		v.certificateID = CertificateID(req.PodNamespace, req.PodName, req.VolumeID)
	}
	c.updateGauges()
}

func (c *Controller) publish(ctx context.Context, req PublishRequest) (binding.Binding, error) {
	stageErr := func(stage Stage, err error) error {
		return &StageError{VolumeID: req.VolumeID, Stage: stage, Err: err}
	}

	pod, err := c.pods.Get(ctx, req.PodNamespace, req.PodName)
	if err != nil {
		return binding.Binding{}, stageErr(StagePod, err)
	}

	cnTemplate := req.Attributes[AttributeCNTemplate]
	commonName, err := c.resolver.Resolve(cnTemplate, pod)
	if err != nil {
		return binding.Binding{}, stageErr(StageTemplate, err)
	}

	units, err := ParseOrganizationalUnits(req.Attributes[AttributeOrganizationalUnits])
	if err != nil {
		return binding.Binding{}, stageErr(StageAttributes, err)
	}
	validity, err := ParseValidity(req.Attributes[AttributeValidityDays], c.defaultValidityDays)
	if err != nil {
		return binding.Binding{}, stageErr(StageAttributes, err)
	}

	certID := CertificateID(req.PodNamespace, req.PodName, req.VolumeID)
	resp, err := c.authority.Issue(ctx, &authgrpc.IssueCertificateRequest{
		CertificateID:       certID,
		CommonName:          commonName,
		DNSNames:            []string{req.PodName},
		OrganizationalUnits: units,
		ValiditySeconds:     int64(validity / time.Second),
		Metadata: map[string]string{
			"pod_namespace": req.PodNamespace,
			"pod_name":      req.PodName,
			"pod_uid":       pod.UID,
			"volume_id":     req.VolumeID,
			"node_id":       req.NodeID,
		},
	})
	if err != nil {
		if issueOutcomeUnknown(err) {
			// The authority may have stored the certificate before the call
			// was cut off.
			c.rollback(ctx, req, certID)
		}
		return binding.Binding{}, stageErr(StageIssue, err)
	}

	if err := c.files.Write(req.TargetPath, []byte(resp.CertificatePEM), []byte(resp.PrivateKeyPEM)); err != nil {
		c.rollback(ctx, req, certID)
		return binding.Binding{}, stageErr(StageWrite, err)
	}

	b := binding.Binding{
		VolumeID:      req.VolumeID,
		PodNamespace:  req.PodNamespace,
		PodName:       req.PodName,
		NodeID:        req.NodeID,
		TargetPath:    req.TargetPath,
		CertificateID: certID,
		CNTemplate:    cnTemplate,
		Validity:      validity,
		NotBefore:     resp.NotBefore,
		NotAfter:      resp.NotAfter,
	}
	if err := c.table.Add(b); err != nil {
		c.rollback(ctx, req, certID)
		return binding.Binding{}, stageErr(StageBind, err)
	}

	c.logger.Info("volume published",
		observability.String("volume_id", req.VolumeID),
		observability.String("certificate_id", certID),
		observability.String("common_name", commonName),
		observability.Strings("organizational_units", units),
		observability.Time("not_after", resp.NotAfter),
	)
	return b, nil
}

// issueOutcomeUnknown reports whether a failed Issue may still have
// completed at the authority.
func issueOutcomeUnknown(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// rollback undoes a publish that failed after issuance.
func (c *Controller) rollback(ctx context.Context, req PublishRequest, certID string) {
	if err := c.files.Remove(req.TargetPath); err != nil {
		c.logger.Error("failed to remove certificate files during rollback",
			observability.String("volume_id", req.VolumeID),
			observability.Error(err),
		)
	}

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rollbackTimeout)
	defer cancel()

	if err := c.authority.Revoke(rbCtx, certID); err != nil {
		c.logger.Error("failed to revoke certificate during rollback",
			observability.String("volume_id", req.VolumeID),
			observability.String("certificate_id", certID),
			observability.Error(err),
		)
		c.markPendingRevoke(req.VolumeID, certID)
	}
}

func (c *Controller) markPendingRevoke(volumeID, certID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.volumes[volumeID]; ok {
		v.certificateID = certID
	}
}

// Unpublish removes the binding, the files and the authority record of a
// volume. It succeeds for volumes that are not published. When the
// authority cannot be reached the error is returned and a retry revokes
// the certificate again.
func (c *Controller) Unpublish(ctx context.Context, req UnpublishRequest) (err error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Unpublish",
		trace.WithAttributes(attribute.String("volume.id", req.VolumeID)),
	)
	start := time.Now()
	defer func() { c.finish(span, EventUnpublish, start, err) }()

	certID, err := c.beginUnpublish(req)
	if err != nil {
		return err
	}

	certID, err = c.unpublish(ctx, req, certID)
	c.endUnpublish(req.VolumeID, certID, err)
	return err
}

func (c *Controller) beginUnpublish(req UnpublishRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.volumes[req.VolumeID]
	if !ok {
		v = &volume{}
		c.volumes[req.VolumeID] = v
	}

	switch v.state {
	case StatePublished, StateUnpublished:
		v.state = StateUnpublishing
		c.updateGauges()
		return v.certificateID, nil
	default:
		return "", &TransitionError{VolumeID: req.VolumeID, From: v.state, Event: EventUnpublish}
	}
}

func (c *Controller) endUnpublish(volumeID, certID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil && certID != "" {
		c.volumes[volumeID] = &volume{state: StateUnpublished, certificateID: certID}
	} else {
		delete(c.volumes, volumeID)
	}
	c.updateGauges()
}

// unpublish returns the certificate identifier it worked on so a failed
// revoke can be retried.
func (c *Controller) unpublish(ctx context.Context, req UnpublishRequest, certID string) (string, error) {
	certID, err := c.removeBindingAndFiles(ctx, req, certID)
	if err != nil {
		return certID, &StageError{VolumeID: req.VolumeID, Stage: StageRemove, Err: err}
	}

	if certID == "" {
		c.logger.Debug("unpublished unknown volume", observability.String("volume_id", req.VolumeID))
		return "", nil
	}

	if err := c.authority.Revoke(ctx, certID); err != nil {
		return certID, &StageError{VolumeID: req.VolumeID, Stage: StageRevoke, Err: fmt.Errorf("certificate %s: %w", certID, err)}
	}

	c.logger.Info("volume unpublished",
		observability.String("volume_id", req.VolumeID),
		observability.String("certificate_id", certID),
	)
	return certID, nil
}

// removeBindingAndFiles holds the volume lock so a renewal in flight either
// finishes writing before the files are removed or sees the binding gone.
func (c *Controller) removeBindingAndFiles(ctx context.Context, req UnpublishRequest, certID string) (string, error) {
	unlock, err := c.table.LockVolume(ctx, req.VolumeID)
	if err != nil {
		return certID, err
	}
	defer unlock()

	targetPath := req.TargetPath
	if b, ok := c.table.Remove(req.VolumeID); ok {
		certID = b.CertificateID
		if targetPath == "" {
			targetPath = b.TargetPath
		}
	}
	return certID, c.files.Remove(targetPath)
}

func (c *Controller) finish(span trace.Span, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	c.metrics.operations.WithLabelValues(operation, result).Inc()
	c.metrics.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// updateGauges must be called with c.mu held.
func (c *Controller) updateGauges() {
	counts := map[State]int{}
	for _, v := range c.volumes {
		counts[v.state]++
	}
	for _, s := range []State{StatePublishing, StatePublished, StateUnpublishing} {
		c.metrics.volumes.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
