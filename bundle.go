package rebac

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/rebac/logger"
)

// ============================================================================
// SIGNED NAMESPACE BUNDLES
// ============================================================================

// Checksum returns a deterministic hash of the namespace declaration.
func (nc NamespaceConfig) Checksum() string {
	data, _ := json.Marshal(struct {
		Type           string
		Relations      map[string]string
		Hierarchical   bool
		MemberRelation string
	}{
		Type:           nc.Type,
		Relations:      nc.Relations,
		Hierarchical:   nc.Hierarchical,
		MemberRelation: nc.MemberRelation,
	})
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// SignedNamespaceBundle carries a complete relation schema plus one ed25519
// signature per namespace, keyed by type. A replica that trusts the signing
// key can swap its schema without trusting the transport.
type SignedNamespaceBundle struct {
	Namespaces []NamespaceConfig `json:"namespaces"`
	Signatures map[string]string `json:"signatures"`
	Meta       map[string]any    `json:"meta,omitempty"`
}

// SignNamespace returns an ed25519 signature (base64) over the namespace
// type and checksum.
func SignNamespace(priv ed25519.PrivateKey, nc NamespaceConfig) (string, error) {
	data, err := json.Marshal(struct {
		Type     string
		Checksum string
	}{
		Type:     nc.Type,
		Checksum: nc.Checksum(),
	})
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, data)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyNamespaceSignature verifies that signature matches the namespace
// checksum with a public key.
func VerifyNamespaceSignature(pub ed25519.PublicKey, nc NamespaceConfig, sigB64 string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, err
	}
	data, err := json.Marshal(struct {
		Type     string
		Checksum string
	}{
		Type:     nc.Type,
		Checksum: nc.Checksum(),
	})
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, data, sig), nil
}

// SignBundle signs each namespace with priv and returns a SignedNamespaceBundle.
func SignBundle(priv ed25519.PrivateKey, namespaces []NamespaceConfig) (*SignedNamespaceBundle, error) {
	b := &SignedNamespaceBundle{Namespaces: namespaces, Signatures: make(map[string]string)}
	for _, nc := range namespaces {
		s, err := SignNamespace(priv, nc)
		if err != nil {
			return nil, err
		}
		b.Signatures[nc.Type] = s
	}
	return b, nil
}

// VerifyBundle verifies all signatures using the given public key.
func VerifyBundle(pub ed25519.PublicKey, b *SignedNamespaceBundle) (bool, error) {
	for _, nc := range b.Namespaces {
		sig, ok := b.Signatures[nc.Type]
		if !ok {
			return false, fmt.Errorf("missing signature for namespace %s", nc.Type)
		}
		okv, err := VerifyNamespaceSignature(pub, nc, sig)
		if err != nil || !okv {
			return false, fmt.Errorf("bad signature for namespace %s: %v", nc.Type, err)
		}
	}
	return true, nil
}

// ApplySignedBundle verifies signatures and swaps the active schema. The
// bundle must carry the complete namespace set; cross-namespace references
// are validated as one unit, so partial bundles are rejected by the set
// validation.
func (e *Engine) ApplySignedBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedNamespaceBundle) error {
	ok, err := VerifyBundle(pub, bundle)
	if err != nil || !ok {
		return fmt.Errorf("bundle verification failed: %v", err)
	}
	cfg := &Config{Namespaces: bundle.Namespaces}
	set, err := cfg.NamespaceSet()
	if err != nil {
		return err
	}
	if err := e.ReloadNamespaces(set.All()...); err != nil {
		return err
	}
	e.log.Info("signed bundle applied", "namespaces", len(bundle.Namespaces))
	return nil
}

// ============================================================================
// BUNDLE DISTRIBUTION
// ============================================================================

// BundleSource supplies the schema to distribute. *Engine satisfies it.
type BundleSource interface {
	Namespaces() *NamespaceSet
}

type BundleSubscriber interface {
	OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedNamespaceBundle) error
}

type BundleSubscriberFunc func(ctx context.Context, pub ed25519.PublicKey, bundle *SignedNamespaceBundle) error

func (f BundleSubscriberFunc) OnBundle(ctx context.Context, pub ed25519.PublicKey, bundle *SignedNamespaceBundle) error {
	return f(ctx, pub, bundle)
}

// BundleDistributor signs the current schema and fans it out to subscribers
// whenever a change is announced. The signing key rotates on a timer; every
// delivery carries the key that signed it, so receivers never verify against
// a rotated-out key.
type BundleDistributor struct {
	source           BundleSource
	pub              ed25519.PublicKey
	priv             ed25519.PrivateKey
	rotationInterval time.Duration
	notifyCh         chan struct{}
	stopCh           chan struct{}
	subscribers      []BundleSubscriber
	log              logger.Logger
	mu               sync.RWMutex
	started          bool
	wg               sync.WaitGroup
}

type BundleDistributorOption func(*BundleDistributor)

func WithBundleSigningKey(priv ed25519.PrivateKey) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if priv != nil && len(priv) == ed25519.PrivateKeySize {
			d.priv = append(ed25519.PrivateKey{}, priv...)
			d.pub = priv.Public().(ed25519.PublicKey)
		}
	}
}

func WithBundleRotationInterval(interval time.Duration) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if interval > 0 {
			d.rotationInterval = interval
		}
	}
}

func WithBundleLogger(l logger.Logger) BundleDistributorOption {
	return func(d *BundleDistributor) {
		if l != nil {
			d.log = l
		}
	}
}

func NewBundleDistributor(source BundleSource, opts ...BundleDistributorOption) (*BundleDistributor, error) {
	if source == nil {
		return nil, fmt.Errorf("bundle source is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	dist := &BundleDistributor{
		source:           source,
		priv:             priv,
		pub:              pub,
		rotationInterval: 24 * time.Hour,
		notifyCh:         make(chan struct{}, 1),
		stopCh:           make(chan struct{}),
		log:              logger.NewPhusluLogger(),
	}
	for _, opt := range opts {
		opt(dist)
	}
	return dist, nil
}

func (d *BundleDistributor) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-d.notifyCh:
				if err := d.distribute(ctx); err != nil {
					d.log.Error("bundle distribution failed", "error", err.Error())
				}
			case <-ticker.C:
				if err := d.RotateSigningKey(); err != nil {
					d.log.Error("bundle key rotation failed", "error", err.Error())
				}
			}
		}
	}()
}

func (d *BundleDistributor) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	d.mu.Unlock()

	close(d.stopCh)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NotifyChange coalesces: a distribution already pending covers this change.
func (d *BundleDistributor) NotifyChange() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *BundleDistributor) RegisterSubscriber(sub BundleSubscriber) {
	if sub == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, sub)
}

func (d *BundleDistributor) RotateSigningKey() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.priv = priv
	d.pub = pub
	d.mu.Unlock()
	return nil
}

func (d *BundleDistributor) CurrentPublicKey() ed25519.PublicKey {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append(ed25519.PublicKey(nil), d.pub...)
}

func (d *BundleDistributor) distribute(ctx context.Context) error {
	set := d.source.Namespaces()
	if set == nil {
		return nil
	}
	d.mu.RLock()
	priv := d.priv
	pub := append(ed25519.PublicKey(nil), d.pub...)
	subs := append([]BundleSubscriber(nil), d.subscribers...)
	d.mu.RUnlock()

	bundle, err := SignBundle(priv, NamespacesToConfig(set))
	if err != nil {
		return err
	}
	bundle.Meta = map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339Nano),
		"signing_key":  base64.StdEncoding.EncodeToString(pub),
	}
	for _, sub := range subs {
		if err := sub.OnBundle(ctx, pub, bundle); err != nil {
			d.log.Error("bundle subscriber error", "error", err.Error())
		}
	}
	return nil
}
