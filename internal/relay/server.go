package relay

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"courier/internal/domain"
)

// SubmitResult reports how a submitted envelope ended up. Queued is always
// true once submit returns nil; Delivered means the envelope was also written
// to the recipient's live push connection.
type SubmitResult struct {
	Queued    bool `json:"queued"`
	Delivered bool `json:"delivered"`
}

// DiagSnapshot is the point-in-time diagnostics readout.
type DiagSnapshot struct {
	Identities         int                 `json:"identities"`
	Bundles            int                 `json:"bundles"`
	PendingTotal       int                 `json:"pendingTotal"`
	PendingByRecipient map[string]int      `json:"pendingByRecipient"`
	Connections        int                 `json:"connections"`
	UptimeSeconds      float64             `json:"uptimeSeconds"`
	HostMetrics        *domain.HostMetrics `json:"hostMetrics,omitempty"`
}

// Server is the relay: registration, bundle distribution, envelope queueing,
// and push delivery.
type Server struct {
	log     *slog.Logger
	store   *Store
	conns   *connTable
	metrics *serverMetrics
	reg     *prometheus.Registry
	started time.Time

	// Per-recipient delivery locks serialize submit-time delivery against
	// connect-time replay, so queue order is preserved on the socket.
	deliverMu sync.Mutex
	delivery  map[string]*sync.Mutex

	hostMetrics atomic.Pointer[domain.HostMetrics]
}

// NewServer opens the relay store at dbPath and returns a ready server.
func NewServer(dbPath string, log *slog.Logger) (*Server, error) {
	store, err := OpenStore(dbPath)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	return &Server{
		log:      log,
		store:    store,
		conns:    newConnTable(),
		metrics:  newServerMetrics(reg),
		reg:      reg,
		started:  time.Now(),
		delivery: make(map[string]*sync.Mutex),
	}, nil
}

// Close tears down all push connections and the store.
func (s *Server) Close() error {
	s.conns.closeAll()
	return s.store.Close()
}

func (s *Server) recipientLock(id string) *sync.Mutex {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	mu, ok := s.delivery[id]
	if !ok {
		mu = &sync.Mutex{}
		s.delivery[id] = mu
	}
	return mu
}

// Register records id. Registration is idempotent. Ids must not contain NUL,
// which the pending index uses as its key separator.
func (s *Server) Register(id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.ContainsRune(id, 0) {
		return &domain.ValidationError{Field: "id", Reason: "must not contain NUL bytes"}
	}
	if err := s.store.RegisterIdentity(id); err != nil {
		return err
	}
	s.log.Info("identity registered", "id", id)
	return nil
}

// PublishBundle stores b as the latest bundle for id, replacing any previous
// one. The owner must be registered first.
func (s *Server) PublishBundle(id string, b domain.Bundle) error {
	if id == "" {
		return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	registered, err := s.store.IsRegistered(id)
	if err != nil {
		return err
	}
	if !registered {
		return domain.ErrNotRegistered
	}
	if err := s.store.PutBundle(id, b); err != nil {
		return err
	}
	s.log.Info("bundle published", "id", id, "signed_prekey_id", b.SignedPreKey.KeyID)
	return nil
}

// FetchBundle returns the latest bundle published for id.
func (s *Server) FetchBundle(id string) (domain.Bundle, error) {
	b, found, err := s.store.GetBundle(id)
	if err != nil {
		return domain.Bundle{}, err
	}
	if !found {
		return domain.Bundle{}, domain.ErrBundleNotFound
	}
	return b, nil
}

// Submit durably queues env for its recipient and attempts immediate push
// delivery. The recipient must be registered; the sender need not be online.
// Envelopes for one recipient are delivered in submit order.
func (s *Server) Submit(env domain.Envelope) (SubmitResult, error) {
	if env.SenderID == "" {
		return SubmitResult{}, &domain.ValidationError{Field: "senderId", Reason: "must not be empty"}
	}
	if env.RecipientID == "" {
		return SubmitResult{}, &domain.ValidationError{Field: "recipientId", Reason: "must not be empty"}
	}
	registered, err := s.store.IsRegistered(env.RecipientID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !registered {
		return SubmitResult{}, domain.ErrNotRegistered
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("encoding envelope: %w", err)
	}
	entry := domain.QueueEntry{
		ID:          uuid.NewString(),
		RecipientID: env.RecipientID,
		SenderID:    env.SenderID,
		Envelope:    raw,
		EnqueuedAt:  time.Now().UTC(),
	}

	// Append and replay under the recipient lock: a fresh envelope must not
	// overtake older queued ones on the socket.
	mu := s.recipientLock(env.RecipientID)
	mu.Lock()
	defer mu.Unlock()

	seq, err := s.store.Append(entry)
	if err != nil {
		return SubmitResult{}, err
	}
	s.metrics.submissions.Inc()
	s.replayPending(env.RecipientID)

	delivered, err := s.store.IsDelivered(seq)
	if err != nil {
		return SubmitResult{}, err
	}
	s.updateQueueDepth()
	s.log.Info("envelope submitted",
		"from", env.SenderID, "to", env.RecipientID, "delivered", delivered)
	return SubmitResult{Queued: true, Delivered: delivered}, nil
}

// replayPending pushes the recipient's backlog, oldest first, stopping at the
// first failed write. Callers hold the recipient's delivery lock.
func (s *Server) replayPending(recipient string) {
	c := s.conns.get(recipient)
	if c == nil {
		return
	}
	entries, err := s.store.PendingFor(recipient)
	if err != nil {
		s.log.Error("listing pending envelopes", "recipient", recipient, "error", err)
		return
	}
	for _, pe := range entries {
		var env domain.Envelope
		if err := json.Unmarshal(pe.Entry.Envelope, &env); err != nil {
			// Treated like a push failure: stop so later entries are never
			// delivered ahead of this one.
			s.log.Error("decoding queued envelope", "seq", pe.Seq, "error", err)
			return
		}
		frame := PushFrame{From: pe.Entry.SenderID, To: recipient, Envelope: env}
		if err := c.send(frame); err != nil {
			// Transport failure: keep the entry queued for the next
			// connection and stop so ordering is preserved.
			s.metrics.pushFailures.Inc()
			s.log.Warn("push write failed", "recipient", recipient, "seq", pe.Seq, "error", err)
			return
		}
		if err := s.store.MarkDelivered(pe.Seq); err != nil {
			s.log.Error("marking envelope delivered", "seq", pe.Seq, "error", err)
			return
		}
		s.metrics.deliveries.Inc()
	}
}

// Diagnostics assembles the current operational snapshot.
func (s *Server) Diagnostics() (DiagSnapshot, error) {
	identities, err := s.store.CountIdentities()
	if err != nil {
		return DiagSnapshot{}, err
	}
	bundles, err := s.store.CountBundles()
	if err != nil {
		return DiagSnapshot{}, err
	}
	total, byRecipient, err := s.store.PendingDepths()
	if err != nil {
		return DiagSnapshot{}, err
	}
	return DiagSnapshot{
		Identities:         identities,
		Bundles:            bundles,
		PendingTotal:       total,
		PendingByRecipient: byRecipient,
		Connections:        s.conns.count(),
		UptimeSeconds:      time.Since(s.started).Seconds(),
		HostMetrics:        s.hostMetrics.Load(),
	}, nil
}

// ReportHostMetrics stores the latest host sample after validation.
func (s *Server) ReportHostMetrics(m domain.HostMetrics) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ReportedAt == 0 {
		m.ReportedAt = time.Now().Unix()
	}
	s.hostMetrics.Store(&m)
	s.log.Debug("host metrics updated", "hostname", m.Hostname, "cpu_percent", m.CPUPercent)
	return nil
}

func (s *Server) updateQueueDepth() {
	total, _, err := s.store.PendingDepths()
	if err != nil {
		return
	}
	s.metrics.queueDepth.Set(float64(total))
}
