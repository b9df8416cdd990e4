// Package orchestrator is the entry point of the sync core for one context
// (a tab). It owns the replication mode state machine and wires the change
// classifier, the debounced sync queue, the circuit breakers, the conflict
// resolver, the cross-tab coordinator and leader election together.
//
// Data flows in one direction: a domain write is staged, persisted by the
// LocalPersist target and then observed on the store's change feed like
// every other change. The feed is classified once; Local changes are
// broadcast to the other contexts and pushed to the remote, CrossTab and
// RemotePull changes are reconciled and reported to the domain layer.
//
// Remote state never gates local reads or writes.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/breaker"
	"github.com/ValentinKolb/dSync/lib/classifier"
	"github.com/ValentinKolb/dSync/lib/clock"
	"github.com/ValentinKolb/dSync/lib/conflict"
	"github.com/ValentinKolb/dSync/lib/crosstab"
	"github.com/ValentinKolb/dSync/lib/docstore"
	"github.com/ValentinKolb/dSync/lib/leader"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replica"
	"github.com/ValentinKolb/dSync/lib/syncqueue"
	"github.com/ValentinKolb/dSync/lib/telemetry"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("orchestrator")

var (
	// ErrClosed is returned by operations on a closed orchestrator.
	ErrClosed = errors.New("orchestrator closed")
	// ErrInvalidWrite is returned for writes that can never be persisted.
	ErrInvalidWrite = errors.New("invalid write")
)

const (
	reasonStarting     = "waiting for connectivity probe"
	reasonNoRemote     = "no remote configured"
	reasonNotLeader    = "not replication leader"
	reasonLeaderLost   = "replication leadership lost"
	reasonBreakersBack = "remote breakers closed"
)

// SyncStatus is the read-only status of a context.
type SyncStatus struct {
	TabID            string                             `json:"tabId" yaml:"tabId"`
	Mode             Mode                               `json:"mode" yaml:"mode"`
	Reason           string                             `json:"reason,omitempty" yaml:"reason,omitempty"`
	Since            time.Time                          `json:"since" yaml:"since"`
	Leader           bool                               `json:"leader" yaml:"leader"`
	HealthScores     map[model.SyncTarget]float64       `json:"healthScores" yaml:"healthScores"`
	Breakers         map[model.SyncTarget]breaker.State `json:"breakers" yaml:"breakers"`
	PendingConflicts int                                `json:"pendingConflicts" yaml:"pendingConflicts"`
	Queue            []syncqueue.Entry                  `json:"queue" yaml:"queue"`
	CrossTab         crosstab.Stats                     `json:"crossTab" yaml:"crossTab"`
	PullCheckpoint   uint64                             `json:"pullCheckpoint" yaml:"pullCheckpoint"`
	PushCheckpoint   uint64                             `json:"pushCheckpoint" yaml:"pushCheckpoint"`
}

type persistResult struct {
	rev string
	err error
}

// stagedWrite is the latest write to a document waiting for LocalPersist.
type stagedWrite struct {
	req     docstore.PutRequest
	waiters []chan persistResult
}

// --------------------------------------------------------------------------
// Orchestrator
// --------------------------------------------------------------------------

// Orchestrator runs the sync core of one context.
type Orchestrator struct {
	cfg    Config
	clock  clock.Clock
	store  docstore.IDocStore
	remote replica.IReplica

	classifier classifier.Classifier
	queue      *syncqueue.Queue
	breakers   *breaker.Registry
	resolver   *conflict.Resolver
	audit      *conflict.AuditLog
	coord      *crosstab.Coordinator
	elector    *leader.Elector
	tel        *telemetry.Telemetry
	inbox      *inbox

	ctx    context.Context
	cancel context.CancelFunc

	stageMu sync.Mutex
	staged  map[string]*stagedWrite
	order   []string

	mu             sync.Mutex
	mode           Mode
	reason         string
	since          time.Time
	sticky         bool
	resume         Mode
	replLease      *leader.Handle
	probeTimer     clock.Timer
	probing        bool
	outbox         map[string]model.ChangeEvent
	manual         map[string]conflict.Record
	external       map[model.DocumentClass][]func(model.ChangeEvent)
	onConflict     []func(conflict.Record)
	pullCheckpoint uint64
	pushCheckpoint uint64
	pullOK         int
	pushOK         int
	synced         int
	conflicts      int
	started        bool
	closed         bool

	unsub      docstore.Unsubscribe
	workerDone chan struct{}
}

// New creates the orchestrator of one context. It starts in Disabled and
// does nothing until Start is called.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("orchestrator: a store is required")
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	cfg = cfg.withDefaults()
	c := clock.OrReal(cfg.Clock)

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		clock:      c,
		store:      deps.Store,
		remote:     deps.Remote,
		classifier: classifier.New(cfg.TabID),
		audit:      conflict.NewAuditLog(deps.Store, cfg.AuditCapacity, cfg.AuditMaxAge, c),
		tel:        telemetry.New(cfg.TabID),
		inbox:      newInbox(),
		ctx:        ctx,
		cancel:     cancel,
		staged:     map[string]*stagedWrite{},
		mode:       Disabled,
		reason:     reasonStarting,
		since:      c.Now(),
		outbox:     map[string]model.ChangeEvent{},
		manual:     map[string]conflict.Record{},
		external:   map[model.DocumentClass][]func(model.ChangeEvent){},
		workerDone: make(chan struct{}),
	}
	if deps.Remote == nil {
		o.reason = reasonNoRemote
	}

	resolverOpts := []conflict.Option{conflict.WithClock(c)}
	if cfg.FieldMergeClasses != nil {
		resolverOpts = append(resolverOpts, conflict.WithFieldMerge(cfg.FieldMergeClasses...))
	}
	o.resolver = conflict.New(resolverOpts...)
	o.breakers = breaker.NewRegistry(cfg.Breaker, c, o.breakerChanged)

	queueOpts := cfg.Queue
	queueOpts.Clock = c
	onFlush := cfg.Queue.OnFlush
	queueOpts.OnFlush = func(r syncqueue.FlushReport) {
		o.tel.Flush(r.Target.String(), r.Coalesced, r.Took, r.Err)
		if onFlush != nil {
			onFlush(r)
		}
	}
	o.queue = syncqueue.New(queueOpts)

	if deps.Bus != nil {
		ctOpts := cfg.CrossTab
		ctOpts.Clock = c
		o.coord = crosstab.NewCoordinator(cfg.TabID, deps.Bus, ctOpts)
	}

	leases := deps.Leases
	if leases == nil {
		leases = leader.NewMetaLeaseStore(deps.Store)
	}
	o.elector = leader.NewElector(leases, cfg.TabID, cfg.Leader, c)
	o.elector.OnLeadershipLost(o.leadershipLost)

	return o, nil
}

// TabID returns the id of the context.
func (o *Orchestrator) TabID() string {
	return o.cfg.TabID
}

// Telemetry returns the metric set of the context.
func (o *Orchestrator) Telemetry() *telemetry.Telemetry {
	return o.tel
}

// Start restores persisted state, subscribes to the store's change feed and
// begins probing the remote.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.audit.Load(ctx); err != nil {
		log.Warningf("%s: conflict audit log not restored: %v", o.cfg.TabID, err)
	}
	o.restoreBreakers(ctx)
	pull, err := o.loadCheckpoint(ctx, MetaPullCheckpoint)
	if err != nil {
		return err
	}
	push, err := o.loadCheckpoint(ctx, MetaPushCheckpoint)
	if err != nil {
		return err
	}

	o.unsub = o.store.Subscribe(func(ev model.RawEvent) {
		o.inbox.push(ev)
	})
	go o.runInbox()
	if o.coord != nil {
		o.coord.OnReceive(o.receive)
	}
	o.registerGauges()

	o.mu.Lock()
	o.pullCheckpoint, o.pushCheckpoint = pull, push
	o.armProbeLocked(0)
	o.mu.Unlock()

	log.Infof("%s: started (remote: %t, cross-tab: %t)", o.cfg.TabID, o.remote != nil, o.coord != nil)
	return nil
}

// Close flushes pending local writes, releases held leases and detaches from
// the store and the bus. Neither the store nor the bus is closed.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	if o.probeTimer != nil {
		o.probeTimer.Stop()
		o.probeTimer = nil
	}
	o.mu.Unlock()

	// a pull at shutdown would only be thrown away
	o.queue.Cancel(model.TargetRemotePull)
	err := o.queue.Close(ctx)

	o.inbox.close()
	// the worker runs from the moment the feed is subscribed
	if o.unsub != nil {
		o.unsub()
		<-o.workerDone
	}
	if o.coord != nil {
		o.coord.Close()
	}
	if lerr := o.elector.Close(ctx); lerr != nil {
		log.Warningf("%s: releasing leases: %v", o.cfg.TabID, lerr)
	}
	o.persistBreakers(ctx)
	o.cancel()

	log.Infof("%s: closed", o.cfg.TabID)
	return err
}

// --------------------------------------------------------------------------
// Domain API
// --------------------------------------------------------------------------

// Write stores a new body for a document. It returns the new revision once
// the LocalPersist flush carrying the write is durable, regardless of the
// replication mode. Writes to the same document within one debounce window
// are coalesced; all of them return the revision of the latest.
func (o *Orchestrator) Write(ctx context.Context, class model.DocumentClass, id string, body json.RawMessage) (string, error) {
	switch {
	case id == "":
		return "", fmt.Errorf("%w: empty document id", ErrInvalidWrite)
	case class == model.ClassUnknown:
		return "", fmt.Errorf("%w: document %s has no class", ErrInvalidWrite, id)
	case len(body) == 0 || !json.Valid(body):
		return "", fmt.Errorf("%w: document %s: body is not valid json", ErrInvalidWrite, id)
	}

	ch := make(chan persistResult, 1)
	req := docstore.PutRequest{
		ID:        id,
		Class:     class,
		Body:      append(json.RawMessage(nil), body...),
		UpdatedAt: o.clock.Now().UnixMilli(),
	}

	o.stageMu.Lock()
	sw, ok := o.staged[id]
	if !ok {
		sw = &stagedWrite{}
		o.staged[id] = sw
		o.order = append(o.order, id)
	}
	sw.req = req
	sw.waiters = append(sw.waiters, ch)
	if _, err := o.queue.Schedule(model.TargetLocalPersist, o.persist); err != nil {
		o.unstageLocked(id, ch)
		o.stageMu.Unlock()
		if errors.Is(err, syncqueue.ErrClosed) {
			return "", ErrClosed
		}
		return "", err
	}
	o.stageMu.Unlock()

	select {
	case res := <-ch:
		return res.rev, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Read returns a document with its unresolved conflicting leaves.
func (o *Orchestrator) Read(ctx context.Context, id string) (model.Document, bool, error) {
	return o.store.Get(ctx, id, true)
}

// OnExternalChange registers a read-only notification for CrossTab and
// RemotePull changes of a class, called after the change was reconciled.
// ClassUnknown registers for every class.
func (o *Orchestrator) OnExternalChange(class model.DocumentClass, fn func(model.ChangeEvent)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.external[class] = append(o.external[class], fn)
}

// OnConflict registers a handler for every conflict record, including the
// ones that need manual resolution.
func (o *Orchestrator) OnConflict(fn func(conflict.Record)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onConflict = append(o.onConflict, fn)
}

// Mode returns the current replication mode.
func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Status returns the current sync status.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	st := SyncStatus{
		TabID:            o.cfg.TabID,
		Mode:             o.mode,
		Reason:           o.reason,
		Since:            o.since,
		Leader:           o.leadingLocked(),
		PendingConflicts: len(o.manual),
		PullCheckpoint:   o.pullCheckpoint,
		PushCheckpoint:   o.pushCheckpoint,
	}
	o.mu.Unlock()

	st.HealthScores = o.breakers.HealthScores()
	st.Breakers = o.breakers.Snapshot()
	st.Queue = o.queue.Entries()
	if o.coord != nil {
		st.CrossTab = o.coord.Stats()
	}
	return st
}

// Conflicts returns the retained conflict audit records, oldest first.
func (o *Orchestrator) Conflicts() []conflict.Record {
	return o.audit.Records()
}

// PendingConflicts returns the conflicts waiting for ResolveManually.
func (o *Orchestrator) PendingConflicts() []conflict.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]conflict.Record, 0, len(o.manual))
	for _, rec := range o.manual {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// AcquireSingletonOwnership tries to become the single owner of a resource
// across contexts. A nil handle with a nil error means another context owns it.
func (o *Orchestrator) AcquireSingletonOwnership(ctx context.Context, key string) (*leader.Handle, error) {
	if key == o.cfg.ReplicationLeaseKey {
		return nil, fmt.Errorf("lease %q is reserved for replication", key)
	}
	return o.elector.TryAcquire(ctx, key)
}

// ReleaseOwnership gives up a handle returned by AcquireSingletonOwnership.
func (o *Orchestrator) ReleaseOwnership(ctx context.Context, h *leader.Handle) error {
	return o.elector.Release(ctx, h)
}

// OnLeadershipLost registers a handler for leases that could not be renewed.
func (o *Orchestrator) OnLeadershipLost(fn func(leader.Lease)) {
	o.elector.OnLeadershipLost(fn)
}

// ResolveManually settles a conflict by keeping the leaf rev and closing all
// other leaves of the document.
func (o *Orchestrator) ResolveManually(ctx context.Context, docID, rev string) (string, error) {
	doc, found, err := o.store.Get(ctx, docID, true)
	if err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("document %s not found", docID)
	}

	var keep *model.Revision
	closed := make([]string, 0, len(doc.Conflicts))
	for _, leaf := range doc.Leaves() {
		if leaf.Rev == rev {
			l := leaf
			keep = &l
			continue
		}
		closed = append(closed, leaf.Rev)
	}
	if keep == nil {
		return "", fmt.Errorf("%w: %s is not a leaf of document %s", model.ErrWriteConflict, rev, docID)
	}

	revs, err := o.store.Put(ctx, []docstore.PutRequest{{
		ID:         docID,
		Class:      doc.Class,
		Body:       keep.Body,
		UpdatedAt:  o.clock.Now().UnixMilli(),
		BaseRev:    keep.Rev,
		Supersedes: closed,
	}}, model.OriginLocal, o.cfg.TabID)
	if err != nil {
		o.storeFailed(err)
		return "", err
	}

	o.mu.Lock()
	delete(o.manual, docID)
	o.mu.Unlock()
	log.Infof("%s: %s resolved manually, kept %s", o.cfg.TabID, docID, rev)
	return revs[0], nil
}

// Recover clears a sticky Disabled caused by store corruption or an
// unrecoverable remote error and probes the remote again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if !o.sticky {
		o.mu.Unlock()
		return nil
	}
	o.sticky = false
	o.setModeLocked(Disabled, reasonStarting)
	o.mu.Unlock()

	o.breakers.Get(model.TargetLocalPersist).Restore(breaker.State{Status: breaker.Closed, HealthScore: 1})
	o.persistBreakers(ctx)

	o.mu.Lock()
	o.armProbeLocked(0)
	o.mu.Unlock()
	log.Infof("%s: recovered", o.cfg.TabID)
	return nil
}

// --------------------------------------------------------------------------
// Change Feed
// --------------------------------------------------------------------------

func (o *Orchestrator) runInbox() {
	defer close(o.workerDone)
	for {
		_, ok := <-o.inbox.wait()
		for _, raw := range o.inbox.drain() {
			o.handle(raw)
		}
		if !ok {
			return
		}
	}
}

// handle processes one feed event. Events are handled in feed order.
func (o *Orchestrator) handle(raw model.RawEvent) {
	ev := o.classifier.Classify(raw)
	switch ev.Origin {
	case model.OriginLocal:
		o.mu.Lock()
		if o.coord != nil {
			o.outbox[ev.DocumentID] = ev
			o.scheduleLocked(model.TargetCrossTabBroadcast, o.queue.Window(model.TargetCrossTabBroadcast), o.broadcast)
		}
		o.schedulePushLocked(model.OriginLocal)
		o.mu.Unlock()

	case model.OriginCrossTab, model.OriginRemotePull:
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Breaker.Timeout)
		o.reconcile(ctx, ev)
		cancel()
		if ev.Origin == model.OriginCrossTab {
			o.mu.Lock()
			o.schedulePushLocked(model.OriginCrossTab)
			o.mu.Unlock()
		}
		o.notify(ev)
	}
}

// reconcile resolves the conflicts of a document, if any.
func (o *Orchestrator) reconcile(ctx context.Context, ev model.ChangeEvent) {
	doc, found, err := o.store.Get(ctx, ev.DocumentID, true)
	if err != nil {
		o.storeFailed(err)
		log.Warningf("%s: reading %s for reconciliation: %v", o.cfg.TabID, ev.DocumentID, err)
		return
	}
	if !found || !doc.HasConflicts() {
		o.mu.Lock()
		delete(o.manual, ev.DocumentID)
		o.mu.Unlock()
		return
	}

	rec, err := o.resolver.Resolve(doc.ID, doc.Class, doc.Leaves())
	if err != nil {
		log.Errorf("%s: resolving %s: %v", o.cfg.TabID, doc.ID, err)
		return
	}

	if rec.Rule == conflict.ManualRequired {
		o.mu.Lock()
		prev, known := o.manual[doc.ID]
		if known && sameLeaves(prev, rec) {
			o.mu.Unlock()
			return
		}
		o.manual[doc.ID] = rec
		o.mu.Unlock()
		log.Warningf("%s: %s needs manual resolution (%d leaves)", o.cfg.TabID, doc.ID, len(rec.Candidates))
		o.recordConflict(ctx, rec)
		return
	}

	// every context resolving the same leaves writes the same revision
	_, err = o.store.Put(ctx, []docstore.PutRequest{{
		ID:         doc.ID,
		Class:      doc.Class,
		Body:       rec.ResolvedBody(),
		UpdatedAt:  rec.Winner.UpdatedAt,
		BaseRev:    rec.WinningRevision,
		Supersedes: rec.DiscardedRevisions,
	}}, model.OriginLocal, o.cfg.TabID)
	switch {
	case errors.Is(err, model.ErrWriteConflict):
		log.Debugf("%s: %s changed while resolving, leaving it to the next change", o.cfg.TabID, doc.ID)
		return
	case err != nil:
		o.storeFailed(err)
		log.Warningf("%s: writing resolution of %s: %v", o.cfg.TabID, doc.ID, err)
		return
	}
	log.Infof("%s: resolved %s by %s, winner %s", o.cfg.TabID, doc.ID, rec.Rule, rec.WinningRevision)
	o.recordConflict(ctx, rec)
}

func (o *Orchestrator) recordConflict(ctx context.Context, rec conflict.Record) {
	if err := o.audit.Append(ctx, rec); err != nil {
		log.Warningf("%s: persisting conflict audit log: %v", o.cfg.TabID, err)
	}
	o.tel.Conflict(rec.Rule.String())

	o.mu.Lock()
	if o.mode == Progressive {
		o.conflicts++
		o.checkConflictRateLocked()
	}
	handlers := append([]func(conflict.Record){}, o.onConflict...)
	o.mu.Unlock()

	for _, fn := range handlers {
		fn(rec)
	}
}

func (o *Orchestrator) notify(ev model.ChangeEvent) {
	o.mu.Lock()
	handlers := append([]func(model.ChangeEvent){}, o.external[ev.Class]...)
	if ev.Class != model.ClassUnknown {
		handlers = append(handlers, o.external[model.ClassUnknown]...)
	}
	o.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// receive applies a revision relayed by another context.
func (o *Orchestrator) receive(ev model.ChangeEvent, rev *model.Revision) {
	if rev == nil {
		log.Debugf("%s: %s@%s arrived without revision, waiting for the store", o.cfg.TabID, ev.DocumentID, ev.Revision)
		return
	}
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Breaker.Timeout)
	defer cancel()
	doc := model.Document{ID: ev.DocumentID, Class: ev.Class, Revision: *rev}
	if _, err := o.store.ApplyRevisions(ctx, []model.Document{doc}, model.OriginCrossTab, o.cfg.TabID); err != nil {
		o.storeFailed(err)
		log.Warningf("%s: applying %s@%s from another tab: %v", o.cfg.TabID, ev.DocumentID, rev.Rev, err)
	}
}

// --------------------------------------------------------------------------
// Sync Work
// --------------------------------------------------------------------------

// persist is the LocalPersist work: it writes every staged document in one batch.
func (o *Orchestrator) persist(ctx context.Context) error {
	o.stageMu.Lock()
	staged, order := o.staged, o.order
	o.staged, o.order = map[string]*stagedWrite{}, nil
	o.stageMu.Unlock()
	if len(order) == 0 {
		return nil
	}

	reqs := make([]docstore.PutRequest, len(order))
	for i, id := range order {
		reqs[i] = staged[id].req
	}
	revs, err := breaker.Execute(ctx, o.breakers.Get(model.TargetLocalPersist), func(ctx context.Context) ([]string, error) {
		return o.store.Put(ctx, reqs, model.OriginLocal, o.cfg.TabID)
	})
	if err != nil {
		o.storeFailed(err)
		log.Errorf("%s: persisting %d documents: %v", o.cfg.TabID, len(reqs), err)
	}

	for i, id := range order {
		res := persistResult{err: err}
		if err == nil {
			res.rev = revs[i]
		}
		for _, ch := range staged[id].waiters {
			ch <- res
		}
	}
	return err
}

// broadcast is the CrossTabBroadcast work: it relays the latest local
// revision of every changed document.
func (o *Orchestrator) broadcast(ctx context.Context) error {
	o.mu.Lock()
	events := o.outbox
	o.outbox = map[string]model.ChangeEvent{}
	o.mu.Unlock()

	ids := make([]string, 0, len(events))
	for id := range events {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	b := o.breakers.Get(model.TargetCrossTabBroadcast)
	var firstErr error
	for _, id := range ids {
		ev := events[id]
		doc, found, err := o.store.Get(ctx, id, true)
		if err != nil {
			o.storeFailed(err)
			firstErr = cmpErr(firstErr, err)
			continue
		}
		if !found {
			continue
		}
		rev := currentLeaf(doc, ev.Revision)
		ev.Revision = rev.Rev
		err = b.Do(ctx, func(ctx context.Context) error {
			_, err := o.coord.Broadcast(ctx, ev, &rev)
			return err
		})
		if err != nil {
			firstErr = cmpErr(firstErr, err)
			if errors.Is(err, model.ErrCircuitOpen) {
				log.Debugf("%s: cross-tab broadcast suspended: %v", o.cfg.TabID, err)
				break
			}
		}
	}
	return firstErr
}

// push is the RemotePush work: it sends every document changed since the
// push checkpoint, except changes that came from the remote.
func (o *Orchestrator) push(ctx context.Context) error {
	o.mu.Lock()
	mode := o.mode
	allowed := mode.CanPush() && o.leadingLocked()
	since := o.pushCheckpoint
	o.mu.Unlock()
	if !allowed {
		return nil
	}

	changes, last, err := o.store.Changes(ctx, since, o.cfg.PushBatch, model.OriginRemotePull)
	if err != nil {
		o.pushStoreFailed(err)
		return err
	}
	docs := make([]model.Document, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true
		doc, found, err := o.store.Get(ctx, c.DocumentID, true)
		if err != nil {
			o.pushStoreFailed(err)
			return err
		}
		if found {
			docs = append(docs, doc)
		}
	}
	// in Progressive an empty push still exercises the path towards promotion
	if len(docs) == 0 && mode != Progressive {
		o.advancePushCheckpoint(ctx, last)
		return nil
	}

	res, err := breaker.Execute(ctx, o.breakers.Get(model.TargetRemotePush), func(ctx context.Context) (replica.PushResult, error) {
		return o.remote.Push(ctx, docs)
	})
	if err != nil {
		o.remoteFailed(model.TargetRemotePush, err)
		return err
	}
	for _, id := range res.Rejected {
		log.Warningf("%s: remote rejected %s, skipping it", o.cfg.TabID, id)
	}
	o.advancePushCheckpoint(ctx, last)
	o.tel.Synced("push", len(res.Accepted))
	if len(docs) > 0 {
		log.Debugf("%s: pushed %d documents (%d rejected)", o.cfg.TabID, len(res.Accepted), len(res.Rejected))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.pushSucceededLocked(len(res.Accepted))
	if len(changes) == o.cfg.PushBatch {
		o.scheduleLocked(model.TargetRemotePush, 0, o.push)
	}
	return nil
}

// pull is the RemotePull work: it applies one page of remote changes and
// schedules the next pass.
func (o *Orchestrator) pull(ctx context.Context) error {
	o.mu.Lock()
	allowed := o.mode.CanPull() && o.leadingLocked()
	since := o.pullCheckpoint
	o.mu.Unlock()
	if !allowed {
		return nil
	}

	res, err := breaker.Execute(ctx, o.breakers.Get(model.TargetRemotePull), func(ctx context.Context) (replica.PullResult, error) {
		return o.remote.Pull(ctx, since, o.cfg.PullLimit)
	})
	if err != nil {
		o.remoteFailed(model.TargetRemotePull, err)
		o.mu.Lock()
		o.schedulePullLocked(false)
		o.mu.Unlock()
		return err
	}

	applied := 0
	if len(res.Documents) > 0 {
		changed, err := o.store.ApplyRevisions(ctx, res.Documents, model.OriginRemotePull, o.cfg.TabID)
		if err != nil {
			// the checkpoint stays put so the next pass fetches the same page
			o.storeFailed(err)
			log.Warningf("%s: applying %d pulled documents: %v", o.cfg.TabID, len(res.Documents), err)
			o.mu.Lock()
			o.schedulePullLocked(false)
			o.mu.Unlock()
			return err
		}
		applied = len(changed)
	}
	if res.Checkpoint > since {
		if err := o.store.PutMeta(ctx, MetaPullCheckpoint, []byte(strconv.FormatUint(res.Checkpoint, 10))); err != nil {
			log.Warningf("%s: saving pull checkpoint: %v", o.cfg.TabID, err)
		}
	}
	o.tel.Synced("pull", applied)
	if applied > 0 {
		log.Debugf("%s: pulled %d documents, %d changed", o.cfg.TabID, len(res.Documents), applied)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if res.Checkpoint > o.pullCheckpoint {
		o.pullCheckpoint = res.Checkpoint
	}
	o.pullSucceededLocked(len(res.Documents))
	o.schedulePullLocked(res.More)
	if o.mode == Progressive {
		o.schedulePushLocked(model.OriginLocal)
	}
	return nil
}

func (o *Orchestrator) advancePushCheckpoint(ctx context.Context, last uint64) {
	o.mu.Lock()
	if last <= o.pushCheckpoint {
		o.mu.Unlock()
		return
	}
	o.pushCheckpoint = last
	o.mu.Unlock()
	if err := o.store.PutMeta(ctx, MetaPushCheckpoint, []byte(strconv.FormatUint(last, 10))); err != nil {
		log.Warningf("%s: saving push checkpoint: %v", o.cfg.TabID, err)
	}
}

// --------------------------------------------------------------------------
// Scheduling
// --------------------------------------------------------------------------

func (o *Orchestrator) scheduleLocked(target model.SyncTarget, window time.Duration, work syncqueue.Work) {
	if _, err := o.queue.ScheduleIn(target, window, work); err != nil && !errors.Is(err, syncqueue.ErrClosed) {
		log.Warningf("%s: scheduling %s: %v", o.cfg.TabID, target, err)
	}
}

func (o *Orchestrator) schedulePushLocked(origin model.Origin) {
	if o.remote == nil || !o.mode.CanPush() || !o.leadingLocked() {
		return
	}
	window := o.queue.PushWindow(origin)
	if o.mode == Progressive {
		window *= 2
	}
	o.scheduleLocked(model.TargetRemotePush, window, o.push)
}

func (o *Orchestrator) schedulePullLocked(now bool) {
	if o.remote == nil || !o.mode.CanPull() || !o.leadingLocked() {
		return
	}
	window := o.queue.Window(model.TargetRemotePull)
	if now {
		window = 0
	}
	o.scheduleLocked(model.TargetRemotePull, window, o.pull)
}

// --------------------------------------------------------------------------
// State Machine
// --------------------------------------------------------------------------

// setModeLocked moves to a new mode and starts the work the mode allows.
func (o *Orchestrator) setModeLocked(to Mode, reason string) {
	// an active mode is only entered once the remote breakers let traffic through
	if to.active() && !o.remoteClosedLocked() {
		o.resume = to
		reason = fmt.Sprintf("%s (waiting for remote breakers)", reason)
		to = Degraded
	}

	from := o.mode
	o.reason = reason
	if from == to {
		return
	}
	o.mode = to
	o.since = o.clock.Now()
	o.pullOK, o.pushOK = 0, 0
	if to == Progressive {
		o.synced, o.conflicts = 0, 0
	}
	o.tel.Transition(to.String())
	log.Infof("%s: %s -> %s (%s)", o.cfg.TabID, from, to, reason)

	o.schedulePullLocked(true)
	o.schedulePushLocked(model.OriginLocal)
}

func (o *Orchestrator) pullSucceededLocked(docs int) {
	switch o.mode {
	case ReadOnly:
		o.pullOK++
		if o.pullOK >= o.cfg.PromoteAfter && o.breakers.Get(model.TargetRemotePull).Health() >= o.cfg.PromoteHealth {
			o.setModeLocked(Progressive, fmt.Sprintf("%d healthy pulls", o.pullOK))
		}
	case Progressive:
		o.synced += docs
		o.checkConflictRateLocked()
	}
}

func (o *Orchestrator) pushSucceededLocked(docs int) {
	if o.mode != Progressive {
		return
	}
	o.synced += docs
	o.pushOK++
	if o.checkConflictRateLocked() {
		return
	}
	if o.pushOK >= o.cfg.PromoteAfter && o.breakers.Get(model.TargetRemotePush).Health() >= o.cfg.PromoteHealth {
		o.setModeLocked(Live, fmt.Sprintf("%d healthy pushes, %d conflicts in %d documents", o.pushOK, o.conflicts, o.synced))
	}
}

// checkConflictRateLocked regresses Progressive to ReadOnly if the conflict
// rate since entering it is above the threshold. It reports whether it did.
func (o *Orchestrator) checkConflictRateLocked() bool {
	if o.mode != Progressive || o.synced < o.cfg.ConflictMinSample {
		return false
	}
	rate := float64(o.conflicts) / float64(o.synced)
	if rate <= o.cfg.ConflictThreshold {
		return false
	}
	o.setModeLocked(ReadOnly, fmt.Sprintf("conflict rate %.1f%% above %.1f%%", rate*100, o.cfg.ConflictThreshold*100))
	return true
}

func (o *Orchestrator) remoteClosedLocked() bool {
	for _, t := range model.SyncTargets() {
		if t.IsRemote() && o.breakers.Get(t).Snapshot().Status != breaker.Closed {
			return false
		}
	}
	return true
}

// fatal moves to a Disabled that only Recover leaves.
func (o *Orchestrator) fatal(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sticky {
		return
	}
	log.Errorf("%s: replication disabled until recovery: %s", o.cfg.TabID, reason)
	o.sticky = true
	o.setModeLocked(Disabled, reason)
}

func (o *Orchestrator) storeFailed(err error) {
	if errors.Is(err, model.ErrStoreCorrupt) {
		o.fatal(fmt.Sprintf("local store corrupt: %v", err))
	}
}

// pushStoreFailed handles a local read error of a push pass and schedules
// the next one; the push checkpoint has not moved.
func (o *Orchestrator) pushStoreFailed(err error) {
	o.storeFailed(err)
	log.Warningf("%s: reading changes to push: %v", o.cfg.TabID, err)
	o.mu.Lock()
	o.schedulePushLocked(model.OriginLocal)
	o.mu.Unlock()
}

func (o *Orchestrator) remoteFailed(target model.SyncTarget, err error) {
	switch {
	case errors.Is(err, model.ErrRemoteUnrecoverable):
		o.fatal(fmt.Sprintf("%s: %v", target, err))
	case errors.Is(err, model.ErrCircuitOpen):
		log.Debugf("%s: %s refused: %v", o.cfg.TabID, target, err)
	default:
		o.storeFailed(err)
		log.Warningf("%s: %s failed: %v", o.cfg.TabID, target, err)
	}
}

// breakerChanged persists breaker state and moves between an active mode
// and Degraded.
func (o *Orchestrator) breakerChanged(target model.SyncTarget, from, to breaker.State) {
	o.persistBreaker(o.ctx, target, to)
	if to.Status == breaker.Open && from.Status == breaker.Closed {
		o.tel.BreakerTrip(target.String())
	}
	if !target.IsRemote() {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case to.Status == breaker.Open && o.mode.active():
		o.resume = o.mode
		o.setModeLocked(Degraded, fmt.Sprintf("%s breaker open", target))
	case to.Status == breaker.Closed && o.mode == Degraded && o.remoteClosedLocked():
		o.setModeLocked(o.resume, reasonBreakersBack)
	}
}

// --------------------------------------------------------------------------
// Probing and Leadership
// --------------------------------------------------------------------------

func (o *Orchestrator) armProbeLocked(d time.Duration) {
	if o.closed || o.remote == nil || !o.started {
		return
	}
	if o.probeTimer != nil {
		o.probeTimer.Stop()
		o.probeTimer = nil
	}
	if d <= 0 {
		go o.probeTick()
		return
	}
	o.probeTimer = o.clock.AfterFunc(d, o.probeTick)
}

func (o *Orchestrator) probeTick() {
	o.mu.Lock()
	if o.closed || o.probing {
		o.mu.Unlock()
		return
	}
	o.probing = true
	o.mu.Unlock()

	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.Breaker.Timeout)
	o.probe(ctx)
	cancel()

	o.mu.Lock()
	o.probing = false
	o.armProbeLocked(o.cfg.ProbeInterval)
	o.mu.Unlock()
}

// probe keeps the replication lease and drives the transitions out of
// Disabled and Degraded.
func (o *Orchestrator) probe(ctx context.Context) {
	leading := o.ensureLeader(ctx)

	o.mu.Lock()
	mode, sticky := o.mode, o.sticky
	if !leading && !sticky {
		o.setModeLocked(Disabled, reasonNotLeader)
	}
	o.mu.Unlock()
	if !leading || sticky {
		return
	}

	switch mode {
	case Disabled:
		res, err := o.remote.Probe(ctx)
		if err == nil && !res.Reachable {
			err = fmt.Errorf("%w: remote not reachable", model.ErrTransientIO)
		}
		if errors.Is(err, model.ErrRemoteUnrecoverable) {
			o.fatal(err.Error())
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.mode != Disabled || o.sticky {
			return
		}
		if err != nil {
			o.reason = fmt.Sprintf("remote unreachable: %v", err)
			return
		}
		o.setModeLocked(ReadOnly, fmt.Sprintf("remote reachable (rtt %s)", res.RTT))

	case Degraded:
		// half-open probes go through the breakers themselves
		for _, t := range model.SyncTargets() {
			if !t.IsRemote() {
				continue
			}
			b := o.breakers.Get(t)
			if b.Snapshot().Status == breaker.Closed {
				continue
			}
			err := b.Do(ctx, func(ctx context.Context) error {
				res, err := o.remote.Probe(ctx)
				if err == nil && !res.Reachable {
					err = fmt.Errorf("%w: remote not reachable", model.ErrTransientIO)
				}
				return err
			})
			if err != nil && !errors.Is(err, model.ErrCircuitOpen) {
				log.Debugf("%s: %s probe failed: %v", o.cfg.TabID, t, err)
			}
		}
	}
}

func (o *Orchestrator) ensureLeader(ctx context.Context) bool {
	o.mu.Lock()
	leading := o.leadingLocked()
	o.mu.Unlock()
	if leading {
		return true
	}

	h, err := o.elector.TryAcquire(ctx, o.cfg.ReplicationLeaseKey)
	if err != nil {
		log.Warningf("%s: acquiring replication lease: %v", o.cfg.TabID, err)
		return false
	}
	if h == nil {
		return false
	}
	o.mu.Lock()
	o.replLease = h
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) leadingLocked() bool {
	return o.replLease != nil && o.replLease.Valid()
}

func (o *Orchestrator) leadershipLost(lease leader.Lease) {
	if lease.Key != o.cfg.ReplicationLeaseKey {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replLease = nil
	if !o.sticky {
		o.setModeLocked(Disabled, reasonLeaderLost)
	}
}

// --------------------------------------------------------------------------
// Persisted State
// --------------------------------------------------------------------------

func (o *Orchestrator) restoreBreakers(ctx context.Context) {
	for _, t := range model.SyncTargets() {
		raw, found, err := o.store.GetMeta(ctx, MetaBreakerPrefix+t.String())
		if err != nil || !found {
			continue
		}
		var st breaker.State
		if err := json.Unmarshal(raw, &st); err != nil {
			log.Warningf("%s: ignoring persisted %s breaker: %v", o.cfg.TabID, t, err)
			continue
		}
		o.breakers.Get(t).Restore(st)
		log.Debugf("%s: restored %s breaker (%s, health %.2f)", o.cfg.TabID, t, st.Status, st.HealthScore)
	}
}

func (o *Orchestrator) persistBreakers(ctx context.Context) {
	for t, st := range o.breakers.Snapshot() {
		o.persistBreaker(ctx, t, st)
	}
}

func (o *Orchestrator) persistBreaker(ctx context.Context, target model.SyncTarget, st breaker.State) {
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := o.store.PutMeta(ctx, MetaBreakerPrefix+target.String(), raw); err != nil {
		log.Debugf("%s: persisting %s breaker: %v", o.cfg.TabID, target, err)
	}
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, key string) (uint64, error) {
	raw, found, err := o.store.GetMeta(ctx, key)
	if err != nil {
		o.storeFailed(err)
		return 0, err
	}
	if !found {
		return 0, nil
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		log.Warningf("%s: ignoring malformed %s %q", o.cfg.TabID, key, raw)
		return 0, nil
	}
	return v, nil
}

func (o *Orchestrator) registerGauges() {
	o.tel.Gauge("dsync_mode", func() float64 { return float64(o.Mode()) })
	o.tel.Gauge("dsync_pending_conflicts", func() float64 {
		o.mu.Lock()
		defer o.mu.Unlock()
		return float64(len(o.manual))
	})
	o.tel.Gauge("dsync_inbox_length", func() float64 { return float64(o.inbox.len()) })
	for _, t := range model.SyncTargets() {
		b := o.breakers.Get(t)
		o.tel.Gauge("dsync_health_score", b.Health, "target", t.String())
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (o *Orchestrator) unstageLocked(id string, ch chan persistResult) {
	sw, ok := o.staged[id]
	if !ok {
		return
	}
	for i, w := range sw.waiters {
		if w == ch {
			sw.waiters = append(sw.waiters[:i], sw.waiters[i+1:]...)
			break
		}
	}
	if len(sw.waiters) > 0 {
		return
	}
	delete(o.staged, id)
	for i, staged := range o.order {
		if staged == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// currentLeaf returns the leaf rev if it is still one, the winner otherwise.
func currentLeaf(doc model.Document, rev string) model.Revision {
	for _, leaf := range doc.Leaves() {
		if leaf.Rev == rev {
			return leaf
		}
	}
	return doc.Revision
}

func sameLeaves(a, b conflict.Record) bool {
	la, lb := a.Leaves(), b.Leaves()
	if len(la) != len(lb) {
		return false
	}
	sort.Strings(la)
	sort.Strings(lb)
	for i := range la {
		if la[i] != lb[i] {
			return false
		}
	}
	return true
}

func cmpErr(first, err error) error {
	if first != nil {
		return first
	}
	return err
}
