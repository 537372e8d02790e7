// Package session owns one participant's membership in one room: the
// replicated document, the node and player mirrors with their routers, the
// synchronization loop and the transport that carries the document's
// updates. Every collaborator receives the Session explicitly.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"musical-multiverse/network/internal/entity"
	"musical-multiverse/network/internal/journal"
	"musical-multiverse/network/internal/mirror"
	"musical-multiverse/network/internal/replica"
	"musical-multiverse/network/internal/router"
	"musical-multiverse/network/internal/telemetry"
	"musical-multiverse/network/internal/tick"
	"musical-multiverse/network/internal/transport"
	"musical-multiverse/network/logging"
	lognet "musical-multiverse/network/logging/network"
)

// Replicated map names shared by every peer of a room.
const (
	NodesMap        = "audioNodes3D"
	PlayersMap      = "players"
	ModificationMap = "modificationStatus"
)

const (
	MetricRemoteUpdates = "session_remote_updates_total"
	MetricApplyErrors   = "session_apply_errors_total"
	MetricResync        = "session_resync_total"
	MetricInboxDepth    = "session_inbox_depth"

	sourceRemote = "remote"
)

var (
	ErrNotConnected     = errors.New("session: not connected")
	ErrAlreadyConnected = errors.New("session: already connected")
	ErrClosed           = errors.New("session: closed")
	ErrEmptyRoom        = errors.New("session: room name is required")
	ErrForeignPlayer    = errors.New("session: player is not the local participant")
	ErrNoLocalPlayer    = errors.New("session: local player not set")
)

// Factory materializes a live entity for a remote add.
type Factory func(state entity.State) (entity.Entity, error)

// Modification is one entry of the modification status map: which
// participant last flagged a node as being edited.
type Modification struct {
	NodeID        string `json:"nodeId"`
	IsModified    bool   `json:"isModified"`
	ParticipantID string `json:"participantId"`
}

type Config struct {
	// ParticipantID identifies the local player and stamps local writes.
	ParticipantID string
	Transport     transport.Transport
	Loop          tick.LoopConfig
	// Budget caps the entities published per mirror per tick. Zero means
	// unlimited.
	Budget int
	// NodeFactory and PlayerFactory materialize remote adds. Nil selects
	// the headless entity.Node and entity.Player.
	NodeFactory   Factory
	PlayerFactory Factory
	// ManualMaterialize leaves remote adds to OnNodeChange/OnPlayerChange
	// listeners, which call AddRemoteNode/AddRemotePlayer themselves.
	ManualMaterialize bool

	Logger    telemetry.Logger
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Clock     logging.Clock
}

type status int

const (
	statusIdle status = iota
	statusConnecting
	statusConnected
	statusClosed
)

// Stats is a point-in-time summary of the session.
type Stats struct {
	Room           string `json:"room"`
	Participant    string `json:"participant"`
	Tick           uint64 `json:"tick"`
	Nodes          int    `json:"nodes"`
	Players        int    `json:"players"`
	PendingEntries int    `json:"pendingEntries"`
	PendingTasks   int    `json:"pendingTasks"`
}

type Session struct {
	participant string
	transport   transport.Transport
	logger      telemetry.Logger
	publisher   logging.Publisher
	metrics     telemetry.Metrics

	doc           *replica.Doc
	nodes         *mirror.Mirror
	players       *mirror.Mirror
	nodeRouter    *router.Router
	playerRouter  *router.Router
	modifications *replica.Map
	loop          *tick.Loop
	journal       *journal.Journal

	nodeFactory   Factory
	playerFactory Factory

	mu          sync.Mutex
	status      status
	room        string
	cancel      context.CancelFunc
	localPlayer entity.Entity
	detach      []func()

	inboxMu sync.Mutex
	inbox   []replica.Update
}

// New wires a session for cfg.ParticipantID. Nothing is sent until Connect.
func New(cfg Config) (*Session, error) {
	if cfg.ParticipantID == "" {
		return nil, fmt.Errorf("session: participant id is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("session: transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	if cfg.NodeFactory == nil {
		cfg.NodeFactory = entity.NodeFromState
	}
	if cfg.PlayerFactory == nil {
		cfg.PlayerFactory = entity.PlayerFromState
	}
	if cfg.Loop == (tick.LoopConfig{}) {
		cfg.Loop = tick.DefaultLoopConfig()
	}

	participant := cfg.ParticipantID
	doc := replica.NewDoc(participant)

	nodes, err := mirror.New(mirror.Config{
		Kind:      entity.KindNode,
		Map:       doc.Map(NodesMap),
		Budget:    cfg.Budget,
		Logger:    logger,
		Publisher: publisher,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	players, err := mirror.New(mirror.Config{
		Kind:      entity.KindPlayer,
		Map:       doc.Map(PlayersMap),
		Owns:      func(id string) bool { return id == participant },
		Budget:    cfg.Budget,
		Logger:    logger,
		Publisher: publisher,
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}
	nodeRouter, err := router.New(router.Config{Mirror: nodes, Logger: logger, Publisher: publisher, Metrics: metrics})
	if err != nil {
		return nil, err
	}
	playerRouter, err := router.New(router.Config{Mirror: players, LocalID: participant, Logger: logger, Publisher: publisher, Metrics: metrics})
	if err != nil {
		return nil, err
	}

	s := &Session{
		participant:   participant,
		transport:     cfg.Transport,
		logger:        logger,
		publisher:     logging.WithFields(publisher, map[string]any{"participant": participant}),
		metrics:       metrics,
		doc:           doc,
		nodes:         nodes,
		players:       players,
		nodeRouter:    nodeRouter,
		playerRouter:  playerRouter,
		modifications: doc.Map(ModificationMap),
		journal:       journal.New(participant, metrics),
		nodeFactory:   cfg.NodeFactory,
		playerFactory: cfg.PlayerFactory,
	}

	s.loop = tick.NewLoop(cfg.Loop, tick.Deps{
		Logger:    logger,
		Metrics:   metrics,
		Publisher: publisher,
		Clock:     cfg.Clock,
	}, tick.LoopHooks{
		Prepare:   s.prepare,
		AfterStep: s.afterStep,
		OnTaskDrop: func(reason string, task tick.Task) {
			logger.Printf("[session] [warn] task dropped source=%s name=%s reason=%s", task.Source, task.Name, reason)
		},
	}, nodes, players)

	if !cfg.ManualMaterialize {
		nodeRouter.Listen(s.materialize(nodes, s.nodeFactory))
		playerRouter.Listen(s.materialize(players, s.playerFactory))
	}
	s.detach = append(s.detach,
		nodeRouter.Attach(),
		playerRouter.Attach(),
		doc.OnLocalUpdate(s.journal.Append),
	)
	return s, nil
}

// ParticipantID returns the local participant id.
func (s *Session) ParticipantID() string {
	if s == nil {
		return ""
	}
	return s.participant
}

// Room returns the room joined by Connect, or "" before it.
func (s *Session) Room() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Connect joins room through the transport, applies the room's current
// state and starts the synchronization loop. It returns once every entity
// already in the room has been routed.
func (s *Session) Connect(ctx context.Context, room string) error {
	if s == nil {
		return ErrNotConnected
	}
	if room == "" {
		return ErrEmptyRoom
	}
	s.mu.Lock()
	switch s.status {
	case statusClosed:
		s.mu.Unlock()
		return ErrClosed
	case statusConnecting, statusConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.status = statusConnecting
	s.room = room
	s.mu.Unlock()

	if err := s.transport.Connect(ctx, room, s.participant, s.receive); err != nil {
		s.mu.Lock()
		s.status = statusIdle
		s.room = ""
		s.mu.Unlock()
		return fmt.Errorf("session: connect %s: %w", room, err)
	}
	s.applyInbox()

	if rc, ok := s.transport.(transport.Reconnecter); ok {
		rc.OnReconnect(func() {
			s.logger.Printf("[session] transport reconnected room=%s, republishing owned entities", room)
			s.journal.Resync().Request("reconnect")
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.status == statusClosed {
		s.mu.Unlock()
		cancel()
		return ErrClosed
	}
	s.status = statusConnected
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		if err := s.loop.Run(runCtx); err != nil {
			s.logger.Printf("[session] [error] loop: %v", err)
		}
	}()
	s.logger.Printf("[session] connected room=%s participant=%s nodes=%d players=%d", room, s.participant, s.nodes.Len(), s.players.Len())
	return nil
}

// Close stops the loop, publishes entities modified since the last tick,
// flushes the journal and closes the transport. The loop's ticker is released before Close returns unless
// ctx ends first.
func (s *Session) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.status == statusClosed {
		s.mu.Unlock()
		return nil
	}
	wasRunning := s.status == statusConnected
	s.status = statusClosed
	cancel := s.cancel
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()

	var waitErr error
	if cancel != nil {
		cancel()
	}
	if wasRunning {
		select {
		case <-s.loop.Done():
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr == nil {
			last := s.loop.Tick()
			s.nodes.Sync(last)
			s.players.Sync(last)
			s.flush(last)
		}
	}
	for _, fn := range detach {
		fn()
	}
	if err := s.transport.Close(); err != nil {
		return errors.Join(waitErr, err)
	}
	return waitErr
}

// Do runs fn on the synchronization loop goroutine, serialized with ticks.
func (s *Session) Do(ctx context.Context, fn func()) error {
	if s == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	st := s.status
	s.mu.Unlock()
	switch st {
	case statusClosed:
		return ErrClosed
	case statusConnected:
		return s.loop.Do(ctx, "do", fn)
	default:
		return ErrNotConnected
	}
}

// CreateNode registers a locally created node and publishes it.
func (s *Session) CreateNode(node entity.Entity) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.nodes.Create(node)
}

// AddRemoteNode registers a node materialized for a remote add without
// publishing it.
func (s *Session) AddRemoteNode(node entity.Entity) error {
	if err := s.writable(); err != nil {
		return err
	}
	return s.nodes.RegisterLocal(node)
}

// AddRemotePlayer registers another participant's avatar. The local
// participant's own id is refused.
func (s *Session) AddRemotePlayer(player entity.Entity) error {
	if err := s.writable(); err != nil {
		return err
	}
	if player != nil && player.ID() == s.participant {
		return fmt.Errorf("%w: %s is the local participant", ErrForeignPlayer, player.ID())
	}
	return s.players.RegisterLocal(player)
}

// SetLocalPlayer registers the local participant's avatar and publishes it.
// The loop republishes it whenever it is modified.
func (s *Session) SetLocalPlayer(player entity.Entity) error {
	if err := s.writable(); err != nil {
		return err
	}
	if player == nil {
		return mirror.ErrNilEntity
	}
	if player.ID() != s.participant {
		return fmt.Errorf("%w: %s", ErrForeignPlayer, player.ID())
	}
	if err := s.players.Create(player); err != nil {
		return err
	}
	s.mu.Lock()
	s.localPlayer = player
	s.mu.Unlock()
	return nil
}

// LocalPlayer returns the avatar registered with SetLocalPlayer.
func (s *Session) LocalPlayer() (entity.Entity, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localPlayer, s.localPlayer != nil
}

// UpdatePlayerState overwrites the local player's state and writes it to
// the players map immediately. The first call creates the local player.
func (s *Session) UpdatePlayerState(state entity.PlayerState) error {
	if err := s.writable(); err != nil {
		return err
	}
	if state.ID == "" {
		state.ID = s.participant
	}
	if state.ID != s.participant {
		return fmt.Errorf("%w: %s", ErrForeignPlayer, state.ID)
	}
	local, ok := s.LocalPlayer()
	if !ok {
		return s.SetLocalPlayer(entity.NewPlayer(state))
	}
	if err := local.SetState(entity.PlayerStateOf(state)); err != nil {
		return err
	}
	return s.players.Publish(local)
}

// SendModification records whether nodeID is being edited by the local
// participant.
func (s *Session) SendModification(nodeID string, modified bool) error {
	if err := s.writable(); err != nil {
		return err
	}
	if nodeID == "" {
		return replica.ErrEmptyKey
	}
	raw, err := json.Marshal(Modification{NodeID: nodeID, IsModified: modified, ParticipantID: s.participant})
	if err != nil {
		return err
	}
	return s.modifications.Set(nodeID, raw)
}

// Modification returns the last modification status recorded for nodeID.
func (s *Session) Modification(nodeID string) (Modification, bool) {
	if s == nil {
		return Modification{}, false
	}
	raw, ok := s.modifications.Get(nodeID)
	if !ok {
		return Modification{}, false
	}
	var m Modification
	if err := json.Unmarshal(raw, &m); err != nil {
		return Modification{}, false
	}
	return m, true
}

// OnNodeChange registers fn for node adds and applied remote updates.
func (s *Session) OnNodeChange(fn router.Listener) func() {
	if s == nil {
		return func() {}
	}
	return s.nodeRouter.Listen(fn)
}

// OnPlayerChange registers fn for remote player adds and applied updates.
func (s *Session) OnPlayerChange(fn router.Listener) func() {
	if s == nil {
		return func() {}
	}
	return s.playerRouter.Listen(fn)
}

// OnModificationChange registers fn for modification statuses written by
// other participants.
func (s *Session) OnModificationChange(fn func(Modification)) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	return s.modifications.Observe(func(event replica.Event) {
		if event.Local {
			return
		}
		for _, key := range event.Keys() {
			m, ok := s.Modification(key)
			if !ok {
				continue
			}
			fn(m)
		}
	})
}

// Node looks up a registered node.
func (s *Session) Node(id string) (entity.Entity, bool) {
	if s == nil {
		return nil, false
	}
	return s.nodes.Lookup(id)
}

// Nodes lists registered nodes in registration order.
func (s *Session) Nodes() []entity.Entity {
	if s == nil {
		return nil
	}
	return s.nodes.Entities()
}

// Player looks up a registered player, local or remote.
func (s *Session) Player(id string) (entity.Entity, bool) {
	if s == nil {
		return nil, false
	}
	return s.players.Lookup(id)
}

func (s *Session) Players() []entity.Entity {
	if s == nil {
		return nil
	}
	return s.players.Entities()
}

func (s *Session) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		Room:           s.Room(),
		Participant:    s.participant,
		Tick:           s.loop.Tick(),
		Nodes:          s.nodes.Len(),
		Players:        s.players.Len(),
		PendingEntries: s.journal.Pending(),
		PendingTasks:   s.loop.Pending(),
	}
}

func (s *Session) writable() error {
	if s == nil {
		return ErrNotConnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == statusClosed {
		return ErrClosed
	}
	return nil
}

func (s *Session) materialize(m *mirror.Mirror, factory Factory) router.Listener {
	return func(n router.Notification) {
		if n.Action != replica.ActionAdd {
			return
		}
		e, err := factory(n.State)
		if err != nil {
			s.logger.Printf("[session] [warn] factory refused %s id=%s: %v", m.Kind(), n.ID, err)
			return
		}
		if e == nil {
			return
		}
		if e.ID() != n.ID {
			s.logger.Printf("[session] [warn] factory returned %s id=%s for key %s", m.Kind(), e.ID(), n.ID)
			return
		}
		if err := m.RegisterLocal(e); err != nil {
			s.logger.Printf("[session] [warn] register %s id=%s: %v", m.Kind(), n.ID, err)
		}
	}
}

// receive is the transport's delivery callback. It may run on a transport
// goroutine, so updates are parked until the loop applies them.
func (s *Session) receive(update replica.Update) {
	if update.Empty() {
		return
	}
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, update)
	depth := len(s.inbox)
	s.inboxMu.Unlock()
	s.metrics.Store(MetricInboxDepth, uint64(depth))
	// A rejected task is harmless: Prepare drains the inbox every tick.
	s.loop.Submit(tick.Task{Source: sourceRemote, Name: "apply", Run: s.applyInbox})
}

func (s *Session) applyInbox() {
	s.inboxMu.Lock()
	updates := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	if len(updates) == 0 {
		return
	}
	s.metrics.Store(MetricInboxDepth, 0)
	for _, update := range updates {
		s.metrics.Add(MetricRemoteUpdates, 1)
		if err := s.doc.Apply(update); err != nil {
			s.metrics.Add(MetricApplyErrors, 1)
			s.logger.Printf("[session] [warn] remote update origin=%s partially rejected: %v", update.Origin, err)
		}
	}
}

func (s *Session) prepare(ctx tick.TickContext) {
	s.nodeRouter.SetTick(ctx.Tick)
	s.playerRouter.SetTick(ctx.Tick)
	s.applyInbox()
}

func (s *Session) afterStep(result tick.StepResult) {
	if signal, ok := s.journal.Resync().Consume(); ok {
		count := s.nodes.InvalidateAll() + s.players.InvalidateAll()
		s.metrics.Add(MetricResync, 1)
		s.logger.Printf("[session] resync tick=%d entities=%d %s", result.Tick, count, signal.Summary())
		lognet.Resync(context.Background(), s.publisher, result.Tick, s.actor(),
			lognet.ResyncPayload{Entities: count, Reason: signal.Summary()}, nil)
	}
	s.flush(result.Tick)
}

// flush hands the journal's batch to the transport. A refused batch is not
// resent as is: its entities are marked stale so the next tick republishes
// their latest state, and its modification entries go back into the
// journal, where a newer local write for the same node wins.
func (s *Session) flush(tickNum uint64) {
	batch, ok := s.journal.Drain(tickNum)
	if !ok {
		return
	}
	entries := len(batch.Update.Entries)
	if s.transport.Send(batch.Update) {
		s.journal.Resync().NoteSent(entries)
		return
	}
	s.journal.Resync().NoteDropped(batch, "transport_drop")
	var retry []replica.Entry
	for _, entry := range batch.Update.Entries {
		if entry.Map == ModificationMap {
			retry = append(retry, entry)
		}
	}
	if len(retry) > 0 {
		s.journal.Append(replica.Update{Origin: s.participant, Entries: retry})
	}
	for name, keys := range batch.Keys() {
		var m *mirror.Mirror
		switch name {
		case NodesMap:
			m = s.nodes
		case PlayersMap:
			m = s.players
		default:
			continue
		}
		for _, key := range keys {
			m.Invalidate(key)
		}
	}
	s.logger.Printf("[session] [warn] transport refused batch seq=%d tick=%d entries=%d", batch.Seq, tickNum, entries)
	lognet.TransportDrop(context.Background(), s.publisher, tickNum, s.actor(),
		lognet.TransportPayload{Entries: entries, Reason: "send refused"}, nil)
}

func (s *Session) actor() logging.EntityRef {
	return logging.EntityRef{ID: s.participant, Kind: logging.EntityKindPeer}
}
