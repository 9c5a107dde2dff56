package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/retrace-app/retrace/internal/display"
	"github.com/retrace-app/retrace/internal/power"
	"github.com/retrace-app/retrace/internal/storage"
)

// ChunkStore is the slice of storage the orchestrator needs.
type ChunkStore interface {
	SaveChunk(c storage.Chunk) error
	MarkChunkCompleted(id string, endTime time.Time, fileSize int64) error
	MarkChunkFailed(id string) error
}

// Options configures an Orchestrator.
type Options struct {
	SegmentDir      string
	SegmentInterval time.Duration
	SettleDelay     time.Duration
	MinFreeBytes    uint64
	BufferCap       int

	// FreeSpace reports available bytes on the volume holding path.
	// Defaults to a statfs probe.
	FreeSpace func(path string) (uint64, error)

	// DisplayEvents and PowerIntents are optional input streams.
	DisplayEvents <-chan display.Event
	PowerIntents  <-chan power.Intent
}

// finalizeTimeout bounds how long a segment close may hold up the loop.
const finalizeTimeout = 2 * time.Second

// Snapshot is the externally visible orchestrator state.
type Snapshot struct {
	State         State  `json:"state"`
	UserPaused    bool   `json:"user_paused"`
	ActiveDisplay string `json:"active_display,omitempty"`
	CurrentChunk  string `json:"current_chunk,omitempty"`
}

// Orchestrator owns the capture state machine. All transitions happen on a
// single goroutine inside Run; public methods post commands to it.
type Orchestrator struct {
	source  Source
	factory EncoderFactory
	store   ChunkStore
	opts    Options

	cmds chan command

	mu   sync.Mutex
	snap Snapshot
	subs map[int]chan StateChange
	next int
}

type command struct {
	kind   cmdKind
	user   bool
	reason string
	settle time.Duration
	reply  chan error
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdPause
	cmdResume
)

// NewOrchestrator wires a capture pipeline. Zero option fields get defaults.
func NewOrchestrator(source Source, factory EncoderFactory, store ChunkStore, opts Options) *Orchestrator {
	if opts.SegmentInterval <= 0 {
		opts.SegmentInterval = 15 * time.Second
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 500 * time.Millisecond
	}
	if opts.FreeSpace == nil {
		opts.FreeSpace = freeBytes
	}
	return &Orchestrator{
		source:  source,
		factory: factory,
		store:   store,
		opts:    opts,
		cmds:    make(chan command),
		snap:    Snapshot{State: StateIdle},
		subs:    make(map[int]chan StateChange),
	}
}

// Start begins recording. Only valid from idle.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdStart})
}

// Stop ends recording from any non-idle state and clears a user pause.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdStop})
}

// Pause pauses on user request. A user pause is authoritative: system wake
// events will not resume capture until Resume is called.
func (o *Orchestrator) Pause(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdPause, user: true, reason: "user"})
}

// Resume clears a user pause and resumes capture.
func (o *Orchestrator) Resume(ctx context.Context) error {
	return o.send(ctx, command{kind: cmdResume, user: true, reason: "user", settle: o.opts.SettleDelay})
}

func (o *Orchestrator) send(ctx context.Context, cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case o.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap.State
}

// Status returns the full externally visible state.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Subscribe registers for state change notifications. Slow subscribers miss
// changes rather than blocking the state machine. The returned cancel
// function releases the subscription.
func (o *Orchestrator) Subscribe() (<-chan StateChange, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	ch := make(chan StateChange, 16)
	o.subs[id] = ch
	return ch, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

// loopState is the mutable state owned by the Run goroutine.
type loopState struct {
	frames  <-chan Frame
	writer  *SegmentWriter
	chunkID string
	display string

	userPaused bool

	segTicker *time.Ticker
	segC      <-chan time.Time

	settleTimer *time.Timer
	settleC     <-chan time.Time
}

// Run drives the state machine until ctx is cancelled. On exit any open
// segment is finalized best-effort.
func (o *Orchestrator) Run(ctx context.Context) error {
	ls := &loopState{}
	defer func() {
		ls.stopSettle()
		ls.stopTicker()
		if ls.writer != nil {
			o.finalizeSegment(ls)
		}
		if ls.frames != nil {
			o.source.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case cmd := <-o.cmds:
			cmd.reply <- o.handleCommand(ctx, ls, cmd)

		case <-ls.segC:
			o.rotateSegment(ctx, ls)

		case f, ok := <-ls.frames:
			if !ok {
				ls.frames = nil
				continue
			}
			o.handleFrame(ctx, ls, f)

		case ev, ok := <-o.opts.DisplayEvents:
			if !ok {
				o.opts.DisplayEvents = nil
				continue
			}
			o.handleDisplayChange(ctx, ls, ev)

		case in, ok := <-o.opts.PowerIntents:
			if !ok {
				o.opts.PowerIntents = nil
				continue
			}
			o.handlePowerIntent(ls, in)

		case <-ls.settleC:
			ls.settleC = nil
			o.completeResume(ctx, ls, "settle")
		}
	}
}

func (o *Orchestrator) handleCommand(ctx context.Context, ls *loopState, cmd command) error {
	switch cmd.kind {
	case cmdStart:
		if o.State() != StateIdle {
			return ErrNotIdle
		}
		return o.startCapture(ctx, ls, "start")

	case cmdStop:
		if o.State() == StateIdle {
			return ErrNotActive
		}
		ls.stopSettle()
		o.teardown(ls, "stop")
		ls.userPaused = false
		o.setState(StateIdle, "stop", false)
		return nil

	case cmdPause:
		return o.pause(ls, cmd)

	case cmdResume:
		return o.resume(ctx, ls, cmd)
	}
	return fmt.Errorf("unknown command %d", cmd.kind)
}

func (o *Orchestrator) pause(ls *loopState, cmd command) error {
	st := o.State()
	switch st {
	case StateRecording:
		if cmd.user {
			ls.userPaused = true
		}
		ls.stopSettle()
		o.teardown(ls, cmd.reason)
		o.setState(StatePaused, cmd.reason, ls.userPaused)
		return nil
	case StatePaused:
		// Already paused by the system; a user pause still latches so that
		// wake events won't resume.
		if cmd.user {
			ls.userPaused = true
		}
		ls.stopSettle()
		o.setUserPaused(ls.userPaused)
		return nil
	default:
		if cmd.user {
			return ErrNotActive
		}
		return nil
	}
}

func (o *Orchestrator) resume(ctx context.Context, ls *loopState, cmd command) error {
	if !cmd.user && ls.userPaused {
		// The user paused explicitly; system wake must not override that.
		slog.Info("ignoring system resume, capture paused by user", "reason", cmd.reason)
		return nil
	}
	if cmd.user {
		ls.userPaused = false
		o.setUserPaused(false)
	}
	if o.State() != StatePaused {
		if cmd.user {
			return ErrNotActive
		}
		return nil
	}
	if cmd.settle <= 0 {
		return o.completeResume(ctx, ls, cmd.reason)
	}
	ls.scheduleSettle(cmd.settle)
	return nil
}

// completeResume restarts capture after a pause once the settle delay ran.
func (o *Orchestrator) completeResume(ctx context.Context, ls *loopState, reason string) error {
	if o.State() != StatePaused {
		return nil
	}
	return o.startCapture(ctx, ls, reason)
}

// startCapture performs the starting -> recording transition: disk guard,
// source start, first segment. Any failure lands back in idle.
func (o *Orchestrator) startCapture(ctx context.Context, ls *loopState, reason string) error {
	o.setState(StateStarting, reason, ls.userPaused)

	if err := o.checkDisk(); err != nil {
		o.setState(StateIdle, "disk guard", ls.userPaused)
		return err
	}

	frames, err := o.source.Start(ctx, ls.display)
	if err != nil {
		o.setState(StateIdle, "source start failed", ls.userPaused)
		return err
	}
	ls.frames = frames

	if err := o.openSegment(ls); err != nil {
		o.source.Stop()
		ls.frames = nil
		o.setState(StateIdle, "segment open failed", ls.userPaused)
		return err
	}

	ls.startTicker(o.opts.SegmentInterval)
	o.setState(StateRecording, reason, ls.userPaused)
	return nil
}

// teardown finalizes the open segment and stops the source. Caller decides
// the resulting state.
func (o *Orchestrator) teardown(ls *loopState, reason string) {
	prev := o.State()
	if prev == StateRecording {
		o.setState(StateFinishing, reason, ls.userPaused)
	}
	ls.stopTicker()
	if ls.writer != nil {
		o.finalizeSegment(ls)
	}
	if ls.frames != nil {
		o.source.Stop()
		ls.frames = nil
	}
}

// checkDisk enforces the free-space guard. It runs before every segment
// open so a filling disk stops capture instead of corrupting it.
func (o *Orchestrator) checkDisk() error {
	if o.opts.MinFreeBytes == 0 {
		return nil
	}
	free, err := o.opts.FreeSpace(o.opts.SegmentDir)
	if err != nil {
		return fmt.Errorf("probing free space: %w", err)
	}
	if free < o.opts.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes free, need %d", ErrInsufficientDiskSpace, free, o.opts.MinFreeBytes)
	}
	return nil
}

// openSegment records a pending chunk and opens its writer. The chunk row
// exists before the first frame so a crash leaves a traceable artifact.
func (o *Orchestrator) openSegment(ls *loopState) error {
	id := uuid.NewString()
	path := filepath.Join(o.opts.SegmentDir, id+".mp4")
	start := time.Now()

	enc, err := o.factory(path)
	if err != nil {
		return fmt.Errorf("opening encoder: %w", err)
	}
	if err := o.store.SaveChunk(storage.Chunk{
		ID:        id,
		FilePath:  path,
		StartTime: start,
		EndTime:   start,
		Status:    storage.ChunkPending,
	}); err != nil {
		enc.Close()
		return fmt.Errorf("recording chunk: %w", err)
	}

	ls.writer = NewSegmentWriter(path, enc, o.opts.BufferCap, start)
	ls.chunkID = id
	o.setChunk(id)
	return nil
}

// finalizeSegment closes the open writer and settles the chunk row.
func (o *Orchestrator) finalizeSegment(ls *loopState) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	res, err := ls.writer.Finalize(ctx)
	if err != nil {
		slog.Error("segment finalize failed", "chunk", ls.chunkID, "error", err)
		if merr := o.store.MarkChunkFailed(ls.chunkID); merr != nil {
			slog.Error("marking chunk failed", "chunk", ls.chunkID, "error", merr)
		}
	} else {
		if res.Dropped > 0 {
			slog.Warn("segment dropped frames under pressure", "chunk", ls.chunkID, "dropped", res.Dropped)
		}
		if merr := o.store.MarkChunkCompleted(ls.chunkID, res.End, res.FileSize); merr != nil {
			slog.Error("marking chunk completed", "chunk", ls.chunkID, "error", merr)
		}
	}
	ls.writer = nil
	ls.chunkID = ""
	o.setChunk("")
}

// rotateSegment closes the current segment and opens the next one. A failed
// disk guard or open aborts capture back to idle.
func (o *Orchestrator) rotateSegment(ctx context.Context, ls *loopState) {
	if o.State() != StateRecording {
		return
	}
	if ls.writer != nil {
		o.finalizeSegment(ls)
	}
	if err := o.checkDisk(); err != nil {
		slog.Error("stopping capture", "error", err)
		o.teardown(ls, "disk guard")
		o.setState(StateIdle, "disk guard", ls.userPaused)
		return
	}
	if err := o.openSegment(ls); err != nil {
		slog.Error("stopping capture", "error", err)
		o.teardown(ls, "segment open failed")
		o.setState(StateIdle, "segment open failed", ls.userPaused)
	}
}

func (o *Orchestrator) handleFrame(ctx context.Context, ls *loopState, f Frame) {
	if ls.writer == nil || o.State() != StateRecording {
		return
	}
	err := ls.writer.Append(f)
	if err == nil {
		return
	}
	// A non-monotonic frame poisons the segment: fail the chunk and start a
	// fresh one rather than persisting a lying timeline.
	slog.Error("abandoning segment", "chunk", ls.chunkID, "error", err)
	fctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	ls.writer.Finalize(fctx)
	cancel()
	if merr := o.store.MarkChunkFailed(ls.chunkID); merr != nil {
		slog.Error("marking chunk failed", "chunk", ls.chunkID, "error", merr)
	}
	ls.writer = nil
	ls.chunkID = ""
	o.setChunk("")

	if err := o.checkDisk(); err == nil {
		if oerr := o.openSegment(ls); oerr != nil {
			slog.Error("stopping capture", "error", oerr)
			o.teardown(ls, "segment open failed")
			o.setState(StateIdle, "segment open failed", ls.userPaused)
		}
	} else {
		slog.Error("stopping capture", "error", err)
		o.teardown(ls, "disk guard")
		o.setState(StateIdle, "disk guard", ls.userPaused)
	}
}

// handleDisplayChange moves capture to the newly active display. A segment
// never spans two displays.
func (o *Orchestrator) handleDisplayChange(ctx context.Context, ls *loopState, ev display.Event) {
	prev := ls.display
	ls.display = ev.Config.ActiveDisplayID
	o.setDisplay(ls.display)
	if o.State() != StateRecording || prev == ls.display {
		return
	}

	slog.Info("active display changed", "from", prev, "to", ls.display)
	o.teardown(ls, "display change")
	if err := o.startCapture(ctx, ls, "display change"); err != nil {
		slog.Error("restart on new display failed", "display", ls.display, "error", err)
	}
}

func (o *Orchestrator) handlePowerIntent(ls *loopState, in power.Intent) {
	switch in.Kind {
	case power.IntentPause:
		if err := o.pause(ls, command{reason: in.Reason}); err != nil {
			slog.Error("system pause failed", "reason", in.Reason, "error", err)
		}
	case power.IntentResume:
		// Resume restarts are driven off the settle timer inside the loop,
		// so a fresh context is fine here.
		if err := o.resume(context.Background(), ls, command{reason: in.Reason, settle: in.Settle}); err != nil {
			slog.Error("system resume failed", "reason", in.Reason, "error", err)
		}
	}
}

func (o *Orchestrator) setState(to State, reason string, userPaused bool) {
	o.mu.Lock()
	from := o.snap.State
	o.snap.State = to
	o.snap.UserPaused = userPaused
	subs := make([]chan StateChange, 0, len(o.subs))
	for _, ch := range o.subs {
		subs = append(subs, ch)
	}
	o.mu.Unlock()

	if from == to {
		return
	}
	slog.Info("capture state", "from", from, "to", to, "reason", reason)
	change := StateChange{From: from, To: to, Reason: reason, At: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (o *Orchestrator) setUserPaused(v bool) {
	o.mu.Lock()
	o.snap.UserPaused = v
	o.mu.Unlock()
}

func (o *Orchestrator) setChunk(id string) {
	o.mu.Lock()
	o.snap.CurrentChunk = id
	o.mu.Unlock()
}

func (o *Orchestrator) setDisplay(id string) {
	o.mu.Lock()
	o.snap.ActiveDisplay = id
	o.mu.Unlock()
}

func (ls *loopState) startTicker(interval time.Duration) {
	ls.stopTicker()
	ls.segTicker = time.NewTicker(interval)
	ls.segC = ls.segTicker.C
}

func (ls *loopState) stopTicker() {
	if ls.segTicker != nil {
		ls.segTicker.Stop()
		ls.segTicker = nil
		ls.segC = nil
	}
}

func (ls *loopState) scheduleSettle(d time.Duration) {
	ls.stopSettle()
	ls.settleTimer = time.NewTimer(d)
	ls.settleC = ls.settleTimer.C
}

func (ls *loopState) stopSettle() {
	if ls.settleTimer != nil {
		ls.settleTimer.Stop()
		ls.settleTimer = nil
		ls.settleC = nil
	}
}
