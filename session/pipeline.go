// Package session wires the media pipeline together: the frame mixer and its
// sources, the tutor channel, the secondary feed and the instruction stream.
// One Pipeline serves one tutoring UI.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
	"pkt.systems/pslog"

	"github.com/room4-2/tutorstream/assistant"
	"github.com/room4-2/tutorstream/capture"
	"github.com/room4-2/tutorstream/functions"
	"github.com/room4-2/tutorstream/instruction"
	"github.com/room4-2/tutorstream/messages"
	"github.com/room4-2/tutorstream/mixer"
	"github.com/room4-2/tutorstream/tutor"
)

// Sink receives messages for the UI.
type Sink interface {
	Send(msg *messages.ServerMessage)
}

// FeedChannel is the secondary feed. *feed.Client implements it.
type FeedChannel interface {
	Connect(ctx context.Context) error
	Disconnect()
	SendAudio(chunk []byte) error
	SendMedia(mimeType string, data []byte) bool
	SendTranscript(speaker, text string, final bool) bool
}

// InstructionSource is the instruction stream. *instruction.Client
// implements it.
type InstructionSource interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(fn func(instruction.Instruction)) func()
}

// Assistant is the teaching-assistant collaborator. *assistant.Client
// implements it.
type Assistant interface {
	StartSession(ctx context.Context, req assistant.SessionRequest) (string, error)
	EndSession(ctx context.Context, req assistant.SessionRequest) (string, error)
	LogTurn(ctx context.Context, turn assistant.Turn) error
	QuestionAnswered(ctx context.Context, a assistant.Answer) error
}

// FrameSource is a camera or screen. *capture.Source implements it.
type FrameSource interface {
	Enable(ctx context.Context) error
	Disable()
	Enabled() bool
	LatestFrame() (image.Image, bool)
	OnStateChange(fn func(enabled bool)) func()
}

// Scratchpad is the scratchpad sampler. *scratchpad.Sampler implements it.
type Scratchpad interface {
	Start(ctx context.Context, selector string, onFrame func(image.Image)) error
	Stop()
	LatestFrame() (image.Image, bool)
	Trigger() bool
}

// Deps are the collaborators a Pipeline drives. Everything except Tokens and
// Dialer is optional.
type Deps struct {
	Tokens       tutor.TokenSource
	Dialer       tutor.Dialer
	Feed         FeedChannel
	Instructions InstructionSource
	Assistant    Assistant
	Camera       FrameSource
	Screen       FrameSource
	Scratchpad   Scratchpad
	Recorder     *Recorder
}

// Options tunes a Pipeline.
type Options struct {
	Mixer        mixer.Config
	MixerOptions []mixer.Option

	SnapshotInterval     time.Duration // to the tutor, default 1s
	FeedSnapshotInterval time.Duration // to the feed, default 2s
	JPEGQuality          int           // default 70

	Tutor              tutor.Config
	ScratchpadSelector string
	// GoodbyeTimeout bounds how long Disconnect waits for the tutor to
	// finish the goodbye turn (default 5s).
	GoodbyeTimeout time.Duration

	Logger pslog.Logger
}

// ConnectOverrides are per-connection tutor settings from the UI.
type ConnectOverrides struct {
	SystemInstruction string
	Voice             string
}

// Pipeline owns the mixer and the tutor client and drives every other
// collaborator.
type Pipeline struct {
	opts  Options
	deps  Deps
	log   pslog.Logger
	mixer *mixer.Mixer
	tutor *tutor.Client
	board functions.Board

	muted      atomic.Bool
	connecting atomic.Bool

	sinkMu sync.RWMutex
	sink   Sink

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sessionID   string
	tutorCancel context.CancelFunc
	goodbye     chan struct{}
	unsubscribe []func()
	wg          sync.WaitGroup
}

// New builds a stopped pipeline.
func New(deps Deps, opts Options) (*Pipeline, error) {
	if deps.Tokens == nil || deps.Dialer == nil {
		return nil, errors.New("session: token source and dialer are required")
	}
	if opts.Mixer == (mixer.Config{}) {
		opts.Mixer = mixer.DefaultConfig()
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = time.Second
	}
	if opts.FeedSnapshotInterval <= 0 {
		opts.FeedSnapshotInterval = 2 * time.Second
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 70
	}
	if opts.GoodbyeTimeout <= 0 {
		opts.GoodbyeTimeout = 5 * time.Second
	}
	if opts.ScratchpadSelector == "" {
		opts.ScratchpadSelector = "#scratchpad"
	}
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}

	p := &Pipeline{opts: opts, deps: deps, log: log.With("component", "session")}

	mixOpts := append([]mixer.Option{mixer.WithLogger(log)}, opts.MixerOptions...)
	m, err := mixer.New(opts.Mixer, mixOpts...)
	if err != nil {
		return nil, fmt.Errorf("create mixer: %w", err)
	}
	p.mixer = m
	p.tutor = tutor.New(deps.Tokens, deps.Dialer, tutor.WithPlayer(playerFunc(p.interrupted)), tutor.WithLogger(log))

	if deps.Scratchpad != nil {
		m.Attach(mixer.BandScratchpad, deps.Scratchpad)
	}
	p.bindSource(mixer.BandScreen, deps.Screen, messages.StatusScreenOn, messages.StatusScreenOff)
	p.bindSource(mixer.BandCamera, deps.Camera, messages.StatusCameraOn, messages.StatusCameraOff)
	p.unsubscribe = append(p.unsubscribe, p.tutor.Subscribe(tutor.ListenerFunc(p.handleEvent)))
	return p, nil
}

func (p *Pipeline) bindSource(band mixer.Band, src FrameSource, on, off string) {
	if src == nil {
		return
	}
	p.mixer.Attach(band, src)
	p.mixer.SetBandEnabled(band, src.Enabled())
	p.unsubscribe = append(p.unsubscribe, src.OnStateChange(func(enabled bool) {
		p.mixer.SetBandEnabled(band, enabled)
		status := off
		if enabled {
			status = on
		}
		p.send(messages.NewStatusMessage(p.SessionID(), status, ""))
	}))
}

// Mixer exposes the composite for read-only consumers.
func (p *Pipeline) Mixer() *mixer.Mixer { return p.mixer }

// TutorState reports the tutor connection state.
func (p *Pipeline) TutorState() tutor.State { return p.tutor.State() }

// SessionID is the id of the current or last tutor session.
func (p *Pipeline) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// Board is the question state the tutor tools read.
func (p *Pipeline) Board() *functions.Board { return &p.board }

// Attach routes UI-bound messages to s until the returned func is called.
func (p *Pipeline) Attach(s Sink) func() {
	p.sinkMu.Lock()
	p.sink = s
	p.sinkMu.Unlock()
	return func() {
		p.sinkMu.Lock()
		if p.sink == s {
			p.sink = nil
		}
		p.sinkMu.Unlock()
	}
}

func (p *Pipeline) send(msg *messages.ServerMessage) {
	p.sinkMu.RLock()
	s := p.sink
	p.sinkMu.RUnlock()
	if s != nil {
		s.Send(msg)
	}
}

// Start runs the mixer, the scratchpad sampler, the feed and the
// instruction stream. ctx bounds all of them.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return errors.New("session: pipeline already started")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	p.mixer.Start(runCtx)

	if sp := p.deps.Scratchpad; sp != nil {
		if err := sp.Start(runCtx, p.opts.ScratchpadSelector, nil); err != nil {
			p.log.Warn("scratchpad sampler not started", "err", err)
		}
	}

	if fd := p.deps.Feed; fd != nil {
		p.wg.Add(2)
		go func() {
			defer p.wg.Done()
			if err := fd.Connect(runCtx); err != nil {
				p.log.Warn("feed connect failed, will retry", "err", err)
			}
		}()
		go func() {
			defer p.wg.Done()
			p.snapshotLoop(runCtx, p.opts.FeedSnapshotInterval, func(jpeg []byte) {
				fd.SendMedia("image/jpeg", jpeg)
			})
		}()
	}

	if in := p.deps.Instructions; in != nil {
		p.mu.Lock()
		p.unsubscribe = append(p.unsubscribe, in.Subscribe(p.handleInstruction))
		p.mu.Unlock()
		if err := in.Start(runCtx); err != nil {
			p.log.Warn("instruction stream not started", "err", err)
		}
	}

	p.log.Info("🚀 pipeline started", "mixer", fmt.Sprintf("%dx%d@%gfps", p.opts.Mixer.Width, p.opts.Mixer.Height, p.opts.Mixer.TargetFPS))
	return nil
}

// Close tears everything down and waits for every loop to exit.
func (p *Pipeline) Close() {
	p.tutor.Disconnect()

	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sp := p.deps.Scratchpad; sp != nil {
		sp.Stop()
	}
	if fd := p.deps.Feed; fd != nil {
		fd.Disconnect()
	}
	if in := p.deps.Instructions; in != nil {
		in.Stop()
	}
	if src := p.deps.Camera; src != nil {
		src.Disable()
	}
	if src := p.deps.Screen; src != nil {
		src.Disable()
	}
	p.mixer.Stop()
	p.wg.Wait()
	for _, fn := range unsub {
		fn()
	}
	if err := p.deps.Recorder.Close(); err != nil {
		p.log.Debug("recorder close", "err", err)
	}
	p.log.Info("pipeline closed")
}

// ConnectTutor opens a tutor session with the default tools.
func (p *Pipeline) ConnectTutor(ctx context.Context, o ConnectOverrides) error {
	cfg := p.opts.Tutor
	if o.SystemInstruction != "" {
		cfg.SystemInstruction = o.SystemInstruction
	}
	if o.Voice != "" {
		cfg.Voice = o.Voice
	}
	cfg.Tools = append(append([]*genai.Tool(nil), cfg.Tools...), functions.Declarations()...)

	if p.tutor.State() == tutor.StateDisconnected {
		p.mu.Lock()
		p.sessionID = uuid.NewString()
		p.mu.Unlock()
	}
	p.send(messages.NewStatusMessage(p.SessionID(), messages.StatusConnecting, ""))

	p.connecting.Store(true)
	err := p.tutor.Connect(ctx, cfg)
	p.connecting.Store(false)
	return err
}

// DisconnectTutor asks the assistant for a goodbye, lets the tutor say it,
// then closes the session.
func (p *Pipeline) DisconnectTutor(ctx context.Context) {
	if p.tutor.State() != tutor.StateConnected || p.deps.Assistant == nil {
		p.tutor.Disconnect()
		return
	}

	prompt, err := p.deps.Assistant.EndSession(ctx, assistant.SessionRequest{
		SessionID:  p.SessionID(),
		QuestionID: p.board.Current().ID,
	})
	if err != nil {
		p.log.Warn("assistant end session failed", "err", err)
	}
	if prompt != "" {
		done := make(chan struct{})
		p.mu.Lock()
		p.goodbye = done
		p.mu.Unlock()

		if err := p.tutor.SendText(prompt); err == nil {
			select {
			case <-done:
			case <-time.After(p.opts.GoodbyeTimeout):
				p.log.Debug("goodbye turn timed out")
			case <-ctx.Done():
			}
		}
		p.mu.Lock()
		p.goodbye = nil
		p.mu.Unlock()
	}
	p.tutor.Disconnect()
}

// PushAudio forwards microphone PCM (16 kHz) to the tutor, unless muted,
// and to the feed batch.
func (p *Pipeline) PushAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if !p.muted.Load() {
		if err := p.tutor.SendRealtimeInput([]*genai.Blob{{MIMEType: "audio/pcm;rate=16000", Data: pcm}}); err != nil {
			p.log.Warn("tutor audio send failed", "err", err)
		}
	}
	if fd := p.deps.Feed; fd != nil {
		_ = fd.SendAudio(pcm)
	}
}

// SetMuted stops or resumes microphone forwarding to the tutor.
func (p *Pipeline) SetMuted(muted bool) {
	if p.muted.Swap(muted) == muted {
		return
	}
	status := messages.StatusUnmuted
	if muted {
		status = messages.StatusMuted
		if err := p.tutor.EndAudioStream(); err != nil {
			p.log.Debug("audio stream end failed", "err", err)
		}
	}
	p.send(messages.NewStatusMessage(p.SessionID(), status, ""))
}

// Muted reports the microphone state.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// SetCamera enables or disables the camera band.
func (p *Pipeline) SetCamera(ctx context.Context, on bool) error {
	return p.setSource(ctx, p.deps.Camera, "camera", on)
}

// SetScreen enables or disables the screen band.
func (p *Pipeline) SetScreen(ctx context.Context, on bool) error {
	return p.setSource(ctx, p.deps.Screen, "screen", on)
}

func (p *Pipeline) setSource(ctx context.Context, src FrameSource, name string, on bool) error {
	if src == nil {
		return fmt.Errorf("%s: %w", name, capture.ErrNoDevice)
	}
	if !on {
		src.Disable()
		return nil
	}
	if err := src.Enable(ctx); err != nil {
		p.log.Warn("source enable failed", "source", name, "err", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// SetQuestion records the question on screen, samples the scratchpad early
// and tells the tutor.
func (p *Pipeline) SetQuestion(q functions.Question) {
	p.board.SetQuestion(q)
	if sp := p.deps.Scratchpad; sp != nil {
		sp.Trigger()
	}
	if q.Text == "" {
		return
	}
	text := fmt.Sprintf("The student is now working on question %s: %s", q.ID, q.Text)
	if err := p.tutor.SendText(text); err != nil {
		p.log.Warn("question context send failed", "err", err)
	}
}

// Answered reports an answer the student submitted through the UI.
func (p *Pipeline) Answered(questionID string, correct bool) {
	p.recordAnswer(functions.Outcome{
		Question:  functions.Question{ID: questionID},
		Correct:   correct,
		HintsUsed: len(p.board.Hints()),
	})
	verdict := "incorrect"
	if correct {
		verdict = "correct"
	}
	if err := p.tutor.SendText(fmt.Sprintf("The student submitted an answer to question %s. It was %s.", questionID, verdict)); err != nil {
		p.log.Warn("answer notice send failed", "err", err)
	}
}

// SendText forwards a typed message to the tutor.
func (p *Pipeline) SendText(text string) error {
	return p.tutor.SendText(strings.TrimSpace(text))
}

func (p *Pipeline) recordAnswer(o functions.Outcome) {
	id := p.SessionID()
	ctx := p.backgroundCtx()
	p.deps.Recorder.Answer(ctx, id, o.Question.ID, o.Correct)
	if a := p.deps.Assistant; a != nil {
		p.goAsync(func() {
			err := a.QuestionAnswered(ctx, assistant.Answer{
				SessionID:  id,
				QuestionID: o.Question.ID,
				Correct:    o.Correct,
				HintsUsed:  o.HintsUsed,
			})
			if err != nil {
				p.log.Warn("assistant question answered failed", "err", err)
			}
		})
	}
}

// playerFunc adapts a func to tutor.Player.
type playerFunc func()

func (f playerFunc) Stop() { f() }

// interrupted tells the UI to drop queued playback; the UI owns the speaker.
func (p *Pipeline) interrupted() {
	p.send(messages.NewStatusMessage(p.SessionID(), messages.StatusInterrupted, ""))
}

func (p *Pipeline) handleInstruction(in instruction.Instruction) {
	if p.tutor.State() != tutor.StateConnected {
		p.log.Debug("instruction dropped, tutor not connected", "id", in.ID)
		return
	}
	if err := p.tutor.SendText(in.Text); err != nil {
		p.log.Warn("instruction inject failed", "err", err)
	}
}

func (p *Pipeline) backgroundCtx() context.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

func (p *Pipeline) goAsync(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
}
