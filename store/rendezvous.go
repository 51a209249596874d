package store

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"time"

	"github.com/codalabs/coda"
)

// defaultHandoffTTL bounds how long a disconnected executor waits for a
// reconnecting caller before the handoff point is released, mirroring the
// TTL-timer + mutex-guarded single-use pattern the teacher uses for
// suspend/resume (nevindra-oasis's ErrSuspended).
const defaultHandoffTTL = 300 * time.Second

var ErrHandoffExpired = errors.New("store: reconnect handoff expired")
var ErrHandoffClaimed = errors.New("store: session already has a pending reconnect")

// Claim is what a reconnecting caller hands to the disconnected executor:
// a sink to replay history and resume streaming into, and a Done channel
// the executor closes once the handoff is complete.
type Claim struct {
	Deliver coda.EventSink
	Done    chan struct{}
}

// Point is the one-shot handoff for a single disconnected session. The
// executor that owns it calls Wait to block until a reconnecting caller
// claims it; the reconnecting caller calls Rendezvous.Reconnect, which
// blocks until the executor closes Claim.Done.
type Point struct {
	mu       sync.Mutex
	claimCh  chan *Claim
	released bool
	timer    *time.Timer
	expired  chan struct{} // closed when the TTL elapses before a claim
}

func newPoint(ttl time.Duration, onExpire func()) *Point {
	p := &Point{claimCh: make(chan *Claim, 1), expired: make(chan struct{})}
	p.timer = time.AfterFunc(ttl, func() {
		p.mu.Lock()
		already := p.released
		p.released = true
		p.mu.Unlock()
		if !already {
			close(p.expired)
			onExpire()
		}
	})
	return p
}

// Wait blocks until a reconnecting caller claims this point or ttl elapses.
func (p *Point) Wait(ctx context.Context) (*Claim, error) {
	select {
	case c := <-p.claimCh:
		return c, nil
	case <-p.expired:
		select {
		case c := <-p.claimCh:
			return c, nil
		default:
		}
		return nil, ErrHandoffExpired
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Point) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true
	p.timer.Stop()
}

// Rendezvous tracks one in-flight handoff per session id (spec.md §4.14
// "Reconnect hand-off").
type Rendezvous struct {
	mu     sync.Mutex
	points map[string]*Point
}

func NewRendezvous() *Rendezvous {
	return &Rendezvous{points: make(map[string]*Point)}
}

// Disconnect registers a handoff point for sessionID. The caller (the
// executor whose sink just disconnected) should then call Point.Wait.
func (r *Rendezvous) Disconnect(sessionID string) (*Point, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.points[sessionID]; exists {
		return nil, ErrHandoffClaimed
	}
	p := newPoint(defaultHandoffTTL, func() {
		r.mu.Lock()
		delete(r.points, sessionID)
		r.mu.Unlock()
	})
	r.points[sessionID] = p
	return p, nil
}

// Reconnect is called by a new connection bearing sessionID. It blocks
// until the disconnected executor finishes replaying history and resumes
// streaming into deliver, i.e. until it closes the returned Claim's Done.
func (r *Rendezvous) Reconnect(ctx context.Context, sessionID string, deliver coda.EventSink) error {
	r.mu.Lock()
	p, ok := r.points[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil // no in-flight executor for this session; caller starts fresh
	}

	claim := &Claim{Deliver: deliver, Done: make(chan struct{})}
	select {
	case p.claimCh <- claim:
	default:
		return ErrHandoffClaimed
	}

	r.mu.Lock()
	delete(r.points, sessionID)
	r.mu.Unlock()
	p.release()

	select {
	case <-claim.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var internalTagRe = regexp.MustCompile(`(?s)<(?:codebase_context|project_structure|approved_plan|plan_decomposition|manager_worker_insights|completed_phases)>.*?</(?:codebase_context|project_structure|approved_plan|plan_decomposition|manager_worker_insights|completed_phases)>`)
var systemLineRe = regexp.MustCompile(`(?m)^\[SYSTEM[^\]]*\].*\n?`)

// CleanReplay strips the internal tags and [SYSTEM ...] directive lines a
// reconnecting sink must never see (spec.md §4.14 scenario 6) from a copy
// of history; the stored session itself is untouched.
func CleanReplay(history []coda.Message) []coda.Message {
	out := make([]coda.Message, len(history))
	for i, m := range history {
		out[i] = m
		if m.Text != "" {
			out[i].Text = cleanText(m.Text)
		}
		if len(m.Blocks) > 0 {
			blocks := make([]coda.Block, len(m.Blocks))
			for j, b := range m.Blocks {
				if b.Kind == coda.BlockText {
					b.Text = cleanText(b.Text)
				}
				blocks[j] = b
			}
			out[i].Blocks = blocks
		}
	}
	return out
}

func cleanText(s string) string {
	return systemLineRe.ReplaceAllString(internalTagRe.ReplaceAllString(s, ""), "")
}
