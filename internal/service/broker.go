// Package service sequences the broker's public operations: starting a
// verification session for a guest, accepting the authority's result and
// projecting stored results for the host of a room.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	bcrypto "github.com/verder-helpen/comm-livecom/internal/crypto"
	"github.com/verder-helpen/comm-livecom/internal/errs"
	"github.com/verder-helpen/comm-livecom/internal/metrics"
	"github.com/verder-helpen/comm-livecom/internal/model"
	"github.com/verder-helpen/comm-livecom/internal/repository"
)

// TokenVerifier validates bearer tokens of both trust domains.
type TokenVerifier interface {
	VerifyGuest(tok string) (model.GuestToken, error)
	VerifyHost(tok string) (model.HostToken, error)
}

// ResultAuthenticator checks result blobs on the write path and projects them on the read path.
type ResultAuthenticator interface {
	Accept(raw model.AuthResult) (model.ClaimSet, error)
	Project(stored model.AuthResult, enforceExpiration bool) (*model.ClaimSet, error)
}

// Authority is the outbound identity authority.
type Authority interface {
	Start(ctx context.Context, req model.StartRequest) (model.ClientURLResponse, error)
	SessionOptions(ctx context.Context, purpose string) (model.SessionOptions, error)
}

// Config carries the settings the broker needs from process configuration.
type Config struct {
	// InternalURL is the base the authority posts results to.
	InternalURL string
	// EnforceResultExpiry makes SessionInfo hide results whose own expiry has passed.
	EnforceResultExpiry bool
}

// Broker implements the guest, host and authority facing operations.
type Broker struct {
	tokens    TokenVerifier
	sessions  repository.SessionRepository
	results   ResultAuthenticator
	authority Authority

	internalURL   string
	enforceExpiry bool

	log       *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	newAttrID func() (string, error)
}

// Option tunes a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(b *Broker) { b.log = l } }

// WithMetrics enables prometheus accounting.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Broker) { b.metrics = m } }

// NewBroker wires the orchestrator to its collaborators.
func NewBroker(tokens TokenVerifier, sessions repository.SessionRepository, results ResultAuthenticator, authority Authority, cfg Config, opts ...Option) *Broker {
	b := &Broker{
		tokens:        tokens,
		sessions:      sessions,
		results:       results,
		authority:     authority,
		internalURL:   strings.TrimRight(cfg.InternalURL, "/"),
		enforceExpiry: cfg.EnforceResultExpiry,
		log:           zap.NewNop(),
		tracer:        otel.Tracer("github.com/verder-helpen/comm-livecom/internal/service"),
		newAttrID:     bcrypto.NewAttrID,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// AttrURL is the callback address handed to the authority for a session.
func (b *Broker) AttrURL(attrID string) string {
	return b.internalURL + "/auth_result/" + attrID
}

// Start verifies the guest token, persists a fresh session and asks the
// authority to begin verification. The authority's answer is returned as is.
// The session row is written before the authority is called; if that call
// fails the row stays behind in the Created state.
func (b *Broker) Start(ctx context.Context, authMethod, guestToken string) (model.ClientURLResponse, error) {
	ctx, span := b.tracer.Start(ctx, "broker.Start", trace.WithAttributes(attribute.String("auth_method", authMethod)))
	defer span.End()

	if authMethod == "" {
		return model.ClientURLResponse{}, fail(span, fmt.Errorf("%w: empty auth method", errs.ErrValidation))
	}
	g, err := b.tokens.VerifyGuest(guestToken)
	if err != nil {
		return model.ClientURLResponse{}, fail(span, err)
	}

	attrID, err := b.newAttrID()
	if err != nil {
		return model.ClientURLResponse{}, fail(span, fmt.Errorf("mint attr_id: %w", err))
	}
	s := &model.Session{AttrID: attrID, RoomID: g.RoomID, GuestToken: g}
	if err := b.sessions.Create(ctx, s); err != nil {
		b.log.Error("create session", zap.String("attr", shortID(attrID)), zap.Error(err))
		return model.ClientURLResponse{}, fail(span, fmt.Errorf("%w: create session: %v", errs.ErrPersistence, err))
	}
	span.SetAttributes(attribute.String("room_id", g.RoomID))

	resp, err := b.authority.Start(ctx, model.StartRequest{
		Purpose:    g.Purpose,
		AuthMethod: authMethod,
		CommURL:    g.RedirectURL,
		AttrURL:    b.AttrURL(attrID),
	})
	if err != nil {
		if !errors.Is(err, errs.ErrUpstream) {
			err = fmt.Errorf("%w: %v", errs.ErrUpstream, err)
		}
		b.log.Warn("authority start failed, session left open",
			zap.String("attr", shortID(attrID)), zap.Error(err))
		return model.ClientURLResponse{}, fail(span, err)
	}
	b.metrics.IncStarted()
	b.log.Info("session started",
		zap.String("attr", shortID(attrID)),
		zap.String("room", g.RoomID),
		zap.String("purpose", g.Purpose),
	)
	return resp, nil
}

// SubmitResult authenticates a result posted by the authority and stores it
// on the session. The first accepted result wins; later ones get errs.ErrConflict.
func (b *Broker) SubmitResult(ctx context.Context, attrID string, raw model.AuthResult) error {
	ctx, span := b.tracer.Start(ctx, "broker.SubmitResult")
	defer span.End()

	raw = model.AuthResult(strings.TrimSpace(string(raw)))
	if attrID == "" {
		return fail(span, errs.ErrNotFound)
	}
	if _, err := b.results.Accept(raw); err != nil {
		reason := metrics.ReasonCrypto
		if errors.Is(err, errs.ErrResultExpired) {
			reason = metrics.ReasonExpired
		}
		b.metrics.IncRejected(reason)
		b.log.Warn("result rejected", zap.String("attr", shortID(attrID)), zap.String("reason", reason))
		return fail(span, err)
	}

	err := b.sessions.SetAuthResultIfEmpty(ctx, attrID, raw)
	switch {
	case err == nil:
		b.metrics.IncAccepted()
		b.log.Info("result stored", zap.String("attr", shortID(attrID)))
		return nil
	case errors.Is(err, errs.ErrNotFound):
		b.metrics.IncRejected(metrics.ReasonNotFound)
		return fail(span, err)
	case errors.Is(err, errs.ErrConflict):
		b.metrics.IncRejected(metrics.ReasonConflict)
		b.log.Warn("duplicate result ignored", zap.String("attr", shortID(attrID)))
		return fail(span, err)
	default:
		b.metrics.IncRejected(metrics.ReasonStore)
		b.log.Error("store result", zap.String("attr", shortID(attrID)), zap.Error(err))
		return fail(span, fmt.Errorf("%w: store result: %v", errs.ErrPersistence, err))
	}
}

// SessionInfo returns, for every guest name in the host's room, the viewable
// claims of its result or nil. Results that fail projection are reported as nil.
// When a name occurs more than once, the latest session with a viewable result
// wins, otherwise the name maps to nil.
func (b *Broker) SessionInfo(ctx context.Context, hostToken string) (model.SessionInfo, error) {
	ctx, span := b.tracer.Start(ctx, "broker.SessionInfo")
	defer span.End()

	h, err := b.tokens.VerifyHost(hostToken)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("room_id", h.RoomID))

	sessions, err := b.sessions.ListByRoom(ctx, h.RoomID)
	if err != nil {
		b.log.Error("list sessions", zap.String("room", h.RoomID), zap.Error(err))
		return nil, fail(span, fmt.Errorf("%w: list sessions: %v", errs.ErrPersistence, err))
	}

	info := make(model.SessionInfo, len(sessions))
	for _, s := range sessions {
		name := s.GuestToken.Name
		cs := b.project(s)
		if cs != nil || info[name] == nil {
			info[name] = cs
		}
	}
	span.SetAttributes(attribute.Int("sessions", len(sessions)))
	return info, nil
}

func (b *Broker) project(s model.Session) *model.ClaimSet {
	if s.AuthResult == nil {
		return nil
	}
	cs, err := b.results.Project(*s.AuthResult, b.enforceExpiry)
	if err != nil {
		b.metrics.IncOmitted()
		b.log.Debug("result omitted", zap.String("attr", shortID(s.AttrID)), zap.Error(err))
		return nil
	}
	return cs
}

// SessionOptions relays the authority's auth methods for the guest's purpose.
func (b *Broker) SessionOptions(ctx context.Context, guestToken string) (model.SessionOptions, error) {
	g, err := b.tokens.VerifyGuest(guestToken)
	if err != nil {
		return model.SessionOptions{}, err
	}
	opts, err := b.authority.SessionOptions(ctx, g.Purpose)
	if err != nil && !errors.Is(err, errs.ErrUpstream) {
		err = fmt.Errorf("%w: %v", errs.ErrUpstream, err)
	}
	return opts, err
}

// Ping reports whether the session store is reachable.
func (b *Broker) Ping(ctx context.Context) error {
	return b.sessions.Ping(ctx)
}

// shortID keeps log lines from carrying a full callback key.
func shortID(attrID string) string {
	if len(attrID) > 8 {
		return attrID[:8]
	}
	return attrID
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
