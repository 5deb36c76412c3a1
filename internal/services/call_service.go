package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gossiphub/internal/metrics"
	"gossiphub/internal/models"
	"gossiphub/internal/realtime"
	"gossiphub/internal/repositories"
	"gossiphub/internal/scheduler"
)

// JobRingTimeout marks a session missed when nobody answers in time.
const JobRingTimeout = "call.ring_timeout"

// CallService relays call setup between two room members and records the
// outcome. Status changes are compare-and-set against the status the caller
// observed, so two racing transitions cannot both succeed.
type CallService struct {
	calls       repositories.CallRepository
	chats       repositories.ChatRepository
	messages    *MessageService
	notes       *NotificationService
	out         Broadcaster
	presence    Presence
	sched       scheduler.Scheduler
	ringTimeout time.Duration
	historySize int
	log         *zap.Logger
}

func NewCallService(calls repositories.CallRepository, chats repositories.ChatRepository, messages *MessageService, notes *NotificationService, out Broadcaster, presence Presence, sched scheduler.Scheduler, ringTimeout time.Duration, historySize int, log *zap.Logger) *CallService {
	if historySize <= 0 {
		historySize = 20
	}
	if ringTimeout <= 0 {
		ringTimeout = 30 * time.Second
	}
	s := &CallService{
		calls:       calls,
		chats:       chats,
		messages:    messages,
		notes:       notes,
		out:         out,
		presence:    presence,
		sched:       sched,
		ringTimeout: ringTimeout,
		historySize: historySize,
		log:         log,
	}
	sched.Handle(JobRingTimeout, s.expireRing)
	return s
}

type InitiateInput struct {
	Caller string
	Callee string
	Kind   models.MediaKind
	RoomID string
	Offer  json.RawMessage
	Origin string
}

type IncomingCallPayload struct {
	SessionID string           `json:"sessionId"`
	Offer     json.RawMessage  `json:"offer,omitempty"`
	CallerID  string           `json:"callerId"`
	MediaKind models.MediaKind `json:"mediaKind"`
	RoomID    string           `json:"roomId"`
}

type CallRefPayload struct {
	SessionID string `json:"sessionId"`
}

type CallAcceptedPayload struct {
	SessionID string          `json:"sessionId"`
	Answer    json.RawMessage `json:"answer,omitempty"`
}

type CallSignalPayload struct {
	SessionID string        `json:"sessionId"`
	From      string        `json:"from"`
	Signal    models.Signal `json:"signal"`
}

func (s *CallService) newSession(ctx context.Context, caller, callee string, kind models.MediaKind, roomID string) (*models.CallSession, error) {
	if kind == "" {
		kind = models.MediaVoice
	}
	if !kind.Valid() {
		return nil, invalid("unknown media kind %q", kind)
	}
	if callee == "" || callee == caller {
		return nil, invalid("callee must be another user")
	}
	if err := requireMember(ctx, s.chats, roomID, caller); err != nil {
		return nil, err
	}
	if err := requireMember(ctx, s.chats, roomID, callee); err != nil {
		return nil, err
	}
	return &models.CallSession{
		ID:        uuid.NewString(),
		CallerID:  caller,
		CalleeID:  callee,
		Kind:      kind,
		Status:    models.CallRinging,
		RoomID:    roomID,
		StartedAt: time.Now().UTC(),
	}, nil
}

// Initiate rings the callee. A callee with no live connection is refused
// and nothing is stored.
func (s *CallService) Initiate(ctx context.Context, in InitiateInput) (*models.CallSession, error) {
	call, err := s.newSession(ctx, in.Caller, in.Callee, in.Kind, in.RoomID)
	if err != nil {
		return nil, err
	}
	live, err := s.presence.HasLiveConnections(ctx, in.Callee)
	if err != nil {
		return nil, fmt.Errorf("callee presence: %w: %w", ErrTransientStorage, err)
	}
	if !live {
		metrics.CallsUnreachable.Inc()
		return nil, ErrPeerUnreachable
	}
	if err := s.store(ctx, call); err != nil {
		return nil, err
	}

	s.send(ctx, call.CalleeID, realtime.EventIncomingCall, IncomingCallPayload{
		SessionID: call.ID,
		Offer:     in.Offer,
		CallerID:  call.CallerID,
		MediaKind: call.Kind,
		RoomID:    call.RoomID,
	})
	ack := CallRefPayload{SessionID: call.ID}
	if in.Origin != "" {
		if err := s.out.SendToConn(ctx, in.Origin, realtime.EventCallInitiated, ack); err != nil {
			s.log.Warn("call ack failed", zap.String("call", call.ID), zap.Error(err))
		}
	} else {
		s.send(ctx, call.CallerID, realtime.EventCallInitiated, ack)
	}
	return call, nil
}

func (s *CallService) Accept(ctx context.Context, callee, sessionID string, answer json.RawMessage) (*models.CallSession, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != callee {
		return nil, ErrForbidden
	}
	call, err = s.apply(ctx, call, models.CallAccepted, 0)
	if err != nil {
		return nil, err
	}
	s.send(ctx, call.CallerID, realtime.EventCallAccepted, CallAcceptedPayload{SessionID: call.ID, Answer: answer})
	return call, nil
}

func (s *CallService) Reject(ctx context.Context, callee, sessionID string) (*models.CallSession, error) {
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if call.CalleeID != callee {
		return nil, ErrForbidden
	}
	call, err = s.apply(ctx, call, models.CallRejected, 0)
	if err != nil {
		return nil, err
	}
	s.send(ctx, call.CallerID, realtime.EventCallRejected, CallRefPayload{SessionID: call.ID})
	s.notifyMissed(ctx, call)
	return call, nil
}

// Terminate ends a call from either side: an accepted call completes with
// duration, a ringing one is recorded as missed.
func (s *CallService) Terminate(ctx context.Context, party, sessionID string, duration int) (*models.CallSession, error) {
	if duration < 0 {
		return nil, invalid("duration must not be negative")
	}
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	peer := call.Peer(party)
	if peer == "" {
		return nil, ErrForbidden
	}
	return s.end(ctx, call, peer, duration)
}

func (s *CallService) end(ctx context.Context, call *models.CallSession, peer string, duration int) (*models.CallSession, error) {
	var to models.CallStatus
	switch call.Status {
	case models.CallAccepted:
		to = models.CallCompleted
	case models.CallRinging:
		to = models.CallMissed
	default:
		return nil, ErrInvalidTransition
	}
	ended, err := s.apply(ctx, call, to, duration)
	if err != nil {
		return nil, err
	}
	s.send(ctx, peer, realtime.EventCallEnded, CallRefPayload{SessionID: ended.ID})
	if to == models.CallMissed {
		s.notifyMissed(ctx, ended)
	}
	return ended, nil
}

// Relay forwards a negotiation payload to the other participant without
// storing it.
func (s *CallService) Relay(ctx context.Context, party, sessionID string, sig models.Signal) error {
	if !sig.Kind.Valid() {
		return invalid("unknown signal kind %q", sig.Kind)
	}
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	peer := call.Peer(party)
	if peer == "" {
		return ErrForbidden
	}
	if call.Status.Terminal() {
		return ErrInvalidTransition
	}
	return s.out.SendToIdentity(ctx, peer, realtime.EventCallSignal, CallSignalPayload{SessionID: call.ID, From: party, Signal: sig})
}

// HandleDisconnect closes every open call of identity once it has no
// connection left. The other party gets call_ended.
func (s *CallService) HandleDisconnect(ctx context.Context, identity string) error {
	active, err := s.calls.ActiveCalls(ctx, identity)
	if err != nil {
		return storageErr("active calls", err)
	}
	for _, call := range active {
		if _, err := s.end(ctx, call, call.Peer(identity), 0); err != nil {
			s.log.Warn("closing call on disconnect failed", zap.String("call", call.ID), zap.String("identity", identity), zap.Error(err))
		}
	}
	return nil
}

// History lists the calls of identity, newest first.
func (s *CallService) History(ctx context.Context, identity string, limit int) ([]*models.CallSession, error) {
	if limit <= 0 {
		limit = s.historySize
	}
	calls, err := s.calls.ListCalls(ctx, identity, limit)
	if err != nil {
		return nil, storageErr("list calls", err)
	}
	return calls, nil
}

// CreateRecord stores a ringing session without ringing anyone.
func (s *CallService) CreateRecord(ctx context.Context, caller, callee string, kind models.MediaKind, roomID string) (*models.CallSession, error) {
	call, err := s.newSession(ctx, caller, callee, kind, roomID)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, call); err != nil {
		return nil, err
	}
	return call, nil
}

// store persists a ringing session and arms its ring timeout. A session
// whose timeout cannot be armed is closed as missed right away.
func (s *CallService) store(ctx context.Context, call *models.CallSession) error {
	if err := s.calls.CreateCall(ctx, call); err != nil {
		return storageErr("create call", err)
	}
	metrics.CallTransitions.WithLabelValues(string(models.CallRinging)).Inc()

	err := s.sched.Schedule(ctx, scheduler.Job{
		Kind:  JobRingTimeout,
		Key:   call.ID,
		RunAt: call.StartedAt.Add(s.ringTimeout),
	})
	if err != nil {
		if _, aerr := s.apply(ctx, call, models.CallMissed, 0); aerr != nil {
			s.log.Warn("closing unarmed call failed", zap.String("call", call.ID), zap.Error(aerr))
		}
		return storageErr("schedule ring timeout", err)
	}
	return nil
}

// expireRing runs when a session has rung for the full timeout. Sessions that
// were answered, rejected or ended meanwhile are left alone.
func (s *CallService) expireRing(ctx context.Context, job scheduler.Job) error {
	call, err := s.calls.GetCall(ctx, job.Key)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if call.Status != models.CallRinging {
		return nil
	}
	missed, err := s.apply(ctx, call, models.CallMissed, 0)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.CallsRingTimeout.Inc()
	ref := CallRefPayload{SessionID: missed.ID}
	s.send(ctx, missed.CallerID, realtime.EventCallEnded, ref)
	s.send(ctx, missed.CalleeID, realtime.EventCallEnded, ref)
	s.notifyMissed(ctx, missed)
	return nil
}

// UpdateStatus moves a session to status on behalf of a participant.
func (s *CallService) UpdateStatus(ctx context.Context, party, sessionID string, status models.CallStatus, duration int) (*models.CallSession, error) {
	if duration < 0 {
		return nil, invalid("duration must not be negative")
	}
	call, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if call.Peer(party) == "" {
		return nil, ErrForbidden
	}
	if (status == models.CallAccepted || status == models.CallRejected) && party != call.CalleeID {
		return nil, ErrForbidden
	}
	return s.apply(ctx, call, status, duration)
}

func (s *CallService) load(ctx context.Context, id string) (*models.CallSession, error) {
	if id == "" {
		return nil, invalid("sessionId is required")
	}
	call, err := s.calls.GetCall(ctx, id)
	if err != nil {
		return nil, storageErr("get call", err)
	}
	return call, nil
}

// apply performs one status change and writes the call_log entry for
// terminal statuses.
func (s *CallService) apply(ctx context.Context, call *models.CallSession, to models.CallStatus, duration int) (*models.CallSession, error) {
	if !canTransition(call.Status, to, CallTransitions) {
		return nil, ErrInvalidTransition
	}
	now := time.Now().UTC()
	var upd repositories.CallUpdate
	switch to {
	case models.CallAccepted:
		upd.AnsweredAt = &now
	case models.CallCompleted:
		if duration == 0 && call.AnsweredAt != nil {
			duration = int(now.Sub(*call.AnsweredAt).Seconds())
		}
		upd.EndedAt = &now
		upd.Duration = &duration
	default:
		upd.EndedAt = &now
	}

	next, err := s.calls.TransitionCall(ctx, call.ID, call.Status, to, upd)
	if err != nil {
		return nil, storageErr("transition call", err)
	}
	metrics.CallTransitions.WithLabelValues(string(to)).Inc()

	if call.Status == models.CallRinging {
		if _, err := s.sched.Cancel(ctx, JobRingTimeout, call.ID); err != nil {
			s.log.Warn("cancel ring timeout failed", zap.String("call", call.ID), zap.Error(err))
		}
	}
	if to.Terminal() {
		if _, err := s.messages.LogCall(ctx, next, callLogText(next)); err != nil {
			s.log.Warn("call log failed", zap.String("call", next.ID), zap.Error(err))
		}
	}
	return next, nil
}

func callLogText(call *models.CallSession) string {
	if call.Status == models.CallCompleted {
		return call.Kind.Label() + " Call"
	}
	return "Missed " + call.Kind.Label() + " Call"
}

func (s *CallService) notifyMissed(ctx context.Context, call *models.CallSession) {
	if s.notes == nil {
		return
	}
	_, err := s.notes.Create(ctx, CreateNotificationInput{
		Recipient: call.CalleeID,
		Sender:    call.CallerID,
		Type:      models.NotifyMissedCall,
		Content:   fmt.Sprintf("Missed %s call from %s", call.Kind, call.CallerID),
		RoomID:    call.RoomID,
	})
	if err != nil {
		s.log.Warn("missed call notification failed", zap.String("call", call.ID), zap.Error(err))
	}
}

func (s *CallService) send(ctx context.Context, identity, event string, payload any) {
	if err := s.out.SendToIdentity(ctx, identity, event, payload); err != nil {
		s.log.Warn("call relay failed", zap.String("event", event), zap.String("identity", identity), zap.Error(err))
	}
}
