package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tlogplay/internal/clock"
	"pkt.systems/tlogplay/internal/format"
	"pkt.systems/tlogplay/internal/journal"
	"pkt.systems/tlogplay/internal/logx"
	"pkt.systems/tlogplay/internal/persist"
	"pkt.systems/tlogplay/internal/sessionprefs"
	"pkt.systems/tlogplay/schema"
)

// service implements the core service behavior.
type service struct {
	cfg     schema.ServiceConfig
	journal journal.Journal
	index   *RecordingIndex
	access  AccessPolicy
	sink    EventSink
	clock   clock.Clock
	store   *persist.Store
	logger  pslog.Logger

	mu        sync.Mutex
	playbacks map[schema.PlaybackID]*Playback
	// opening counts per-user slots reserved by OpenPlayback calls that
	// have not registered their playback yet.
	opening map[schema.UserID]int
	closed  bool
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Journal == nil {
		return nil, errors.New("service requires a journal")
	}
	if deps.Index == nil {
		return nil, errors.New("service requires a recordings index")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	store, err := persist.NewStoreWithLogger(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	return &service{
		cfg:       cfg,
		journal:   deps.Journal,
		index:     deps.Index,
		access:    deps.Access,
		sink:      deps.EventSink,
		clock:     deps.Clock,
		store:     store,
		logger:    logger,
		playbacks: make(map[schema.PlaybackID]*Playback),
		opening:   make(map[schema.UserID]int),
	}, nil
}

func (s *service) ListRecordings(ctx context.Context, req schema.ListRecordingsRequest) (schema.ListRecordingsResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ListRecordingsResponse{}, err
	}
	log := logx.WithUser(ctx, userID)
	sortBy, err := schema.NormalizeRecordingSort(string(req.Sort))
	if err != nil {
		return schema.ListRecordingsResponse{}, err
	}
	since, err := dateBound(req.Since)
	if err != nil {
		return schema.ListRecordingsResponse{}, err
	}
	until, err := dateBound(req.Until)
	if err != nil {
		return schema.ListRecordingsResponse{}, err
	}
	all := s.index.List(sortBy, req.Desc)
	recs := make([]schema.Recording, 0, len(all))
	for _, rec := range all {
		if req.User != "" && rec.User != req.User {
			continue
		}
		if since != nil && rec.End < *since {
			continue
		}
		if until != nil && rec.Start > *until {
			continue
		}
		if !s.canView(userID, rec) {
			continue
		}
		recs = append(recs, rec)
	}
	log.Debug("service recordings list", "count", len(recs), "total", len(all), "sort", sortBy, "desc", req.Desc)
	return schema.ListRecordingsResponse{Recordings: recs}, nil
}

func (s *service) GetRecording(ctx context.Context, req schema.GetRecordingRequest) (schema.GetRecordingResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetRecordingResponse{}, err
	}
	rec, err := s.lookupRecording(userID, req.RecordingID)
	if err != nil {
		logx.WithUserRecording(ctx, userID, req.RecordingID).Debug("service recording get failed", "err", err)
		return schema.GetRecordingResponse{}, err
	}
	return schema.GetRecordingResponse{Recording: rec}, nil
}

func (s *service) SearchRecording(ctx context.Context, req schema.SearchRecordingRequest) (schema.SearchRecordingResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.SearchRecordingResponse{}, err
	}
	log := logx.WithUserRecording(ctx, userID, req.RecordingID)
	rec, err := s.lookupRecording(userID, req.RecordingID)
	if err != nil {
		return schema.SearchRecordingResponse{}, err
	}
	markers, err := Search(pslog.ContextWithLogger(ctx, log), s.journal, rec.MatchList, req.Text)
	if err != nil {
		return schema.SearchRecordingResponse{Markers: markers}, err
	}
	log.Info("service recording search ok", "markers", len(markers))
	return schema.SearchRecordingResponse{Markers: markers}, nil
}

func (s *service) OpenPlayback(ctx context.Context, req schema.OpenPlaybackRequest, opts ...PlaybackOption) (schema.OpenPlaybackResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.OpenPlaybackResponse{}, err
	}
	log := logx.WithUserRecording(ctx, userID, req.RecordingID)
	rec, err := s.lookupRecording(userID, req.RecordingID)
	if err != nil {
		log.Warn("service playback open failed", "err", err)
		return schema.OpenPlaybackResponse{}, err
	}

	if err := s.reserveSlot(userID); err != nil {
		log.Warn("service playback open rejected", "max", s.cfg.MaxPlaybacksPerUser, "err", err)
		return schema.OpenPlaybackResponse{}, err
	}
	registered := false
	defer func() {
		if !registered {
			s.mu.Lock()
			s.releaseSlotLocked(userID)
			s.mu.Unlock()
		}
	}()

	prefs, _, err := s.store.Load(userID)
	if err != nil {
		log.Warn("service prefs load failed", "err", err)
		prefs = persist.UserPrefs{}
	}
	id := newPlaybackID()
	cfg := PlaybackConfig{
		ID:             id,
		User:           userID,
		Recording:      rec,
		Journal:        s.journal,
		Sink:           s.sink,
		Clock:          s.clock,
		ResyncInterval: s.cfg.ResyncInterval,
		InputEchoLimit: s.cfg.InputEchoLimit,
		SpeedExp:       prefs.SpeedExp,
		Autoplay:       prefs.Autoplay,
		Zoom:           schema.Zoom{Scale: prefs.Zoom.Scale, Locked: prefs.Zoom.Locked},
	}
	if override, ok := sessionprefs.FromContext(ctx); ok {
		if override.Apply(&cfg.SpeedExp, &cfg.Autoplay) {
			if pos, ok := prefs.Resume[rec.ID]; ok {
				// pos was already on screen; a paused seek stops short of its target.
				cfg.StartAt = pos + 1
			}
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	runCtx, cancel := detachRunContext(logx.ContextWithPlaybackLogger(ctx, logx.WithPlayback(ctx, log, id), userID, rec.ID, id))
	pb, err := StartPlayback(runCtx, cfg)
	if err != nil {
		cancel()
		log.Warn("service playback open failed", "err", err)
		return schema.OpenPlaybackResponse{}, err
	}
	s.mu.Lock()
	s.releaseSlotLocked(userID)
	registered = true
	if s.closed {
		s.mu.Unlock()
		pb.Close()
		cancel()
		return schema.OpenPlaybackResponse{}, schema.ErrPlayerClosed
	}
	s.playbacks[id] = pb
	s.mu.Unlock()
	go func() {
		<-pb.Done()
		cancel()
		s.forget(id)
	}()

	snap, err := pb.Snapshot(ctx)
	if err != nil {
		return schema.OpenPlaybackResponse{}, err
	}
	log.Info("service playback open ok", "playback", id, "speed_exp", cfg.SpeedExp, "autoplay", cfg.Autoplay)
	return schema.OpenPlaybackResponse{Playback: snap}, nil
}

func (s *service) ControlPlayback(ctx context.Context, req schema.ControlPlaybackRequest) (schema.ControlPlaybackResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ControlPlaybackResponse{}, err
	}
	pb, err := s.lookupPlayback(userID, req.PlaybackID)
	if err != nil {
		return schema.ControlPlaybackResponse{}, err
	}
	log := logx.WithPlayback(ctx, logx.WithUser(ctx, userID), req.PlaybackID)
	typ, err := ParseCommandType(strings.TrimSpace(req.Action))
	if err != nil {
		log.Debug("playback command rejected", "action", req.Action, "err", err)
		return schema.ControlPlaybackResponse{}, err
	}
	cmd := Command{Type: typ, TS: req.TS, Key: req.Key, Scale: req.Scale}
	if typ == CommandKey {
		if keyTyp, ok := KeyCommand(req.Key); ok {
			typ = keyTyp
		}
	}
	snap, err := pb.Do(ctx, cmd)
	if err != nil {
		log.Debug("playback command failed", "action", typ, "err", err)
		return schema.ControlPlaybackResponse{Playback: snap}, err
	}
	log.Trace("playback command ok", "action", typ, "pos", snap.Player.Pos)
	if persistsPrefs(typ) {
		s.savePrefs(log, userID, func(prefs *persist.UserPrefs) {
			prefs.SpeedExp = snap.Player.SpeedExp
			prefs.Zoom = persist.ZoomPrefs{Scale: snap.Player.Zoom.Scale, Locked: snap.Player.Zoom.Locked}
			if typ == CommandPlay || typ == CommandPause || typ == CommandTogglePause {
				prefs.Autoplay = !snap.Player.Paused
			}
		})
	}
	return schema.ControlPlaybackResponse{Playback: snap}, nil
}

func (s *service) GetPlayback(ctx context.Context, req schema.GetPlaybackRequest) (schema.GetPlaybackResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.GetPlaybackResponse{}, err
	}
	pb, err := s.lookupPlayback(userID, req.PlaybackID)
	if err != nil {
		return schema.GetPlaybackResponse{}, err
	}
	snap, err := pb.Snapshot(ctx)
	if err != nil {
		return schema.GetPlaybackResponse{}, err
	}
	return schema.GetPlaybackResponse{Playback: snap}, nil
}

func (s *service) ClosePlayback(ctx context.Context, req schema.ClosePlaybackRequest) (schema.ClosePlaybackResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ClosePlaybackResponse{}, err
	}
	pb, err := s.lookupPlayback(userID, req.PlaybackID)
	if err != nil {
		return schema.ClosePlaybackResponse{}, err
	}
	log := logx.WithPlayback(ctx, logx.WithUser(ctx, userID), req.PlaybackID)
	snap, snapErr := pb.Snapshot(ctx)
	pb.Close()
	s.forget(req.PlaybackID)
	if snapErr == nil {
		s.savePrefs(log, userID, func(prefs *persist.UserPrefs) {
			prefs.SetResume(snap.Recording.ID, snap.Player.Pos)
		})
	}
	log.Info("service playback close ok", "pos", snap.Player.Pos)
	return schema.ClosePlaybackResponse{Playback: snap}, nil
}

func (s *service) ListPlaybacks(ctx context.Context, req schema.ListPlaybacksRequest) (schema.ListPlaybacksResponse, error) {
	userID, err := normalizeUserID(req.UserID)
	if err != nil {
		return schema.ListPlaybacksResponse{}, err
	}
	s.mu.Lock()
	var owned []*Playback
	for _, pb := range s.playbacks {
		if pb.User() == userID {
			owned = append(owned, pb)
		}
	}
	s.mu.Unlock()
	out := make([]schema.PlaybackSnapshot, 0, len(owned))
	for _, pb := range owned {
		snap, err := pb.Snapshot(ctx)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return schema.ListPlaybacksResponse{Playbacks: out}, nil
}

// reserveSlot claims one of the user's playback slots until the playback is
// registered or the open fails.
func (s *service) reserveSlot(userID schema.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schema.ErrPlayerClosed
	}
	open := s.opening[userID]
	for _, pb := range s.playbacks {
		if pb.User() == userID {
			open++
		}
	}
	if open >= s.cfg.MaxPlaybacksPerUser {
		return schema.ErrTooManyPlaybacks
	}
	s.opening[userID]++
	return nil
}

func (s *service) releaseSlotLocked(userID schema.UserID) {
	if s.opening[userID] <= 1 {
		delete(s.opening, userID)
		return
	}
	s.opening[userID]--
}

func (s *service) Close() error {
	s.mu.Lock()
	s.closed = true
	open := make([]*Playback, 0, len(s.playbacks))
	for _, pb := range s.playbacks {
		open = append(open, pb)
	}
	s.playbacks = make(map[schema.PlaybackID]*Playback)
	s.mu.Unlock()
	for _, pb := range open {
		pb.Close()
	}
	if len(open) > 0 {
		s.logger.Info("service playbacks closed", "count", len(open))
	}
	return nil
}

func (s *service) lookupRecording(userID schema.UserID, id schema.RecordingID) (schema.Recording, error) {
	if err := schema.ValidateRecordingID(id); err != nil {
		return schema.Recording{}, err
	}
	rec, ok := s.index.Get(id)
	if !ok {
		return schema.Recording{}, schema.ErrRecordingNotFound
	}
	if !s.canView(userID, rec) {
		return schema.Recording{}, schema.ErrForbidden
	}
	return rec, nil
}

func (s *service) lookupPlayback(userID schema.UserID, id schema.PlaybackID) (*Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pb, ok := s.playbacks[id]
	if !ok || pb.User() != userID {
		return nil, schema.ErrPlaybackNotFound
	}
	return pb, nil
}

func (s *service) forget(id schema.PlaybackID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.playbacks, id)
}

func (s *service) canView(userID schema.UserID, rec schema.Recording) bool {
	if s.access == nil {
		return true
	}
	return s.access.CanView(userID, rec.User)
}

func (s *service) savePrefs(log pslog.Logger, userID schema.UserID, update func(*persist.UserPrefs)) {
	if err := s.store.Update(userID, update); err != nil {
		log.Warn("service prefs save failed", "err", err)
	}
}

func persistsPrefs(typ CommandType) bool {
	switch typ {
	case CommandPlay, CommandPause, CommandTogglePause,
		CommandSpeedUp, CommandSpeedDown, CommandSpeedReset,
		CommandZoomIn, CommandZoomOut, CommandZoom, CommandFit:
		return true
	}
	return false
}

// dateBound converts a filter date to milliseconds since the epoch.
func dateBound(value string) (*int64, error) {
	date, err := format.ParseDate(value)
	if err != nil || date == "" {
		return nil, err
	}
	us, err := journal.ParseTimeSpec(date)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	ms := us / 1000
	return &ms, nil
}

func detachRunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.Background()
	if ctx != nil {
		if logger := pslog.Ctx(ctx); logger != nil {
			base = logx.CopyContextFields(pslog.ContextWithLogger(base, logger), ctx)
		}
		if prefs, ok := sessionprefs.FromContext(ctx); ok {
			base = sessionprefs.WithContext(base, prefs)
		}
	}
	return context.WithCancel(base)
}

func normalizeUserID(userID schema.UserID) (schema.UserID, error) {
	if err := schema.ValidateUserID(userID); err != nil {
		return "", schema.ErrInvalidUser
	}
	return userID, nil
}
