package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/venueguard/internal/broadcast"
	"github.com/t77yq/venueguard/internal/model"
	"github.com/t77yq/venueguard/internal/storage"
)

var (
	// ErrVenueNotTracked is returned for venues the tracker holds no state for
	ErrVenueNotTracked = errors.New("venue not tracked")

	// ErrSubjectNotTracked is returned for unknown subjects
	ErrSubjectNotTracked = errors.New("subject not tracked")

	// ErrInvalidObservation is returned for malformed observations
	ErrInvalidObservation = errors.New("invalid observation")
)

// Store is the persistence the tracker reads venue layout from
type Store interface {
	GetVenue(ctx context.Context, id string) (*model.Venue, error)
	ListZones(ctx context.Context, venueID string) ([]*model.Zone, error)
	SaveZone(ctx context.Context, zone *model.Zone) error
	ListSubjects(ctx context.Context, venueID string) ([]*model.Subject, error)
}

// Observation is one sighting of a subject at a location
type Observation struct {
	SubjectID   string            `json:"subject_id"`
	SubjectName string            `json:"subject_name,omitempty"`
	VenueID     string            `json:"venue_id"`
	Zone        string            `json:"zone"`
	Coordinates model.Coordinates `json:"coordinates"`
	Confidence  float64           `json:"confidence"`
	CameraID    string            `json:"camera_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Config configures a Tracker
type Config struct {
	CapacityThreshold float64
	LowConfidence     float64
	StaleAfter        time.Duration
	DefaultCapacity   int
	SnapshotTTL       time.Duration
}

type zoneState struct {
	id       string
	name     string
	capacity int
	members  map[string]struct{}
	updated  time.Time
}

type venueState struct {
	id              string
	defaultCapacity int
	zones           map[string]*zoneState
	presence        map[string]*model.PresenceRecord
	updated         time.Time
}

// Tracker maintains per-venue zone occupancy and per-subject presence
type Tracker struct {
	cfg       Config
	store     Store
	kv        KVStore
	publisher broadcast.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	venues   map[string]*venueState
	subjects map[string]string
}

// NewTracker creates a new tracker. kv and publisher may be nil.
func NewTracker(cfg Config, store Store, kv KVStore, publisher broadcast.Publisher, logger *zap.Logger) *Tracker {
	if cfg.CapacityThreshold <= 0 {
		cfg.CapacityThreshold = 0.9
	}
	if cfg.LowConfidence <= 0 {
		cfg.LowConfidence = 0.8
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.DefaultCapacity <= 0 {
		cfg.DefaultCapacity = model.DefaultZoneCapacity
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 5 * time.Minute
	}
	return &Tracker{
		cfg:       cfg,
		store:     store,
		kv:        kv,
		publisher: publisher,
		logger:    logger.Named("tracker"),
		now:       time.Now,
		venues:    make(map[string]*venueState),
		subjects:  make(map[string]string),
	}
}

// InitializeVenue resets the state of a venue from the store. Checked-in
// subjects are placed at the entrance with unknown status and every zone
// starts empty. Calling it again discards the previous state.
func (t *Tracker) InitializeVenue(ctx context.Context, venueID string) error {
	state, err := t.loadVenue(ctx, venueID)
	if err != nil {
		return err
	}
	t.installVenue(state, true)
	return nil
}

// ensureVenue initializes a venue seen for the first time. A venue installed
// concurrently by another caller is kept.
func (t *Tracker) ensureVenue(ctx context.Context, venueID string) error {
	t.mu.RLock()
	_, known := t.venues[venueID]
	t.mu.RUnlock()
	if known {
		return nil
	}

	state, err := t.loadVenue(ctx, venueID)
	if err != nil {
		return err
	}
	t.installVenue(state, false)
	return nil
}

// loadVenue builds the initial state of a venue from the store
func (t *Tracker) loadVenue(ctx context.Context, venueID string) (*venueState, error) {
	capacity := t.cfg.DefaultCapacity
	venue, err := t.store.GetVenue(ctx, venueID)
	switch {
	case err == nil:
		if venue.Config.DefaultZoneCapacity > 0 {
			capacity = venue.Config.DefaultZoneCapacity
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load venue: %w", err)
	}

	zones, err := t.store.ListZones(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load zones: %w", err)
	}
	subjects, err := t.store.ListSubjects(ctx, venueID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subjects: %w", err)
	}

	now := t.now()
	state := &venueState{
		id:              venueID,
		defaultCapacity: capacity,
		zones:           make(map[string]*zoneState),
		presence:        make(map[string]*model.PresenceRecord),
		updated:         now,
	}
	for _, z := range zones {
		zoneCapacity := z.Capacity
		if zoneCapacity <= 0 {
			zoneCapacity = capacity
		}
		state.zones[z.Name] = &zoneState{id: z.ID, name: z.Name, capacity: zoneCapacity, members: map[string]struct{}{}, updated: now}
	}
	if _, ok := state.zones[model.EntranceZone]; !ok {
		state.zones[model.EntranceZone] = &zoneState{
			id:       venueID + ":entrance",
			name:     model.EntranceZone,
			capacity: capacity,
			members:  map[string]struct{}{},
			updated:  now,
		}
	}
	for _, s := range subjects {
		if !s.CheckedIn {
			continue
		}
		state.presence[s.ID] = &model.PresenceRecord{
			SubjectID:   s.ID,
			SubjectName: s.Name,
			VenueID:     venueID,
			Zone:        model.EntranceZone,
			LastSeen:    s.CheckedInAt,
			Status:      model.PresenceUnknown,
			AlertLevel:  model.AlertLevelGreen,
		}
	}

	return state, nil
}

// installVenue makes state the tracked state of its venue. Without replace an
// already tracked venue is left untouched.
func (t *Tracker) installVenue(state *venueState, replace bool) {
	t.mu.Lock()
	if _, ok := t.venues[state.id]; ok {
		if !replace {
			t.mu.Unlock()
			return
		}
		t.dropVenueLocked(state.id)
	}
	t.venues[state.id] = state
	for id := range state.presence {
		if old, ok := t.subjects[id]; ok && old != state.id {
			t.removeSubjectLocked(old, id)
		}
		t.subjects[id] = state.id
	}
	t.mu.Unlock()

	t.logger.Info("Venue tracking initialized",
		zap.String("venue_id", state.id),
		zap.Int("zones", len(state.zones)),
		zap.Int("subjects", len(state.presence)))
}

// RecordObservation moves a subject to the observed zone and updates its presence
func (t *Tracker) RecordObservation(ctx context.Context, obs Observation) (model.PresenceRecord, error) {
	if obs.SubjectID == "" || obs.VenueID == "" || obs.Confidence < 0 || obs.Confidence > 1 {
		return model.PresenceRecord{}, ErrInvalidObservation
	}
	if obs.Zone == "" {
		obs.Zone = model.EntranceZone
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.now()
	}

	if err := t.ensureVenue(ctx, obs.VenueID); err != nil {
		return model.PresenceRecord{}, err
	}

	t.mu.Lock()
	state, ok := t.venues[obs.VenueID]
	if !ok {
		t.mu.Unlock()
		return model.PresenceRecord{}, ErrVenueNotTracked
	}

	if old, ok := t.subjects[obs.SubjectID]; ok && old != obs.VenueID {
		t.removeSubjectLocked(old, obs.SubjectID)
	}
	t.subjects[obs.SubjectID] = obs.VenueID

	now := t.now()
	var previous *zoneState
	for _, z := range state.zones {
		if _, in := z.members[obs.SubjectID]; in {
			previous = z
			break
		}
	}

	zone, created := state.zones[obs.Zone], false
	if zone == nil {
		zone = &zoneState{
			id:       uuid.NewString(),
			name:     obs.Zone,
			capacity: state.defaultCapacity,
			members:  map[string]struct{}{},
		}
		state.zones[obs.Zone] = zone
		created = true
	}
	if previous != nil && previous != zone {
		delete(previous.members, obs.SubjectID)
		previous.updated = now
	}
	zone.members[obs.SubjectID] = struct{}{}
	zone.updated = now

	record, ok := state.presence[obs.SubjectID]
	if !ok {
		record = &model.PresenceRecord{SubjectID: obs.SubjectID, VenueID: obs.VenueID}
		state.presence[obs.SubjectID] = record
	}
	if obs.SubjectName != "" {
		record.SubjectName = obs.SubjectName
	}
	record.Zone = zone.name
	record.Coordinates = obs.Coordinates
	record.Confidence = obs.Confidence
	record.CameraID = obs.CameraID
	record.LastSeen = obs.Timestamp
	record.Status = model.PresencePresent
	record.AlertLevel = t.alertLevel(zone.name, obs.Confidence)
	state.updated = now

	result := *record
	zoneSnapshot := t.zoneOccupancy(state.id, zone)
	var previousSnapshot *model.ZoneOccupancy
	if previous != nil && previous != zone {
		s := t.zoneOccupancy(state.id, previous)
		previousSnapshot = &s
	}
	newZone := model.Zone{ID: zone.id, VenueID: state.id, Name: zone.name, Capacity: zone.capacity}
	t.mu.Unlock()

	if created {
		if err := t.store.SaveZone(ctx, &newZone); err != nil {
			t.logger.Warn("Failed to save zone",
				zap.String("venue_id", obs.VenueID),
				zap.String("zone", obs.Zone),
				zap.Error(err))
		}
	}

	t.publish(obs.VenueID, broadcast.TypeLiveLocationUpdate, zoneSnapshot.ZoneID, result)
	t.publish(obs.VenueID, broadcast.TypeZoneUpdate, zoneSnapshot.ZoneID, zoneSnapshot)
	if previousSnapshot != nil {
		t.publish(obs.VenueID, broadcast.TypeZoneUpdate, previousSnapshot.ZoneID, *previousSnapshot)
	}

	return result, nil
}

// MarkDeparted removes a checked-out subject from its zone
func (t *Tracker) MarkDeparted(venueID, subjectID string) error {
	t.mu.Lock()
	state, ok := t.venues[venueID]
	if !ok {
		t.mu.Unlock()
		return ErrVenueNotTracked
	}
	record, ok := state.presence[subjectID]
	if !ok {
		t.mu.Unlock()
		return ErrSubjectNotTracked
	}

	now := t.now()
	var zoneID string
	for _, z := range state.zones {
		if _, in := z.members[subjectID]; in {
			delete(z.members, subjectID)
			z.updated = now
			zoneID = z.id
		}
	}
	record.Status = model.PresenceDeparted
	record.AlertLevel = model.AlertLevelGreen
	result := *record
	state.updated = now
	t.mu.Unlock()

	t.publish(venueID, broadcast.TypeLiveLocationUpdate, zoneID, result)
	return nil
}

// Refresh marks subjects unseen for too long as red, caches a snapshot of
// every venue and broadcasts it
func (t *Tracker) Refresh(ctx context.Context) {
	now := t.now()

	t.mu.Lock()
	snapshots := make([]model.VenueTracking, 0, len(t.venues))
	for _, state := range t.venues {
		for _, record := range state.presence {
			if record.Status == model.PresencePresent && now.Sub(record.LastSeen) > t.cfg.StaleAfter {
				record.AlertLevel = model.AlertLevelRed
			}
		}
		snapshots = append(snapshots, t.snapshotLocked(state))
	}
	t.mu.Unlock()

	for _, snapshot := range snapshots {
		t.cache(ctx, snapshot)
		t.publish(snapshot.VenueID, broadcast.TypeTrackingSnapshot, "", snapshot)
	}
}

// VenueTracking returns the aggregate presence state of a venue
func (t *Tracker) VenueTracking(venueID string) (model.VenueTracking, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.venues[venueID]
	if !ok {
		return model.VenueTracking{}, ErrVenueNotTracked
	}
	return t.snapshotLocked(state), nil
}

// CachedVenueTracking returns the last snapshot written to the cache
func (t *Tracker) CachedVenueTracking(ctx context.Context, venueID string) (model.VenueTracking, error) {
	if t.kv == nil {
		return model.VenueTracking{}, ErrCacheMiss
	}
	raw, err := t.kv.Get(ctx, SnapshotKey(venueID))
	if err != nil {
		return model.VenueTracking{}, err
	}
	var snapshot model.VenueTracking
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return model.VenueTracking{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return snapshot, nil
}

// Presence returns the presence record of a subject
func (t *Tracker) Presence(subjectID string) (model.PresenceRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	venueID, ok := t.subjects[subjectID]
	if !ok {
		return model.PresenceRecord{}, ErrSubjectNotTracked
	}
	return *t.venues[venueID].presence[subjectID], nil
}

// Zones returns the zone occupancy of a venue sorted by name
func (t *Tracker) Zones(venueID string) ([]model.ZoneOccupancy, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.venues[venueID]
	if !ok {
		return nil, ErrVenueNotTracked
	}
	return t.zonesLocked(state), nil
}

// Statistics summarizes all tracked venues
func (t *Tracker) Statistics() model.TrackingStatistics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := model.TrackingStatistics{TotalVenues: len(t.venues)}
	for _, state := range t.venues {
		s := t.snapshotLocked(state)
		stats.TotalSubjects += s.TotalSubjects
		stats.ActiveSubjects += s.ActiveSubjects
		stats.TotalAlerts += s.Alerts
	}
	return stats
}

// RemoveVenue drops all state of a venue
func (t *Tracker) RemoveVenue(ctx context.Context, venueID string) {
	t.mu.Lock()
	t.dropVenueLocked(venueID)
	t.mu.Unlock()

	if t.kv != nil {
		if err := t.kv.Del(ctx, SnapshotKey(venueID)); err != nil {
			t.logger.Warn("Failed to delete cached snapshot",
				zap.String("venue_id", venueID),
				zap.Error(err))
		}
	}
}

func (t *Tracker) dropVenueLocked(venueID string) {
	state, ok := t.venues[venueID]
	if !ok {
		return
	}
	for id := range state.presence {
		if t.subjects[id] == venueID {
			delete(t.subjects, id)
		}
	}
	delete(t.venues, venueID)
}

func (t *Tracker) removeSubjectLocked(venueID, subjectID string) {
	state, ok := t.venues[venueID]
	if !ok {
		return
	}
	now := t.now()
	for _, z := range state.zones {
		if _, in := z.members[subjectID]; in {
			delete(z.members, subjectID)
			z.updated = now
		}
	}
	delete(state.presence, subjectID)
	state.updated = now
}

func (t *Tracker) alertLevel(zone string, confidence float64) model.AlertLevel {
	name := strings.ToLower(zone)
	if strings.Contains(name, "exit") || strings.Contains(name, "emergency") {
		return model.AlertLevelYellow
	}
	if confidence < t.cfg.LowConfidence {
		return model.AlertLevelYellow
	}
	return model.AlertLevelGreen
}

func (t *Tracker) zoneOccupancy(venueID string, z *zoneState) model.ZoneOccupancy {
	ids := make([]string, 0, len(z.members))
	for id := range z.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	occ := model.ZoneOccupancy{
		ZoneID:      z.id,
		ZoneName:    z.name,
		VenueID:     venueID,
		Capacity:    z.capacity,
		Occupancy:   len(ids),
		SubjectIDs:  ids,
		LastUpdated: z.updated,
	}
	if z.capacity > 0 {
		occ.Utilization = float64(occ.Occupancy) / float64(z.capacity)
		occ.NearCapacity = occ.Utilization > t.cfg.CapacityThreshold
	}
	if occ.NearCapacity {
		occ.Alerts = []string{model.ZoneAlertNearCapacity}
	}
	return occ
}

func (t *Tracker) zonesLocked(state *venueState) []model.ZoneOccupancy {
	zones := make([]model.ZoneOccupancy, 0, len(state.zones))
	for _, z := range state.zones {
		zones = append(zones, t.zoneOccupancy(state.id, z))
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].ZoneName < zones[j].ZoneName })
	return zones
}

func (t *Tracker) snapshotLocked(state *venueState) model.VenueTracking {
	snapshot := model.VenueTracking{
		VenueID:     state.id,
		Zones:       t.zonesLocked(state),
		Subjects:    make([]model.PresenceRecord, 0, len(state.presence)),
		LastUpdated: state.updated,
	}

	var confidenceSum float64
	var observed int
	for _, record := range state.presence {
		snapshot.Subjects = append(snapshot.Subjects, *record)
		snapshot.TotalSubjects++
		if record.Status == model.PresencePresent {
			snapshot.ActiveSubjects++
			confidenceSum += record.Confidence
			observed++
		}
		if record.Status != model.PresenceDeparted && record.AlertLevel != model.AlertLevelGreen {
			snapshot.Alerts++
		}
	}
	if observed > 0 {
		snapshot.AverageConfidence = confidenceSum / float64(observed)
	}
	sort.Slice(snapshot.Subjects, func(i, j int) bool { return snapshot.Subjects[i].SubjectID < snapshot.Subjects[j].SubjectID })
	return snapshot
}

func (t *Tracker) cache(ctx context.Context, snapshot model.VenueTracking) {
	if t.kv == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		t.logger.Error("Failed to marshal snapshot", zap.Error(err))
		return
	}
	if err := t.kv.Set(ctx, SnapshotKey(snapshot.VenueID), string(data), t.cfg.SnapshotTTL); err != nil {
		t.logger.Warn("Failed to cache snapshot",
			zap.String("venue_id", snapshot.VenueID),
			zap.Error(err))
	}
}

func (t *Tracker) publish(venueID, msgType, zoneID string, data interface{}) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(broadcast.VenueTopic(venueID), broadcast.Message{
		Type:    msgType,
		VenueID: venueID,
		ZoneID:  zoneID,
		Data:    data,
	})
}
