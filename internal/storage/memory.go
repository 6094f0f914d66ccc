package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/t77yq/venueguard/internal/model"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu            sync.RWMutex
	alerts        map[string]*model.Alert
	timelines     map[string][]*model.TimelineEntry
	sightings     []*model.Sighting
	detections    map[string]*model.Detection
	notifications map[string]*model.NotificationRecord
	devices       map[string]*model.DeviceMetadata
	venues        map[string]*model.Venue
	zones         map[string]*model.Zone
	subjects      map[string]*model.Subject
	recipients    map[string]*model.Recipient
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:        make(map[string]*model.Alert),
		timelines:     make(map[string][]*model.TimelineEntry),
		detections:    make(map[string]*model.Detection),
		notifications: make(map[string]*model.NotificationRecord),
		devices:       make(map[string]*model.DeviceMetadata),
		venues:        make(map[string]*model.Venue),
		zones:         make(map[string]*model.Zone),
		subjects:      make(map[string]*model.Subject),
		recipients:    make(map[string]*model.Recipient),
	}
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	return nil
}

// CreateAlert implements AlertStore.CreateAlert
func (s *MemoryStore) CreateAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ID]; ok {
		return fmt.Errorf("failed to store alert: duplicate id %s", alert.ID)
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

// UpdateAlert implements AlertStore.UpdateAlert
func (s *MemoryStore) UpdateAlert(ctx context.Context, alert *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[alert.ID]; !ok {
		return ErrNotFound
	}
	s.alerts[alert.ID] = alert.Clone()
	return nil
}

// GetAlert implements AlertStore.GetAlert
func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return alert.Clone(), nil
}

// ListAlerts implements AlertStore.ListAlerts
func (s *MemoryStore) ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var alerts []*model.Alert
	for _, alert := range s.alerts {
		if matchAlert(alert, filter) {
			alerts = append(alerts, alert.Clone())
		}
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

// AppendTimeline implements AlertStore.AppendTimeline
func (s *MemoryStore) AppendTimeline(ctx context.Context, entry *model.TimelineEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.timelines[entry.AlertID]
	entry.Seq = len(entries) + 1
	c := *entry
	s.timelines[entry.AlertID] = append(entries, &c)
	return nil
}

// ListTimeline implements AlertStore.ListTimeline
func (s *MemoryStore) ListTimeline(ctx context.Context, alertID string) ([]*model.TimelineEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*model.TimelineEntry, 0, len(s.timelines[alertID]))
	for _, e := range s.timelines[alertID] {
		c := *e
		entries = append(entries, &c)
	}
	return entries, nil
}

// CreateSighting implements SightingStore.CreateSighting
func (s *MemoryStore) CreateSighting(ctx context.Context, sighting *model.Sighting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *sighting
	s.sightings = append(s.sightings, &c)
	return nil
}

// LatestSighting implements SightingStore.LatestSighting
func (s *MemoryStore) LatestSighting(ctx context.Context, subjectID, venueID string) (*model.Sighting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.Sighting
	for _, sg := range s.sightings {
		if sg.SubjectID != subjectID || sg.VenueID != venueID {
			continue
		}
		if latest == nil || sg.Timestamp.After(latest.Timestamp) {
			latest = sg
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

// CountSightings implements SightingStore.CountSightings
func (s *MemoryStore) CountSightings(ctx context.Context, subjectID, venueID string, from, to time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, sg := range s.sightings {
		if sg.SubjectID == subjectID && sg.VenueID == venueID &&
			!sg.Timestamp.Before(from) && sg.Timestamp.Before(to) {
			count++
		}
	}
	return count, nil
}

// CreateDetection implements DetectionStore.CreateDetection
func (s *MemoryStore) CreateDetection(ctx context.Context, detection *model.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *detection
	s.detections[detection.ID] = &c
	return nil
}

// ListPendingDetections implements DetectionStore.ListPendingDetections
func (s *MemoryStore) ListPendingDetections(ctx context.Context, since time.Time, risks []model.RiskLevel, limit int) ([]*model.Detection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Detection
	for _, d := range s.detections {
		if d.AlertGenerated || d.Timestamp.Before(since) {
			continue
		}
		if len(risks) > 0 && !contains(risks, d.RiskLevel) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDetectionProcessed implements DetectionStore.MarkDetectionProcessed
func (s *MemoryStore) MarkDetectionProcessed(ctx context.Context, id, alertID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.detections[id]
	if !ok {
		return ErrNotFound
	}
	d.AlertGenerated = true
	d.AlertID = alertID
	return nil
}

// CreateNotification implements NotificationStore.CreateNotification
func (s *MemoryStore) CreateNotification(ctx context.Context, record *model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *record
	s.notifications[record.ID] = &c
	return nil
}

// UpdateNotification implements NotificationStore.UpdateNotification
func (s *MemoryStore) UpdateNotification(ctx context.Context, record *model.NotificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[record.ID]; !ok {
		return ErrNotFound
	}
	c := *record
	s.notifications[record.ID] = &c
	return nil
}

// ListNotifications implements NotificationStore.ListNotifications
func (s *MemoryStore) ListNotifications(ctx context.Context, alertID string) ([]*model.NotificationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NotificationRecord
	for _, r := range s.notifications {
		if alertID == "" || r.AlertID == alertID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteNotificationsBefore implements NotificationStore.DeleteNotificationsBefore
func (s *MemoryStore) DeleteNotificationsBefore(ctx context.Context, before time.Time, statuses []model.NotificationStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.notifications {
		if r.CreatedAt.Before(before) && contains(statuses, r.Status) {
			delete(s.notifications, id)
			n++
		}
	}
	return n, nil
}

// SaveDevice implements DeviceStore.SaveDevice
func (s *MemoryStore) SaveDevice(ctx context.Context, device *model.DeviceMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *device
	s.devices[device.DeviceID] = &c
	return nil
}

// GetDevice implements DeviceStore.GetDevice
func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*model.DeviceMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

// ListDevices implements DeviceStore.ListDevices
func (s *MemoryStore) ListDevices(ctx context.Context, venueID string) ([]*model.DeviceMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.DeviceMetadata
	for _, d := range s.devices {
		if venueID == "" || d.VenueID == venueID {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// SaveVenue implements VenueStore.SaveVenue
func (s *MemoryStore) SaveVenue(ctx context.Context, venue *model.Venue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *venue
	s.venues[venue.ID] = &c
	return nil
}

// GetVenue implements VenueStore.GetVenue
func (s *MemoryStore) GetVenue(ctx context.Context, id string) (*model.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.venues[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

// ListActiveVenues implements VenueStore.ListActiveVenues
func (s *MemoryStore) ListActiveVenues(ctx context.Context) ([]*model.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Venue
	for _, v := range s.venues {
		if v.Active {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveZone implements VenueStore.SaveZone
func (s *MemoryStore) SaveZone(ctx context.Context, zone *model.Zone) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *zone
	s.zones[zone.ID] = &c
	return nil
}

// ListZones implements VenueStore.ListZones
func (s *MemoryStore) ListZones(ctx context.Context, venueID string) ([]*model.Zone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Zone
	for _, z := range s.zones {
		if z.VenueID == venueID {
			c := *z
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// SaveSubject implements VenueStore.SaveSubject
func (s *MemoryStore) SaveSubject(ctx context.Context, subject *model.Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *subject
	s.subjects[subject.ID] = &c
	return nil
}

// GetSubject implements VenueStore.GetSubject
func (s *MemoryStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subjects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *sub
	return &c, nil
}

// ListSubjects implements VenueStore.ListSubjects
func (s *MemoryStore) ListSubjects(ctx context.Context, venueID string) ([]*model.Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Subject
	for _, sub := range s.subjects {
		if sub.VenueID == venueID {
			c := *sub
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveRecipient implements VenueStore.SaveRecipient
func (s *MemoryStore) SaveRecipient(ctx context.Context, recipient *model.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *recipient
	s.recipients[recipient.ID] = &c
	return nil
}

// GetRecipient implements VenueStore.GetRecipient
func (s *MemoryStore) GetRecipient(ctx context.Context, id string) (*model.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.recipients[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

// ListRecipientsByRole implements VenueStore.ListRecipientsByRole
func (s *MemoryStore) ListRecipientsByRole(ctx context.Context, role model.RecipientRole) ([]*model.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Recipient
	for _, r := range s.recipients {
		if r.Role == role {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
