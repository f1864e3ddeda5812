package service_test

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	appErrors "github.com/unclebandit/campaign-mailer/internal/errors"
	"github.com/unclebandit/campaign-mailer/internal/model"
	"github.com/unclebandit/campaign-mailer/internal/mta"
	"github.com/unclebandit/campaign-mailer/internal/queue"
	"github.com/unclebandit/campaign-mailer/internal/repository"
	"github.com/unclebandit/campaign-mailer/internal/transport"
)

// memStore is an in-memory State Store. Each fake repository is a view on it.
type memStore struct {
	mu sync.Mutex

	nextID       int64
	campaigns    map[int64]*model.Campaign
	recipients   map[int64]*model.CampaignRecipient
	steps        map[int64]map[int]*model.CampaignStep
	sends        []*model.CampaignSend
	emails       map[int64]*model.Email
	events       []model.EmailEvent
	bounces      []model.BounceEvent
	senders      map[int64]*model.Sender
	verification map[string]model.VerificationStatus
}

func newMemStore() *memStore {
	return &memStore{
		nextID:       100,
		campaigns:    map[int64]*model.Campaign{},
		recipients:   map[int64]*model.CampaignRecipient{},
		steps:        map[int64]map[int]*model.CampaignStep{},
		emails:       map[int64]*model.Email{},
		senders:      map[int64]*model.Sender{},
		verification: map[string]model.VerificationStatus{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) addCampaign(c model.Campaign) *model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	if c.ThrottlePerMinute == 0 {
		c.ThrottlePerMinute = 10
	}
	s.campaigns[c.ID] = &c
	return &c
}

func (s *memStore) addStep(st model.CampaignStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[st.CampaignID] == nil {
		s.steps[st.CampaignID] = map[int]*model.CampaignStep{}
	}
	st.ID = s.id()
	s.steps[st.CampaignID][st.StepOrder] = &st
}

// addRecipient registers a pending recipient whose address is verified.
func (s *memStore) addRecipient(campaignID int64, email string) *model.CampaignRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := &model.CampaignRecipient{ID: s.id(), CampaignID: campaignID, Email: email, Status: model.RecipientPending}
	s.recipients[r.ID] = r
	s.verification[model.NormalizeEmail(email)] = model.VerificationValid
	return r
}

func (s *memStore) addSender(sn model.Sender) *model.Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sn.ID == 0 {
		sn.ID = s.id()
	}
	s.senders[sn.ID] = &sn
	return &sn
}

func (s *memStore) addEmail(e model.Email) *model.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.id()
	if e.Status == "" {
		e.Status = model.EmailCreated
	}
	s.emails[e.ID] = &e
	send := &model.CampaignSend{ID: s.id(), CampaignID: e.CampaignID, RecipientID: e.RecipientID,
		Status: model.SendQueued, EmailID: &e.ID}
	s.sends = append(s.sends, send)
	return &e
}

func (s *memStore) addSend(sd model.CampaignSend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sd.ID = s.id()
	s.sends = append(s.sends, &sd)
}

func (s *memStore) campaign(id int64) model.Campaign {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.campaigns[id]
}

func (s *memStore) recipient(id int64) model.CampaignRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

func (s *memStore) email(id int64) model.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.emails[id]
}

func (s *memStore) setRecipientStatus(id int64, status model.RecipientStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[id].Status = status
}

func (s *memStore) emailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emails)
}

func (s *memStore) sendsFor(recipientID int64) []model.CampaignSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.CampaignSend{}
	for _, sd := range s.sends {
		if sd.RecipientID == recipientID {
			out = append(out, *sd)
		}
	}
	return out
}

func (s *memStore) eventTypes(emailID int64) []model.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.EventType{}
	for _, e := range s.events {
		if e.EmailID == emailID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (s *memStore) bouncesFor(emailID int64) []model.BounceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.BounceEvent{}
	for _, b := range s.bounces {
		if b.EmailID == emailID {
			out = append(out, b)
		}
	}
	return out
}

// ---- campaigns

type fakeCampaignRepo struct{ *memStore }

func (f fakeCampaignRepo) GetByID(_ context.Context, id int64) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f fakeCampaignRepo) ListByStatus(_ context.Context, statuses ...model.CampaignStatus) ([]*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.Campaign{}
	for _, c := range f.campaigns {
		for _, st := range statuses {
			if c.Status == st {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f fakeCampaignRepo) ListCampaigns(_ context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := []*model.Campaign{}
	for _, c := range f.campaigns {
		if status == "" || string(c.Status) == status {
			cp := *c
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if offset >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (f fakeCampaignRepo) TransitionStatus(_ context.Context, id int64, from, to model.CampaignStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != from {
		return false, nil
	}
	c.Status = to
	return true, nil
}

func (f fakeCampaignRepo) CompleteIfDone(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok || c.Status != model.CampaignRunning {
		return false, nil
	}
	for _, r := range f.recipients {
		if r.CampaignID == id && !r.Status.Terminal() {
			return false, nil
		}
	}
	c.Status = model.CampaignCompleted
	return true, nil
}

func (f fakeCampaignRepo) GetCampaignStats(_ context.Context, id int64) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := map[string]int{"total": 0, "pending": 0, "sent": 0, "completed": 0, "stopped": 0, "bounced": 0}
	for _, r := range f.recipients {
		if r.CampaignID == id {
			stats[string(r.Status)]++
			stats["total"]++
		}
	}
	return stats, nil
}

// ---- recipients

type fakeRecipientRepo struct{ *memStore }

func (f fakeRecipientRepo) GetByID(_ context.Context, id int64) (*model.CampaignRecipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipients[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (f fakeRecipientRepo) ListDue(_ context.Context, campaignID int64, now time.Time, limit int) ([]*model.CampaignRecipient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*model.CampaignRecipient{}
	for _, r := range f.recipients {
		if r.CampaignID != campaignID || r.Status != model.RecipientPending {
			continue
		}
		if r.NextRunAt != nil && r.NextRunAt.After(now) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f fakeRecipientRepo) RearmDue(_ context.Context, campaignID int64, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.recipients {
		if r.CampaignID == campaignID && r.Status == model.RecipientSent && r.NextRunAt != nil &&
			!r.NextRunAt.After(now) && f.stepDelivered(r) {
			r.Status = model.RecipientPending
			n++
		}
	}
	return n, nil
}

func (s *memStore) stepDelivered(r *model.CampaignRecipient) bool {
	for _, sd := range s.sends {
		if sd.CampaignID == r.CampaignID && sd.RecipientID == r.ID && sd.Step == r.CurrentStep-1 {
			return sd.Status == model.SendSent
		}
	}
	return false
}

func (f fakeRecipientRepo) MarkTerminal(_ context.Context, id int64, status model.RecipientStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.recipients[id]; ok {
		r.Status = status
		r.NextRunAt = nil
	}
	return nil
}

// ---- steps

type fakeStepRepo struct{ *memStore }

func (f fakeStepRepo) GetByOrder(_ context.Context, campaignID int64, order int) (*model.CampaignStep, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.steps[campaignID][order]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (f fakeStepRepo) EnsureStepZero(_ context.Context, c *model.Campaign) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.steps[c.ID][0]; ok {
		return false, nil
	}
	if f.steps[c.ID] == nil {
		f.steps[c.ID] = map[int]*model.CampaignStep{}
	}
	st := model.StepZero(c)
	st.ID = f.id()
	f.steps[c.ID][0] = st
	return true, nil
}

// ---- campaign sends

type fakeSendRepo struct{ *memStore }

func (f fakeSendRepo) GetOrCreate(_ context.Context, campaignID, recipientID int64, step int, senderID *int64) (*model.CampaignSend, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sd := range f.sends {
		if sd.CampaignID == campaignID && sd.RecipientID == recipientID && sd.Step == step {
			cp := *sd
			return &cp, false, nil
		}
	}
	sd := &model.CampaignSend{ID: f.id(), CampaignID: campaignID, RecipientID: recipientID, Step: step,
		Status: model.SendQueued, SenderID: senderID}
	f.sends = append(f.sends, sd)
	cp := *sd
	return &cp, true, nil
}

func (f fakeSendRepo) GetByEmailID(_ context.Context, emailID int64) (*model.CampaignSend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sd := range f.sends {
		if sd.EmailID != nil && *sd.EmailID == emailID {
			cp := *sd
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) sendByEmail(emailID int64) *model.CampaignSend {
	for _, sd := range s.sends {
		if sd.EmailID != nil && *sd.EmailID == emailID {
			return sd
		}
	}
	return nil
}

// ---- emails

type fakeEmailRepo struct{ *memStore }

func (f fakeEmailRepo) GetByID(_ context.Context, id int64) (*model.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f fakeEmailRepo) CreateForStep(_ context.Context, in repository.StepEmail) (*model.Email, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.recipients[in.Email.RecipientID]
	if r == nil || r.Status != model.RecipientPending || r.CurrentStep != in.Step {
		return nil, repository.ErrStaleRecipient
	}
	e := in.Email
	e.ID = f.id()
	e.Status = model.EmailCreated
	e.CreatedAt = in.SentAt
	f.emails[e.ID] = &e

	sentAt, nextRun := in.SentAt, in.NextRunAt
	r.Status = model.RecipientSent
	r.CurrentStep = in.Step + 1
	r.LastSentAt = &sentAt
	r.NextRunAt = &nextRun

	for _, sd := range f.sends {
		if sd.ID == in.SendID {
			id := e.ID
			sd.EmailID = &id
		}
	}
	cp := e
	return &cp, nil
}

func (f fakeEmailRepo) AssignSender(_ context.Context, in repository.Assignment) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.emails[in.EmailID]
	if !ok || e.SenderID != nil {
		return false, nil
	}
	id, at := in.SenderID, in.RoutedAt
	e.SenderID = &id
	e.DeliveryProvider = in.Provider
	e.DeliveryConfidence = in.Confidence
	e.RoutedAt = &at
	return true, nil
}

func (f fakeEmailRepo) AddEvent(_ context.Context, emailID int64, eventType model.EventType, meta map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, model.EmailEvent{EmailID: emailID, EventType: eventType, Timestamp: time.Now(), Metadata: meta})
	return nil
}

func (f fakeEmailRepo) RecordDeferral(_ context.Context, emailID int64, reason string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails[emailID].LastError = reason
	f.bounces = append(f.bounces, model.BounceEvent{EmailID: emailID, BounceType: model.BounceSoft, Reason: reason, OccurredAt: at})
	f.events = append(f.events, model.EmailEvent{EmailID: emailID, EventType: model.EventDeferred, Timestamp: at})
	return nil
}

func (f fakeEmailRepo) MarkSent(_ context.Context, in repository.Delivered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.emails[in.EmailID]
	at := in.SentAt
	e.Status = model.EmailSent
	e.ProviderMessageID = in.ProviderMessageID
	e.SentAt = &at
	if sd := f.sendByEmail(in.EmailID); sd != nil {
		sd.Status = model.SendSent
		sd.SentAt = &at
	}
	f.campaigns[in.CampaignID].TotalSent++
	f.events = append(f.events, model.EmailEvent{EmailID: in.EmailID, EventType: model.EventSent, Timestamp: at})
	return nil
}

func (f fakeEmailRepo) MarkFailed(_ context.Context, in repository.Failure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.emails[in.EmailID]
	e.Status = model.EmailFailed
	e.LastError = in.Reason
	if sd := f.sendByEmail(in.EmailID); sd != nil {
		sd.Status = model.SendFailed
		sd.Error = in.Reason
	}
	if in.Bounce != nil {
		f.bounces = append(f.bounces, model.BounceEvent{EmailID: in.EmailID, BounceType: *in.Bounce, Reason: in.Reason, OccurredAt: in.At})
	}
	if r, ok := f.recipients[in.RecipientID]; ok {
		r.Status = in.RecipientStatus
		r.NextRunAt = nil
	}
	f.events = append(f.events, model.EmailEvent{EmailID: in.EmailID, EventType: model.EventFailed, Timestamp: in.At})
	return nil
}

func (f fakeEmailRepo) ListUndelivered(_ context.Context, idleBefore time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []int64{}
	for _, e := range f.emails {
		if e.Status == model.EmailCreated && e.SenderID != nil && e.RoutedAt != nil && e.RoutedAt.Before(idleBefore) {
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (f fakeEmailRepo) ListStranded(_ context.Context, idleBefore time.Time, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []int64{}
	for _, e := range f.emails {
		if e.Status == model.EmailCreated && e.SenderID == nil && e.CreatedAt.Before(idleBefore) {
			ids = append(ids, e.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// ---- senders

type fakeSenderRepo struct{ *memStore }

func (f fakeSenderRepo) GetByID(_ context.Context, id int64) (*model.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.senders[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f fakeSenderRepo) AcquireLeastRecentlyUsed(_ context.Context, provider string) (*model.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pick *model.Sender
	latest := time.Time{}
	for _, s := range f.senders {
		if s.UpdatedAt.After(latest) {
			latest = s.UpdatedAt
		}
		if !s.IsVerified || (provider != "" && s.Provider != provider) {
			continue
		}
		if pick == nil || s.UpdatedAt.Before(pick.UpdatedAt) ||
			(s.UpdatedAt.Equal(pick.UpdatedAt) && s.ID < pick.ID) {
			pick = s
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.UpdatedAt = latest.Add(time.Second)
	cp := *pick
	return &cp, nil
}

func (f fakeSenderRepo) SaveOAuthToken(_ context.Context, id int64, access, refresh string, expiry time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.senders[id]
	s.OAuthAccessToken, s.OAuthRefreshToken, s.OAuthExpiry = access, refresh, &expiry
	return nil
}

// ---- verification registry

type fakeVerificationRepo struct{ *memStore }

func (f fakeVerificationRepo) Status(_ context.Context, normalized string) (model.VerificationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verification[normalized], nil
}

func (s *memStore) setVerification(email string, status model.VerificationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verification[model.NormalizeEmail(email)] = status
}

// ---- queue

type published struct {
	topic string
	body  []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic string, payload any, _ ...queue.PublishOption) error {
	if p.err != nil {
		return p.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic: topic, body: body})
	return nil
}

func (p *recordingPublisher) on(topic string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []published{}
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

func delivery(t *testing.T, topic string, payload any, attempt, deferrals int) *queue.Delivery {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	noop := func() error { return nil }
	return queue.NewDelivery(topic, body, attempt, deferrals, noop, func(bool) error { return nil })
}

// ---- mta / transport

type fakeDetector map[string]mta.Provider

func (f fakeDetector) Detect(_ context.Context, address string) mta.Result {
	for suffix, p := range f {
		if len(address) >= len(suffix) && address[len(address)-len(suffix):] == suffix {
			return mta.Result{Provider: p, Confidence: 1}
		}
	}
	return mta.Result{Provider: mta.ProviderOther, Confidence: 0.5}
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []*transport.Message
	err  error
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, msg *transport.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeTransportFactory struct {
	tr  *fakeTransport
	err error
}

func (f *fakeTransportFactory) For(_ context.Context, _ *model.Sender) (transport.Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tr, nil
}
