package mailing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

// SendReport tallies one campaign send.
type SendReport struct {
	CampaignID string    `json:"campaignId"`
	Attempted  int       `json:"attempted"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	SentAt     time.Time `json:"sentAt"`
}

// Sender runs the campaign state machine around a sequential dispatch loop.
type Sender struct {
	campaigns   storage.CampaignStore
	subscribers storage.SubscriberSource
	dispatcher  Dispatcher
	renderer    *Renderer
	links       *LinkBuilder
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewSender creates a campaign sender.
func NewSender(
	campaigns storage.CampaignStore,
	subscribers storage.SubscriberSource,
	dispatcher Dispatcher,
	renderer *Renderer,
	links *LinkBuilder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		campaigns:   campaigns,
		subscribers: subscribers,
		dispatcher:  dispatcher,
		renderer:    renderer,
		links:       links,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// SendCampaign delivers a draft (or previously failed) campaign to every
// active subscriber. Individual delivery failures are logged and counted;
// the campaign still ends sent with RecipientCount equal to the successes.
func (s *Sender) SendCampaign(ctx context.Context, campaignID string) (*SendReport, error) {
	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Sendable() {
		return nil, apperr.Conflict("campaign %s is already %s", campaignID, c.Status)
	}

	recipients, err := s.subscribers.ListActive(ctx)
	if err != nil {
		return nil, apperr.Dependency("subscribers", err)
	}
	if len(recipients) == 0 {
		return nil, apperr.InvalidState("no recipients")
	}

	tpl, err := s.renderer.Compile(c.BodyHTML)
	if err != nil {
		return nil, apperr.Invalid("bodyHtml", err.Error())
	}

	// Compare-and-set; loses cleanly to a concurrent send.
	c, err = s.campaigns.BeginSend(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	s.logger.Info("campaign send started",
		zap.String("campaign_id", campaignID),
		zap.Int("recipients", len(recipients)),
	)

	report := &SendReport{CampaignID: campaignID}
	for _, sub := range recipients {
		report.Attempted++
		if err := s.deliver(ctx, c, tpl, sub); err != nil {
			report.Failed++
			s.logger.Warn("campaign delivery failed",
				zap.String("campaign_id", campaignID),
				zap.String("subscriber_id", sub.ID),
				zap.Error(err),
			)
			s.recordDispatch(false)
			continue
		}
		report.Succeeded++
		s.recordDispatch(true)
	}

	report.SentAt = s.now().UTC()
	if err := s.campaigns.CompleteSend(ctx, campaignID, report.SentAt, int64(report.Succeeded)); err != nil {
		s.logger.Error("failed to finalise campaign send",
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		if ferr := s.campaigns.FailSend(context.WithoutCancel(ctx), campaignID); ferr != nil {
			s.logger.Error("failed to mark campaign failed", zap.String("campaign_id", campaignID), zap.Error(ferr))
		}
		return report, err
	}

	if s.metrics != nil {
		s.metrics.RecordSend(s.now().Sub(start))
	}
	s.logger.Info("campaign send finished",
		zap.String("campaign_id", campaignID),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (s *Sender) deliver(ctx context.Context, c *models.Campaign, tpl *Template, sub models.Subscriber) error {
	if sub.Email == "" {
		return apperr.Missing("email")
	}

	unsubscribe := s.links.UnsubscribeURL(c.ID, sub.ID)
	body, err := tpl.Render(c, sub, unsubscribe)
	if err != nil {
		return err
	}

	msg := &Message{
		To:           sub.Email,
		Subject:      c.Subject,
		HTML:         s.links.Personalize(body, c.ID, sub.ID),
		CampaignID:   c.ID,
		SubscriberID: sub.ID,
	}
	if err := s.dispatcher.Send(ctx, msg); err != nil {
		return apperr.Dependency("dispatch", err)
	}
	return nil
}

func (s *Sender) recordDispatch(ok bool) {
	if s.metrics != nil {
		s.metrics.RecordDispatch(ok)
	}
}
