package tracking

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-pulse/internal/apperr"
	"github.com/radiusdt/vector-pulse/internal/geo"
	"github.com/radiusdt/vector-pulse/internal/metrics"
	"github.com/radiusdt/vector-pulse/internal/models"
	"github.com/radiusdt/vector-pulse/internal/storage"
)

const (
	maxUserAgentLen = 512
	maxFieldLen     = 2048
)

// GeoResolver resolves a client IP to a location and never fails.
type GeoResolver interface {
	Resolve(ctx context.Context, ip string) geo.Location
}

// Service handles page-view ingestion and email engagement tracking.
type Service struct {
	events    storage.EventStore
	campaigns storage.CampaignStore
	geo       GeoResolver
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new tracking service. geoResolver and m may be nil.
func NewService(
	events storage.EventStore,
	campaigns storage.CampaignStore,
	geoResolver GeoResolver,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		events:    events,
		campaigns: campaigns,
		geo:       geoResolver,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// =============================================
// PAGE VIEWS
// =============================================

// RecordPageView validates, enriches and appends a page view, returning its id.
// Only missing required fields fail; enrichment problems degrade silently.
func (s *Service) RecordPageView(ctx context.Context, in models.PageViewInput) (string, error) {
	in.PageLabel = clean(in.PageLabel, maxFieldLen)
	in.Path = clean(in.Path, maxFieldLen)
	in.SubjectKey = clean(in.SubjectKey, maxFieldLen)
	in.Referrer = clean(in.Referrer, maxFieldLen)
	in.UserAgent = clean(in.UserAgent, maxUserAgentLen)
	in.SourceIP = clean(in.SourceIP, maxFieldLen)
	in.GeoCountry = clean(in.GeoCountry, maxFieldLen)
	in.GeoCity = clean(in.GeoCity, maxFieldLen)

	var missing []string
	if in.PageLabel == "" {
		missing = append(missing, "pageLabel")
	}
	if in.Path == "" {
		missing = append(missing, "path")
	}
	if in.SubjectKey == "" {
		missing = append(missing, "sessionId")
	}
	if len(missing) > 0 {
		return "", apperr.Missing(missing...)
	}

	ua := in.UserAgent
	country, city, geoSource := s.locate(ctx, in)

	pv := &models.PageView{
		ID:           uuid.New().String(),
		OccurredAt:   s.now().UTC(),
		PageLabel:    in.PageLabel,
		Path:         in.Path,
		Referrer:     in.Referrer,
		SubjectKey:   in.SubjectKey,
		SourceIP:     in.SourceIP,
		UserAgentRaw: ua,
		Country:      country,
		City:         city,
		Device:       ClassifyDevice(ua),
		Browser:      ClassifyBrowser(ua),
	}

	if err := s.events.SavePageView(ctx, pv); err != nil {
		return "", err
	}

	if s.metrics != nil {
		s.metrics.RecordPageView(pv.Device, geoSource)
	}
	s.logger.Debug("page view recorded",
		zap.String("id", pv.ID),
		zap.String("page", pv.PageLabel),
		zap.String("country", pv.Country),
		zap.String("device", pv.Device),
	)

	return pv.ID, nil
}

// locate picks the upstream geo header first, then the resolver.
func (s *Service) locate(ctx context.Context, in models.PageViewInput) (country, city, source string) {
	if in.GeoCountry != "" {
		return in.GeoCountry, in.GeoCity, "header"
	}
	if geo.IsPrivateIP(in.SourceIP) {
		return models.CountryLocal, "", "local"
	}
	if s.geo == nil {
		return models.CountryUnknown, "", "none"
	}
	loc := s.geo.Resolve(ctx, in.SourceIP)
	if loc.CountryCode == "" {
		return models.CountryUnknown, "", "lookup"
	}
	return loc.CountryCode, loc.City, "lookup"
}

// RecordDwellTime sets the time spent on a page view. Last write wins.
func (s *Service) RecordDwellTime(ctx context.Context, id string, seconds int64) error {
	if strings.TrimSpace(id) == "" {
		return apperr.Missing("id")
	}
	if seconds < 0 {
		return apperr.Invalid("timeSpent", "must not be negative")
	}

	err := s.events.UpdateTimeSpent(ctx, id, seconds)
	if s.metrics != nil {
		outcome := "ok"
		if errors.Is(err, apperr.ErrNotFound) {
			outcome = "not_found"
		} else if err != nil {
			outcome = "error"
		}
		s.metrics.RecordDwellUpdate(outcome)
	}
	return err
}

// =============================================
// EMAIL ENGAGEMENT
// =============================================

// RecordOpen counts an email open. It never fails: unknown campaigns and
// storage errors are logged and dropped so the pixel always renders.
func (s *Service) RecordOpen(ctx context.Context, campaignID, subjectKey string) models.EngagementResult {
	return s.recordEngagement(ctx, models.EngagementOpen, campaignID, subjectKey)
}

// RecordClick counts a link click and returns the URL to redirect to. The
// only error is an unusable target URL; tracking problems never block the
// redirect.
func (s *Service) RecordClick(ctx context.Context, campaignID, subjectKey, targetURL string) (string, error) {
	redirect, err := NormalizeTargetURL(targetURL)
	if err != nil {
		return "", err
	}

	s.recordEngagement(ctx, models.EngagementClick, campaignID, subjectKey)
	return redirect, nil
}

func (s *Service) recordEngagement(ctx context.Context, kind models.EngagementKind, campaignID, subjectKey string) models.EngagementResult {
	campaignID = clean(campaignID, maxFieldLen)
	subjectKey = clean(subjectKey, maxFieldLen)
	if campaignID == "" || subjectKey == "" {
		s.logger.Debug("engagement dropped: missing reference",
			zap.String("kind", string(kind)),
			zap.String("campaign_id", campaignID),
		)
		return models.EngagementResult{}
	}

	res, err := s.campaigns.RecordEngagement(ctx, campaignID, kind, subjectKey)
	if err != nil {
		s.logger.Error("failed to record engagement",
			zap.String("kind", string(kind)),
			zap.String("campaign_id", campaignID),
			zap.Error(err),
		)
		return models.EngagementResult{}
	}
	if !res.Found {
		s.logger.Debug("engagement for unknown campaign",
			zap.String("kind", string(kind)),
			zap.String("campaign_id", campaignID),
		)
		return res
	}

	if s.metrics != nil {
		s.metrics.RecordEngagement(string(kind), res.Unique)
	}
	s.logger.Debug("engagement recorded",
		zap.String("kind", string(kind)),
		zap.String("campaign_id", campaignID),
		zap.Bool("unique", res.Unique),
	)
	return res
}

// NormalizeTargetURL validates a click target. Scheme-less targets get
// https://, anything other than http(s) is rejected.
func NormalizeTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", apperr.Missing("url")
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	} else if !strings.Contains(raw, "://") && !hasScheme(raw) {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.Invalid("url", "malformed URL")
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", apperr.Invalid("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return "", apperr.Invalid("url", "host is required")
	}
	return u.String(), nil
}

// hasScheme catches opaque forms such as javascript:alert(1) or
// mailto:x@y. A host:port pair is not treated as a scheme.
func hasScheme(raw string) bool {
	i := strings.Index(raw, ":")
	if i <= 0 {
		return false
	}
	for _, r := range raw[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return false
		}
	}
	rest := raw[i+1:]
	if rest != "" && rest[0] >= '0' && rest[0] <= '9' {
		return false
	}
	return true
}

// clean trims s, drops invalid UTF-8 and caps it at n bytes without
// splitting a rune.
func clean(s string, n int) string {
	s = strings.TrimSpace(strings.ToValidUTF8(s, ""))
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// TransparentPixel is a 1x1 transparent GIF
var TransparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00,
	0x01, 0x00, 0x80, 0x00, 0x00, 0xFF, 0xFF, 0xFF,
	0x00, 0x00, 0x00, 0x21, 0xF9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2C, 0x00, 0x00, 0x00, 0x00,
	0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3B,
}
